// Package collyfetcher implements fetch.Transport with gocolly over a pooled session.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchkit/internal/fetch"
)

const (
	defaultTimeout = 60 * time.Second
	// defaultMaxBodyBytes caps a body when none is configured. colly buffers the whole
	// response before it reaches fetch.ReadBody, so spooling only starts after this point.
	defaultMaxBodyBytes = 50 << 20
)

// Config controls collector behavior.
type Config struct {
	RespectRobots bool
	// Timeout bounds a request when the caller's context has no deadline.
	Timeout time.Duration
	Limits  fetch.BodyLimits
}

// Transport runs each exchange through a fresh collector bound to the borrowed session.
type Transport struct {
	cfg    Config
	logger *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Transport.
func New(cfg Config, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Limits.MaxBytes <= 0 {
		cfg.Limits.MaxBytes = defaultMaxBodyBytes
	}
	return &Transport{cfg: cfg, logger: logger.Named("colly")}
}

// Do executes one request. Non-2xx responses are returned, not treated as errors.
func (t *Transport) Do(ctx context.Context, session fetch.Session, req fetch.Request) (fetch.Response, error) {
	host := fetch.HostOf(req.URL)
	if err := ctx.Err(); err != nil {
		return fetch.Response{}, fetch.NewError(fetch.KindCancelled, host, err)
	}
	var (
		result   fetch.Response
		fetchErr error
	)
	collector := t.buildCollector(ctx, session, host)
	t.configureCollectorHooks(collector, &result, &fetchErr)

	if err := t.runCollector(ctx, collector, req, &fetchErr); err != nil {
		return fetch.Response{}, t.classify(ctx, host, err)
	}
	return result, nil
}

func (t *Transport) buildCollector(ctx context.Context, session fetch.Session, host string) *colly.Collector {
	opts := []colly.CollectorOption{
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(int(t.cfg.Limits.MaxBytes + 1)),
	}
	collector := colly.NewCollector(opts...)
	collector.IgnoreRobotsTxt = !t.cfg.RespectRobots

	timeout := t.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	collector.SetRequestTimeout(timeout)

	var base http.RoundTripper = http.DefaultTransport
	if client := session.Client(); client != nil && client.Transport != nil {
		base = client.Transport
	}
	if t.cfg.RespectRobots {
		base = &robotsAwareTransport{base: base, logger: t.logger.With(zap.String("host", host))}
	}
	collector.WithTransport(&contextTransport{ctx: ctx, base: base})
	return collector
}

func (t *Transport) configureCollectorHooks(hooks collectorHooks, result *fetch.Response, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		body, err := fetch.ReadBody(bytes.NewReader(r.Body), t.cfg.Limits)
		if err != nil {
			*fetchErr = err
			return
		}
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		url := ""
		if r.Request != nil && r.Request.URL != nil {
			url = r.Request.URL.String()
		}
		*result = fetch.Response{
			URL:        url,
			StatusCode: r.StatusCode,
			Header:     headers,
			Body:       body,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (t *Transport) runCollector(ctx context.Context, collector *colly.Collector, req fetch.Request, fetchErr *error) error {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hdr := fetch.CloneHeader(req.Header)
	if hdr == nil {
		hdr = http.Header{}
	}
	if req.UserAgent != "" && hdr.Get("User-Agent") == "" {
		hdr.Set("User-Agent", req.UserAgent)
	}
	var payload *bytes.Reader
	if len(req.Body) > 0 {
		payload = bytes.NewReader(req.Body)
	}

	done := make(chan error, 1)
	go func() {
		if payload == nil {
			done <- collector.Request(method, req.URL, nil, nil, hdr)
			return
		}
		done <- collector.Request(method, req.URL, payload, nil, hdr)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (t *Transport) classify(ctx context.Context, host string, err error) error {
	var fe *fetch.Error
	switch {
	case errors.As(err, &fe):
		return err
	case ctx.Err() != nil:
		return fetch.NewError(fetch.KindCancelled, host, err)
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		return fetch.NewError(fetch.KindInvalidRequest, host, err)
	default:
		return fetch.NewError(fetch.KindNetwork, host, err)
	}
}

// contextTransport binds every round trip to the caller's context so cancellation aborts I/O.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}

var _ fetch.Transport = (*Transport)(nil)
