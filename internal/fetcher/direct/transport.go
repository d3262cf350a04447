// Package direct implements fetch.Transport with net/http, streaming bodies straight
// into a fetch.Body so large payloads spool to disk without being buffered in memory.
package direct

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/JakeFAU/fetchkit/internal/fetch"
)

// Transport sends requests through the borrowed session's client.
type Transport struct {
	limits fetch.BodyLimits
}

// New builds a Transport that applies limits to every response body.
func New(limits fetch.BodyLimits) *Transport {
	return &Transport{limits: limits}
}

// Do executes one request. Non-2xx responses are returned, not treated as errors.
func (t *Transport) Do(ctx context.Context, session fetch.Session, req fetch.Request) (fetch.Response, error) {
	host := fetch.HostOf(req.URL)
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return fetch.Response{}, fetch.NewError(fetch.KindInvalidRequest, host, fmt.Errorf("build request: %w", err))
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if req.UserAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}

	client := session.Client()
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fetch.Response{}, t.classify(ctx, host, fmt.Errorf("send request: %w", err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	payload, err := fetch.ReadBody(resp.Body, t.limits)
	if err != nil {
		return fetch.Response{}, t.classify(ctx, host, err)
	}
	return fetch.Response{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       payload,
	}, nil
}

func (t *Transport) classify(ctx context.Context, host string, err error) error {
	var fe *fetch.Error
	switch {
	case errors.As(err, &fe):
		return err
	case ctx.Err() != nil:
		return fetch.NewError(fetch.KindCancelled, host, err)
	default:
		return fetch.NewError(fetch.KindNetwork, host, err)
	}
}

var _ fetch.Transport = (*Transport)(nil)
