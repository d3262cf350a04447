package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchkit/internal/metrics"
)

const allowAllRobots = "User-agent: *\nAllow: /"

// defaultRobotsBackoff is the wait before each retry of a timed-out robots.txt probe.
var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsAwareTransport wraps the collector transport. Page requests pass straight
// through. A robots.txt probe that keeps timing out is answered with an allow-all
// document instead of failing the page that triggered it.
type robotsAwareTransport struct {
	base    http.RoundTripper
	logger  *zap.Logger
	backoff []time.Duration
}

func (t *robotsAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("robots transport: %w", err)
		}
		return resp, nil
	}
	return t.probe(req)
}

func (t *robotsAwareTransport) schedule() []time.Duration {
	if t.backoff != nil {
		return t.backoff
	}
	return defaultRobotsBackoff
}

func (t *robotsAwareTransport) probe(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	waits := t.schedule()
	var lastErr error
	for attempt := 0; attempt <= len(waits); attempt++ {
		if attempt > 0 {
			if err := pause(ctx, waits[attempt-1]); err != nil {
				return nil, fmt.Errorf("robots probe: %w", err)
			}
		}
		resp, err := t.base.RoundTrip(req.Clone(ctx))
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || !timedOut(err) {
			return nil, fmt.Errorf("robots probe: %w", err)
		}
		lastErr = err
	}

	if t.logger != nil {
		t.logger.Warn("robots.txt probe timed out, allowing all",
			zap.Int("attempts", len(waits)+1), zap.Error(lastErr))
	}
	metrics.ObserveRobotsFallback(req.URL.Hostname())
	return allowAllResponse(req), nil
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Request:       req,
	}
}

// timedOut reports whether err looks like a slow handshake or dial rather than a refusal.
func timedOut(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
