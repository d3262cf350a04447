package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies a failure.
type Kind string

// Failure kinds.
const (
	KindNetwork        Kind = "network"
	KindHTTPStatus     Kind = "http_status"
	KindRender         Kind = "render"
	KindPoolExhausted  Kind = "pool_exhausted"
	KindRateLimitWait  Kind = "rate_limit_wait_exceeded"
	KindCancelled      Kind = "cancelled"
	KindInvalidRequest Kind = "invalid_request"
	KindBodyTooLarge   Kind = "body_too_large"
)

// ErrShutdown is wrapped into the error of tasks refused or aborted by a dispatcher shutdown.
var ErrShutdown = errors.New("dispatcher shut down")

// Error is the structured failure attached to a Result.
type Error struct {
	Kind       Kind
	Host       string
	StatusCode int
	// RetryAfter is the server supplied Retry-After delay, zero when absent.
	RetryAfter time.Duration
	Err        error
}

// NewError wraps err with a kind and host.
func NewError(kind Kind, host string, err error) *Error {
	return &Error{Kind: kind, Host: host, Err: err}
}

// StatusError builds an HTTP status failure.
func StatusError(host string, code int, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindHTTPStatus,
		Host:       host,
		StatusCode: code,
		RetryAfter: retryAfter,
		Err:        fmt.Errorf("unexpected status %d %s", code, http.StatusText(code)),
	}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Host != "" {
		msg += " (" + e.Host + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf reports the kind of err. Context errors map to KindCancelled and
// anything else unrecognised is treated as a network failure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrShutdown) {
		return KindCancelled
	}
	return KindNetwork
}

// OutcomeFor maps a terminal error to an Outcome.
func OutcomeFor(err error) Outcome {
	switch KindOf(err) {
	case "":
		return OutcomeSuccess
	case KindCancelled, KindRateLimitWait:
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}

// ParseRetryAfter reads a Retry-After header given either as seconds or an HTTP date.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
