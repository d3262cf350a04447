// Package retry classifies fetch failures and decides whether and when to try again.
package retry

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math"
	"math/big"
	"net/http"
	"time"

	"github.com/JakeFAU/fetchkit/internal/fetch"
)

// Class is the retry classification of an error.
type Class int

// Classification values.
const (
	Fatal Class = iota
	Retryable
)

func (c Class) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "fatal"
}

// Hard bounds on the adaptive attempt budget.
const (
	minAttemptsFloor   = 1
	maxAttemptsCeiling = 10
)

// Config tunes the policy. Zero values take the defaults noted per field.
type Config struct {
	// MinAttempts applies to healthy hosts. Default 3.
	MinAttempts int
	// MaxAttempts applies to degraded hosts. Default 6.
	MaxAttempts int
	// BackoffMin and BackoffMax bound the per-attempt backoff factor. Defaults 500ms and 2s.
	BackoffMin time.Duration
	BackoffMax time.Duration
	// MaxDelay caps any single delay, Retry-After included. Default 30s.
	MaxDelay time.Duration
	// Jitter is the +/- fraction applied to computed delays. Default 0.2, negative disables.
	Jitter float64
	// HealthyRate and DegradedRate are the failure rates at which the budget bottoms out and tops out.
	// Defaults 0.1 and 0.5.
	HealthyRate  float64
	DegradedRate float64
	// IgnoreRetryAfter disables honouring server Retry-After headers.
	IgnoreRetryAfter bool
}

// Attempt describes the attempt that just failed.
type Attempt struct {
	// Number is the 1-based attempt count so far.
	Number int
	// FailureRate is the host's recent failure rate in [0, 1].
	FailureRate float64
	// RenderFailures counts render errors seen by the task, this one included.
	RenderFailures int
}

// Policy implements adaptive retry with jittered linear backoff.
type Policy struct {
	cfg Config
}

// New builds a Policy with defaults applied and bounds clamped.
func New(cfg Config) *Policy {
	if cfg.MinAttempts <= 0 {
		cfg.MinAttempts = 3
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 6
	}
	cfg.MinAttempts = clampInt(cfg.MinAttempts, minAttemptsFloor, maxAttemptsCeiling)
	cfg.MaxAttempts = clampInt(cfg.MaxAttempts, cfg.MinAttempts, maxAttemptsCeiling)
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 500 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = max(2*time.Second, cfg.BackoffMin)
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = 0
	} else if cfg.Jitter == 0 {
		cfg.Jitter = 0.2
	}
	if cfg.HealthyRate <= 0 {
		cfg.HealthyRate = 0.1
	}
	if cfg.DegradedRate <= cfg.HealthyRate {
		cfg.DegradedRate = math.Max(0.5, cfg.HealthyRate+0.1)
	}
	return &Policy{cfg: cfg}
}

// Classify decides whether err is worth retrying.
func (p *Policy) Classify(err error) Class {
	if err == nil {
		return Fatal
	}
	switch fetch.KindOf(err) {
	case fetch.KindHTTPStatus:
		var fe *fetch.Error
		if errors.As(err, &fe) && RetryableStatus(fe.StatusCode) {
			return Retryable
		}
		return Fatal
	case fetch.KindNetwork:
		if isCertificateError(err) {
			return Fatal
		}
		return Retryable
	case fetch.KindRender:
		return Retryable
	default:
		return Fatal
	}
}

// RetryableStatus reports whether a response status is transient: 5xx, 408 and 429.
func RetryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

func isCertificateError(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostname    x509.HostnameError
		invalid     x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostname) ||
		errors.As(err, &invalid)
}

// MaxAttempts returns the attempt budget for a host with the given failure rate.
// Healthy hosts get MinAttempts, degraded hosts MaxAttempts, linear in between.
func (p *Policy) MaxAttempts(failureRate float64) int {
	t := p.severity(failureRate)
	n := p.cfg.MinAttempts + int(math.Round(t*float64(p.cfg.MaxAttempts-p.cfg.MinAttempts)))
	return clampInt(n, minAttemptsFloor, maxAttemptsCeiling)
}

// NextDelay returns the jittered wait before attempt+1.
func (p *Policy) NextDelay(attempt int, failureRate float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	t := p.severity(failureRate)
	factor := float64(p.cfg.BackoffMin) + t*float64(p.cfg.BackoffMax-p.cfg.BackoffMin)
	delay := factor * float64(attempt)
	if p.cfg.Jitter > 0 {
		delay *= 1 - p.cfg.Jitter + 2*p.cfg.Jitter*randomFraction()
	}
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// Decide returns the delay before the next attempt, or false when the task must stop.
// Fatal errors never retry and render errors retry at most once.
func (p *Policy) Decide(err error, a Attempt) (time.Duration, bool) {
	if p.Classify(err) == Fatal {
		return 0, false
	}
	if a.Number >= p.MaxAttempts(a.FailureRate) {
		return 0, false
	}
	if fetch.KindOf(err) == fetch.KindRender && a.RenderFailures > 1 {
		return 0, false
	}
	if d := p.retryAfter(err); d > 0 {
		return d, true
	}
	return p.NextDelay(a.Number, a.FailureRate), true
}

func (p *Policy) retryAfter(err error) time.Duration {
	if p.cfg.IgnoreRetryAfter {
		return 0
	}
	var fe *fetch.Error
	if !errors.As(err, &fe) || fe.RetryAfter <= 0 {
		return 0
	}
	if fe.StatusCode != http.StatusTooManyRequests && fe.StatusCode != http.StatusServiceUnavailable {
		return 0
	}
	return min(fe.RetryAfter, p.cfg.MaxDelay)
}

// severity maps a failure rate onto [0, 1] between the healthy and degraded thresholds.
func (p *Policy) severity(failureRate float64) float64 {
	switch {
	case math.IsNaN(failureRate) || failureRate <= p.cfg.HealthyRate:
		return 0
	case failureRate >= p.cfg.DegradedRate:
		return 1
	default:
		return (failureRate - p.cfg.HealthyRate) / (p.cfg.DegradedRate - p.cfg.HealthyRate)
	}
}

func randomFraction() float64 {
	const precision = 1 << 30
	n, err := rand.Int(rand.Reader, big.NewInt(precision))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / precision
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
