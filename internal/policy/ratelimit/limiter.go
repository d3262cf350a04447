// Package ratelimit implements per-host admission control.
//
// Each host gets a bucket built from a token bucket (golang.org/x/time/rate) that paces grants
// continuously, and a deque of recent grant timestamps that caps grants in any sliding window of
// the configured period. Buckets are created lazily and evicted after a period of inactivity.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/fetchkit/internal/fetch"
	"github.com/JakeFAU/fetchkit/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	// Period is the sliding window length. Defaults to one second.
	Period time.Duration

	// Adaptive slows a host down after failures and speeds it back up after successes.
	Adaptive          bool
	AdaptiveBaseDelay time.Duration
	MaxAdaptiveDelay  time.Duration

	IdleTTL         time.Duration
	CleanupInterval time.Duration
}

const (
	defaultPeriod          = time.Second
	defaultMaxAdaptive     = 30 * time.Second
	defaultIdleTTL         = 15 * time.Minute
	defaultCleanupInterval = 2 * time.Minute
	successesPerSpeedup    = 5
)

// Limiter manages per-host rate limits.
type Limiter struct {
	cfg      Config
	capacity int
	logger   *zap.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	waiters atomic.Int64

	mu          sync.Mutex
	limiter     *rate.Limiter
	grants      []time.Time
	lastSeen    time.Time
	extraDelay  time.Duration
	nextAllowed time.Time
	successes   int
}

// New creates a Limiter. RequestsPerSecond <= 0 disables limiting.
func New(cfg Config, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Period <= 0 {
		cfg.Period = defaultPeriod
	}
	if cfg.MaxAdaptiveDelay <= 0 {
		cfg.MaxAdaptiveDelay = defaultMaxAdaptive
	}
	if cfg.AdaptiveBaseDelay <= 0 && cfg.RequestsPerSecond > 0 {
		cfg.AdaptiveBaseDelay = time.Duration(float64(time.Second) / cfg.RequestsPerSecond)
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	capacity := int(cfg.RequestsPerSecond * cfg.Period.Seconds())
	if capacity < 1 {
		capacity = 1
	}
	if cfg.Burst <= 0 || cfg.Burst > capacity {
		cfg.Burst = capacity
	}
	return &Limiter{
		cfg:      cfg,
		capacity: capacity,
		logger:   logger,
		buckets:  make(map[string]*bucket),
	}
}

// Enabled reports whether admission is limited at all.
func (l *Limiter) Enabled() bool {
	return l.cfg.RequestsPerSecond > 0
}

// Acquire blocks until host admits one more request. It fails fast with
// fetch.KindRateLimitWait when the computed wait would overrun the ctx deadline.
func (l *Limiter) Acquire(ctx context.Context, host string) error {
	if err := ctx.Err(); err != nil {
		return fetch.NewError(fetch.KindCancelled, host, fmt.Errorf("rate limit wait: %w", err))
	}
	if !l.Enabled() {
		return nil
	}
	b := l.join(host)
	defer b.waiters.Add(-1)

	start := time.Now()
	for {
		now := time.Now()
		wait := b.reserve(now, l.capacity, l.cfg.Period)
		if wait <= 0 {
			if waited := now.Sub(start); waited > time.Millisecond {
				metrics.ObserveRateLimitDelay(host, waited)
			}
			return nil
		}
		if deadline, ok := ctx.Deadline(); ok && now.Add(wait).After(deadline) {
			return fetch.NewError(fetch.KindRateLimitWait, host,
				fmt.Errorf("admission wait %s exceeds deadline in %s", wait, deadline.Sub(now)))
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fetch.NewError(fetch.KindCancelled, host, fmt.Errorf("rate limit wait: %w", ctx.Err()))
		case <-timer.C:
		}
	}
}

// ReportSuccess feeds a successful response back into adaptive mode.
func (l *Limiter) ReportSuccess(host string) {
	if !l.cfg.Adaptive || !l.Enabled() {
		return
	}
	b := l.bucket(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes++
	if b.successes < successesPerSpeedup || b.extraDelay == 0 {
		return
	}
	b.successes = 0
	b.extraDelay = time.Duration(float64(b.extraDelay) * 0.9)
	if b.extraDelay < time.Millisecond {
		b.extraDelay = 0
	}
	l.logger.Debug("rate limit relaxed", zap.String("host", host), zap.Duration("extra_delay", b.extraDelay))
}

// ReportFailure feeds a failed response back into adaptive mode. status is 0 for network errors.
func (l *Limiter) ReportFailure(host string, status int) {
	if !l.cfg.Adaptive || !l.Enabled() {
		return
	}
	b := l.bucket(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes = 0
	base := b.extraDelay
	if base == 0 {
		base = l.cfg.AdaptiveBaseDelay
	}
	next := time.Duration(float64(base) * backoffMultiplier(status))
	if next > l.cfg.MaxAdaptiveDelay {
		next = l.cfg.MaxAdaptiveDelay
	}
	b.extraDelay = next
	l.logger.Debug("rate limit tightened",
		zap.String("host", host),
		zap.Int("status", status),
		zap.Duration("extra_delay", next),
	)
}

func backoffMultiplier(status int) float64 {
	switch status {
	case 429:
		return 2.0
	case 502, 503, 504:
		return 1.5
	default:
		return 1.2
	}
}

// PauseUntil holds every grant for host until t, e.g. from a Retry-After header.
func (l *Limiter) PauseUntil(host string, t time.Time) {
	if !l.Enabled() {
		return
	}
	b := l.bucket(host)
	b.mu.Lock()
	if t.After(b.nextAllowed) {
		b.nextAllowed = t
	}
	b.mu.Unlock()
}

// ExtraDelay returns the adaptive spacing currently applied to host.
func (l *Limiter) ExtraDelay(host string) time.Duration {
	l.mu.Lock()
	b, ok := l.buckets[host]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.extraDelay
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// StartJanitor evicts idle buckets until ctx is done.
func (l *Limiter) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(l.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := l.evictIdle(now); n > 0 {
					l.logger.Debug("evicted idle rate buckets", zap.Int("count", n))
				}
			}
		}
	}()
}

func (l *Limiter) evictIdle(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for host, b := range l.buckets {
		if b.waiters.Load() > 0 {
			continue
		}
		b.mu.Lock()
		idle := now.Sub(b.lastSeen) > l.cfg.IdleTTL
		b.mu.Unlock()
		if idle {
			delete(l.buckets, host)
			evicted++
		}
	}
	return evicted
}

func (l *Limiter) bucket(host string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lookup(host)
}

// join returns the host bucket with a waiter registered under l.mu, so the janitor
// cannot evict it between lookup and use.
func (l *Limiter) join(host string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.lookup(host)
	b.waiters.Add(1)
	return b
}

// lookup must be called with l.mu held.
func (l *Limiter) lookup(host string) *bucket {
	b, ok := l.buckets[host]
	if !ok {
		b = &bucket{
			limiter:  rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst),
			lastSeen: time.Now(),
		}
		l.buckets[host] = b
	}
	return b
}

// reserve grants one admission at now and returns 0, or returns how long to wait before trying again.
func (b *bucket) reserve(now time.Time, capacity int, period time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSeen = now

	i := 0
	for i < len(b.grants) && now.Sub(b.grants[i]) >= period {
		i++
	}
	b.grants = b.grants[i:]

	var wait time.Duration
	if now.Before(b.nextAllowed) {
		wait = b.nextAllowed.Sub(now)
	}
	if len(b.grants) >= capacity {
		if w := b.grants[0].Add(period).Sub(now); w > wait {
			wait = w
		}
	}
	if wait > 0 {
		return wait
	}

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return period
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d
	}
	b.grants = append(b.grants, now)
	if b.extraDelay > 0 {
		b.nextAllowed = now.Add(b.extraDelay)
	}
	return 0
}
