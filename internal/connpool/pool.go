// Package connpool lends keep-alive HTTP sessions to workers, one borrower at a time.
//
// Each Session owns a dedicated transport holding at most one connection to its host, so a
// checked-out session is a real reusable connection rather than a view onto a shared pool.
// Sessions are capped globally and per host; idle ones are reused per host, evicted when a
// new host needs room at the global cap, and swept after an idle TTL.
package connpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/fetchkit/internal/fetch"
	"github.com/JakeFAU/fetchkit/internal/metrics"
)

// ErrClosed is returned by Acquire once the pool has been closed.
var ErrClosed = errors.New("connection pool closed")

// Config bounds the pool.
type Config struct {
	MaxConnections      int
	MaxPerHost          int
	WaitTimeout         time.Duration
	IdleTTL             time.Duration
	SweepInterval       time.Duration
	KeepAlive           time.Duration
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	// ResponseHeaderTimeout is zero (disabled) by default; task deadlines bound requests.
	ResponseHeaderTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 50
	}
	if c.MaxPerHost <= 0 {
		c.MaxPerHost = min(30, c.MaxConnections)
	}
	c.MaxPerHost = min(c.MaxPerHost, c.MaxConnections)
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 30 * time.Second
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 90 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 60 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.TLSHandshakeTimeout <= 0 {
		c.TLSHandshakeTimeout = 15 * time.Second
	}
	return c
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Open     int `json:"open"`
	Idle     int `json:"idle"`
	Borrowed int `json:"borrowed"`
	Hosts    int `json:"hosts"`
	Max      int `json:"max"`
}

type sessionState int

const (
	stateIdle sessionState = iota
	stateBorrowed
	stateClosed
)

// Session is one pooled connection bound to a host.
type Session struct {
	id        uint64
	host      string
	transport *http.Transport
	client    *http.Client
	created   time.Time

	// guarded by Pool.mu
	state    sessionState
	lastUsed time.Time
	uses     int
}

// Host returns the host the session is bound to.
func (s *Session) Host() string { return s.host }

// Client returns the HTTP client bound to the session's transport.
func (s *Session) Client() *http.Client { return s.client }

// RoundTripper returns the session's transport.
func (s *Session) RoundTripper() http.RoundTripper { return s.transport }

// ID returns a pool-unique session number.
func (s *Session) ID() uint64 { return s.id }

func (s *Session) close() {
	s.transport.CloseIdleConnections()
}

type hostState struct {
	sem      *semaphore.Weighted
	idle     []*Session // most recently used last
	borrowed int
	pending  int
}

// Pool manages sessions keyed by host.
type Pool struct {
	cfg    Config
	logger *zap.Logger
	global *semaphore.Weighted

	baseCtx    context.Context
	baseCancel context.CancelFunc
	sweepDone  chan struct{}
	closeOnce  sync.Once

	mu       sync.Mutex
	hosts    map[string]*hostState
	open     int
	borrowed int
	nextID   uint64
	closed   bool
}

// New builds a Pool and starts its idle sweeper.
func New(cfg Config, logger *zap.Logger) (*Pool, error) {
	if cfg.MaxConnections < 0 || cfg.MaxPerHost < 0 {
		return nil, fmt.Errorf("connection limits must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	baseCtx, baseCancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:        cfg,
		logger:     logger,
		global:     semaphore.NewWeighted(int64(cfg.MaxConnections)),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		sweepDone:  make(chan struct{}),
		hosts:      make(map[string]*hostState),
	}
	go p.sweepLoop()
	return p, nil
}

// Acquire checks out a session for host, reusing an idle one when possible. It waits at most
// Config.WaitTimeout for capacity before failing with fetch.KindPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, host string) (*Session, error) {
	if host == "" {
		return nil, fetch.NewError(fetch.KindInvalidRequest, host, errors.New("empty host"))
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fetch.NewError(fetch.KindCancelled, host, ErrClosed)
	}
	hs := p.hostLocked(host)
	hs.pending++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		hs.pending--
		p.mu.Unlock()
	}()

	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.WaitTimeout)
	defer cancel()
	stop := context.AfterFunc(p.baseCtx, cancel)
	defer stop()

	if err := hs.sem.Acquire(waitCtx, 1); err != nil {
		return nil, p.waitError(ctx, host, err)
	}
	if err := p.global.Acquire(waitCtx, 1); err != nil {
		hs.sem.Release(1)
		return nil, p.waitError(ctx, host, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePoolWait(metrics.PoolConnections, waited)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		hs.sem.Release(1)
		p.global.Release(1)
		return nil, fetch.NewError(fetch.KindCancelled, host, ErrClosed)
	}
	var evicted *Session
	s := hs.popIdle()
	if s == nil {
		if p.open >= p.cfg.MaxConnections {
			evicted = p.evictLRULocked()
		}
		s = p.newSessionLocked(host)
	}
	s.state = stateBorrowed
	s.uses++
	hs.borrowed++
	p.borrowed++
	borrowed := p.borrowed
	p.mu.Unlock()

	metrics.SetPoolActive(metrics.PoolConnections, borrowed)
	if evicted != nil {
		p.logger.Debug("evicted idle session", zap.String("host", evicted.host), zap.Uint64("session", evicted.id))
		evicted.close()
	}
	return s, nil
}

// Release returns a borrowed session. Unhealthy sessions, and any session released after
// Close, are closed instead of pooled. Releasing a session that is not checked out is a no-op.
func (p *Pool) Release(s *Session, healthy bool) {
	if s == nil {
		return
	}
	p.mu.Lock()
	if s.state != stateBorrowed {
		p.mu.Unlock()
		p.logger.Warn("session released while not checked out", zap.String("host", s.host), zap.Uint64("session", s.id))
		return
	}
	hs := p.hosts[s.host]
	hs.borrowed--
	p.borrowed--
	s.lastUsed = time.Now()
	closeIt := p.closed || !healthy
	if closeIt {
		s.state = stateClosed
		p.open--
	} else {
		s.state = stateIdle
		hs.idle = append(hs.idle, s)
	}
	borrowed := p.borrowed
	p.mu.Unlock()

	if closeIt {
		s.close()
	}
	hs.sem.Release(1)
	p.global.Release(1)
	metrics.SetPoolActive(metrics.PoolConnections, borrowed)
}

// Stats returns current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Open:     p.open,
		Idle:     p.open - p.borrowed,
		Borrowed: p.borrowed,
		Hosts:    len(p.hosts),
		Max:      p.cfg.MaxConnections,
	}
}

// Close closes idle sessions, stops the sweeper and fails pending and future acquisitions.
// Sessions still checked out are closed when released.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		var idle []*Session
		for host, hs := range p.hosts {
			for _, s := range hs.idle {
				s.state = stateClosed
				idle = append(idle, s)
			}
			p.open -= len(hs.idle)
			hs.idle = nil
			if hs.borrowed == 0 {
				delete(p.hosts, host)
			}
		}
		p.mu.Unlock()

		p.baseCancel()
		<-p.sweepDone
		for _, s := range idle {
			s.close()
		}
		p.logger.Debug("connection pool closed", zap.Int("closed_sessions", len(idle)))
	})
	return nil
}

func (p *Pool) waitError(ctx context.Context, host string, err error) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	switch {
	case closed:
		return fetch.NewError(fetch.KindCancelled, host, ErrClosed)
	case ctx.Err() != nil:
		return fetch.NewError(fetch.KindCancelled, host, fmt.Errorf("session wait: %w", ctx.Err()))
	default:
		metrics.ObservePoolExhausted(metrics.PoolConnections)
		return fetch.NewError(fetch.KindPoolExhausted, host,
			fmt.Errorf("no session available within %s: %w", p.cfg.WaitTimeout, err))
	}
}

func (p *Pool) hostLocked(host string) *hostState {
	hs, ok := p.hosts[host]
	if !ok {
		hs = &hostState{sem: semaphore.NewWeighted(int64(p.cfg.MaxPerHost))}
		p.hosts[host] = hs
	}
	return hs
}

func (hs *hostState) popIdle() *Session {
	n := len(hs.idle)
	if n == 0 {
		return nil
	}
	s := hs.idle[n-1]
	hs.idle[n-1] = nil
	hs.idle = hs.idle[:n-1]
	return s
}

// evictLRULocked removes the least recently used idle session of any host from the pool.
func (p *Pool) evictLRULocked() *Session {
	var (
		victimHost *hostState
		victimIdx  int
		victim     *Session
	)
	for _, hs := range p.hosts {
		for i, s := range hs.idle {
			if victim == nil || s.lastUsed.Before(victim.lastUsed) {
				victimHost, victimIdx, victim = hs, i, s
			}
		}
	}
	if victim == nil {
		return nil
	}
	victimHost.idle = append(victimHost.idle[:victimIdx], victimHost.idle[victimIdx+1:]...)
	victim.state = stateClosed
	p.open--
	return victim
}

func (p *Pool) newSessionLocked(host string) *Session {
	p.nextID++
	p.open++
	transport := p.newTransport()
	now := time.Now()
	return &Session{
		id:        p.nextID,
		host:      host,
		transport: transport,
		client:    &http.Client{Transport: transport},
		created:   now,
		lastUsed:  now,
	}
}

func (p *Pool) newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   p.cfg.DialTimeout,
			KeepAlive: p.cfg.KeepAlive,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   p.cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: p.cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          1,
		MaxIdleConnsPerHost:   1,
		MaxConnsPerHost:       1,
		IdleConnTimeout:       p.cfg.IdleTTL,
	}
}

func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.baseCtx.Done():
			return
		case now := <-ticker.C:
			if n := p.sweep(now); n > 0 {
				p.logger.Debug("swept idle sessions", zap.Int("count", n))
			}
		}
	}
}

// sweep closes sessions idle for longer than IdleTTL and forgets unused hosts.
func (p *Pool) sweep(now time.Time) int {
	var stale []*Session
	p.mu.Lock()
	for host, hs := range p.hosts {
		kept := hs.idle[:0]
		for _, s := range hs.idle {
			if now.Sub(s.lastUsed) > p.cfg.IdleTTL {
				s.state = stateClosed
				stale = append(stale, s)
				continue
			}
			kept = append(kept, s)
		}
		clear(hs.idle[len(kept):])
		hs.idle = kept
		if len(hs.idle) == 0 && hs.borrowed == 0 && hs.pending == 0 {
			delete(p.hosts, host)
		}
	}
	p.open -= len(stale)
	p.mu.Unlock()

	for _, s := range stale {
		s.close()
	}
	return len(stale)
}
