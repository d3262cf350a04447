// Package driverpool bounds and recycles browser-automation instances.
package driverpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchkit/internal/fetch"
	"github.com/JakeFAU/fetchkit/internal/metrics"
)

// ErrClosed is returned by Acquire once the pool has been closed.
var ErrClosed = errors.New("driver pool closed")

// Browser is one running browser instance.
type Browser interface {
	Render(ctx context.Context, req fetch.RenderRequest) (fetch.Response, error)
	// Alive reports whether the instance can still serve renders.
	Alive() bool
	Close() error
}

// Launcher starts browser instances. The ctx passed to Launch bounds startup only;
// the returned Browser must outlive it.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Config bounds the pool.
type Config struct {
	MaxDrivers   int
	WaitTimeout  time.Duration
	SpawnTimeout time.Duration
	// MaxUses recycles an instance after that many renders. Zero disables recycling.
	MaxUses int
}

// Stats mirrors the browser statistics of the performance report.
type Stats struct {
	Total     int `json:"total_drivers"`
	InUse     int `json:"drivers_in_use"`
	Available int `json:"available_drivers"`
	Max       int `json:"max_drivers"`
}

type handleState int

const (
	stateIdle handleState = iota
	stateBorrowed
	stateClosed
)

// Handle lends one browser instance to a single worker.
type Handle struct {
	id      uint64
	browser Browser
	spawned time.Time

	// guarded by Pool.mu
	state handleState
	uses  int
}

// ID returns a pool-unique instance number.
func (h *Handle) ID() uint64 { return h.id }

// Render runs one render on the borrowed instance.
func (h *Handle) Render(ctx context.Context, req fetch.RenderRequest) (fetch.Response, error) {
	return h.browser.Render(ctx, req)
}

// Pool manages at most MaxDrivers live browser instances.
type Pool struct {
	cfg      Config
	launcher Launcher
	logger   *zap.Logger

	slots      chan struct{}
	closing    chan struct{}
	baseCtx    context.Context
	baseCancel context.CancelFunc
	respawns   sync.WaitGroup
	closeOnce  sync.Once

	mu       sync.Mutex
	idle     []*Handle
	live     int
	borrowed int
	nextID   uint64
	closed   bool
}

// New builds a Pool. Instances are spawned lazily on first acquire.
func New(cfg Config, launcher Launcher, logger *zap.Logger) (*Pool, error) {
	if launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if cfg.MaxDrivers < 0 {
		return nil, fmt.Errorf("max drivers must be >= 0")
	}
	if cfg.MaxDrivers == 0 {
		cfg.MaxDrivers = 5
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 60 * time.Second
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:        cfg,
		launcher:   launcher,
		logger:     logger,
		slots:      make(chan struct{}, cfg.MaxDrivers),
		closing:    make(chan struct{}),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}, nil
}

// Acquire checks out a healthy instance, spawning one under the cap, or waits at most
// Config.WaitTimeout before failing with fetch.KindPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.WaitTimeout)
	defer cancel()

	select {
	case <-p.closing:
		return nil, fetch.NewError(fetch.KindCancelled, "", ErrClosed)
	default:
	}
	select {
	case p.slots <- struct{}{}:
	case <-p.closing:
		return nil, fetch.NewError(fetch.KindCancelled, "", ErrClosed)
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, fetch.NewError(fetch.KindCancelled, "", fmt.Errorf("driver wait: %w", ctx.Err()))
		}
		metrics.ObservePoolExhausted(metrics.PoolDrivers)
		return nil, fetch.NewError(fetch.KindPoolExhausted, "",
			fmt.Errorf("no browser available within %s", p.cfg.WaitTimeout))
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePoolWait(metrics.PoolDrivers, waited)
	}

	h, err := p.checkout(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	return h, nil
}

func (p *Pool) checkout(ctx context.Context) (*Handle, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fetch.NewError(fetch.KindCancelled, "", ErrClosed)
		}
		var h *Handle
		if n := len(p.idle); n > 0 {
			h = p.idle[n-1]
			p.idle[n-1] = nil
			p.idle = p.idle[:n-1]
		}
		p.mu.Unlock()

		if h == nil {
			spawned, err := p.spawn(ctx)
			if err != nil {
				return nil, err
			}
			h = spawned
		} else if !h.browser.Alive() {
			p.logger.Warn("discarding dead idle browser", zap.Uint64("driver", h.id))
			p.retire(h)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.retire(h)
			return nil, fetch.NewError(fetch.KindCancelled, "", ErrClosed)
		}
		h.state = stateBorrowed
		p.borrowed++
		borrowed := p.borrowed
		p.mu.Unlock()
		metrics.SetPoolActive(metrics.PoolDrivers, borrowed)
		return h, nil
	}
}

// Release returns a borrowed instance. healthy=false retires it and respawns a replacement in
// the background; the slot stays taken until the replacement is idle. Releasing a handle that
// is not checked out is a no-op.
func (p *Pool) Release(h *Handle, healthy bool) {
	if h == nil {
		return
	}
	p.mu.Lock()
	if h.state != stateBorrowed {
		p.mu.Unlock()
		p.logger.Warn("driver released while not checked out", zap.Uint64("driver", h.id))
		return
	}
	p.borrowed--
	h.uses++
	borrowed := p.borrowed
	recycle := healthy && p.cfg.MaxUses > 0 && h.uses >= p.cfg.MaxUses
	switch {
	case p.closed:
		h.state = stateClosed
		p.live--
		p.mu.Unlock()
		p.closeBrowser(h)
		<-p.slots
	case healthy && !recycle:
		h.state = stateIdle
		p.idle = append(p.idle, h)
		p.mu.Unlock()
		<-p.slots
	default:
		h.state = stateClosed
		p.live--
		p.respawns.Add(1)
		p.mu.Unlock()
		if !healthy {
			metrics.ObserveDriverRespawn()
			p.logger.Info("retiring crashed browser", zap.Uint64("driver", h.id), zap.Int("uses", h.uses))
		} else {
			p.logger.Debug("recycling browser", zap.Uint64("driver", h.id), zap.Int("uses", h.uses))
		}
		go p.respawn(h)
	}
	metrics.SetPoolActive(metrics.PoolDrivers, borrowed)
}

func (p *Pool) respawn(old *Handle) {
	defer p.respawns.Done()
	defer func() { <-p.slots }()

	p.closeBrowser(old)
	h, err := p.spawn(p.baseCtx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Error("browser respawn failed", zap.Error(err))
		}
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.retire(h)
		return
	}
	p.idle = append(p.idle, h)
	p.mu.Unlock()
}

func (p *Pool) spawn(ctx context.Context) (*Handle, error) {
	spawnCtx, cancel := context.WithTimeout(ctx, p.cfg.SpawnTimeout)
	defer cancel()
	browser, err := p.launcher.Launch(spawnCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fetch.NewError(fetch.KindCancelled, "", fmt.Errorf("launch browser: %w", err))
		}
		return nil, fetch.NewError(fetch.KindRender, "", fmt.Errorf("launch browser: %w", err))
	}
	p.mu.Lock()
	p.nextID++
	p.live++
	h := &Handle{id: p.nextID, browser: browser, spawned: time.Now()}
	p.mu.Unlock()
	p.logger.Debug("browser spawned", zap.Uint64("driver", h.id))
	return h, nil
}

// retire closes a live instance that is not in the idle list.
func (p *Pool) retire(h *Handle) {
	p.mu.Lock()
	h.state = stateClosed
	p.live--
	p.mu.Unlock()
	p.closeBrowser(h)
}

func (p *Pool) closeBrowser(h *Handle) {
	if err := h.browser.Close(); err != nil {
		p.logger.Warn("browser close failed", zap.Uint64("driver", h.id), zap.Error(err))
	}
}

// Stats returns current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:     p.live,
		InUse:     p.borrowed,
		Available: len(p.idle),
		Max:       p.cfg.MaxDrivers,
	}
}

// Close retires idle instances, waits for pending respawns and fails future acquisitions.
// Instances still checked out are closed when released.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		idle := p.idle
		for _, h := range idle {
			h.state = stateClosed
		}
		p.idle = nil
		p.live -= len(idle)
		p.mu.Unlock()

		close(p.closing)
		p.baseCancel()
		p.respawns.Wait()
		for _, h := range idle {
			p.closeBrowser(h)
		}
		p.logger.Debug("driver pool closed", zap.Int("closed_drivers", len(idle)))
	})
	return nil
}
