// Package dispatcher fans fetch tasks out to a bounded set of workers and runs each
// through admission, pooled I/O and retry.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/fetchkit/internal/connpool"
	"github.com/JakeFAU/fetchkit/internal/driverpool"
	"github.com/JakeFAU/fetchkit/internal/fetch"
	"github.com/JakeFAU/fetchkit/internal/id/uuid"
	"github.com/JakeFAU/fetchkit/internal/identity"
	"github.com/JakeFAU/fetchkit/internal/metrics"
	"github.com/JakeFAU/fetchkit/internal/policy/ratelimit"
	"github.com/JakeFAU/fetchkit/internal/retry"
	"github.com/JakeFAU/fetchkit/internal/telemetry"
)

// Config holds the defaults applied to Options fields left at zero.
type Config struct {
	ConcurrentLimit int
	BatchSize       int
	Timeout         time.Duration
	UseBrowser      bool
	// BatchPause is slept between consecutive batches of one Submit call.
	BatchPause time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConcurrentLimit <= 0 {
		c.ConcurrentLimit = 10
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Deps are the collaborators a Dispatcher drives. Connections and Transport are required;
// a nil Drivers pool makes browser-routed tasks fail.
type Deps struct {
	Limiter     *ratelimit.Limiter
	Connections *connpool.Pool
	Drivers     *driverpool.Pool
	Transport   fetch.Transport
	Retry       *retry.Policy
	Registry    *metrics.Registry
	Identity    *identity.Rotator
	IDs         fetch.IDGenerator
	Attempts    *telemetry.Attempts
	// Detector enables promoting plain HTTP responses to a browser render. It needs Drivers.
	Detector Detector
}

// Detector flags HTTP responses that need a browser to produce their content.
type Detector interface {
	ShouldPromote(statusCode int, body *fetch.Body) bool
}

// Dispatcher runs batches of fetch tasks.
type Dispatcher struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	root       context.Context
	cancelRoot context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// New wires a Dispatcher and starts the rate limiter janitor.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Dispatcher, error) {
	if deps.Connections == nil {
		return nil, fmt.Errorf("connection pool is required")
	}
	if deps.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(ratelimit.Config{}, logger)
	}
	if deps.Retry == nil {
		deps.Retry = retry.New(retry.Config{})
	}
	if deps.Registry == nil {
		deps.Registry = metrics.NewRegistry(metrics.DefaultAlpha)
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Attempts == nil {
		deps.Attempts = telemetry.NewAttempts(nil)
	}

	root, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:        cfg.withDefaults(),
		deps:       deps,
		logger:     logger.Named("dispatcher"),
		root:       root,
		cancelRoot: cancel,
	}
	deps.Limiter.StartJanitor(root)
	return d, nil
}

// Submit fetches every task and returns one result per task in input order.
// It never fails as a whole; per-task problems are reported in Result.Err.
func (d *Dispatcher) Submit(ctx context.Context, tasks []fetch.Task, opts fetch.Options) []fetch.Result {
	results := make([]fetch.Result, len(tasks))
	if len(tasks) == 0 {
		return results
	}
	if err := opts.Validate(); err != nil {
		d.failAll(tasks, results, fetch.KindInvalidRequest, err)
		return results
	}
	if !d.enter() {
		d.failAll(tasks, results, fetch.KindCancelled, fetch.ErrShutdown)
		return results
	}
	defer d.inflight.Done()

	opts = d.resolve(opts)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(d.root, cancel)
	defer stop()

	for start := 0; start < len(tasks); start += opts.BatchSize {
		if start > 0 && d.cfg.BatchPause > 0 {
			_ = sleepCtx(ctx, d.cfg.BatchPause)
		}
		end := min(start+opts.BatchSize, len(tasks))
		var g errgroup.Group
		g.SetLimit(opts.ConcurrentLimit)
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i] = d.runTask(ctx, tasks[i], opts)
				return nil
			})
		}
		_ = g.Wait()
	}
	return results
}

// FetchOne runs a single task with the dispatcher defaults.
func (d *Dispatcher) FetchOne(ctx context.Context, task fetch.Task) fetch.Result {
	return d.Submit(ctx, []fetch.Task{task}, fetch.Options{})[0]
}

// MetricsSnapshot returns the rolling statistics with current pool occupancy.
func (d *Dispatcher) MetricsSnapshot() metrics.Snapshot {
	snap := d.deps.Registry.Snapshot()
	conns := d.deps.Connections.Stats()
	snap.ActiveConnections = conns.Borrowed
	snap.IdleConnections = conns.Idle
	if d.deps.Drivers != nil {
		drivers := d.deps.Drivers.Stats()
		snap.ActiveDrivers = drivers.InUse
		snap.IdleDrivers = drivers.Available
		snap.TotalDrivers = drivers.Total
	}
	if d.deps.Identity != nil {
		snap.UserAgents = d.deps.Identity.Usage()
	}
	return snap
}

// Shutdown stops accepting work and waits for in-flight tasks until ctx is done, then
// cancels whatever is still running and closes the pools. It is safe to call more than once.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.shutdownOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		drained := make(chan struct{})
		go func() {
			d.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			d.logger.Warn("shutdown grace expired, cancelling in-flight tasks")
			d.cancelRoot()
			<-drained
		}
		d.cancelRoot()

		var errs []error
		if err := d.deps.Connections.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection pool: %w", err))
		}
		if d.deps.Drivers != nil {
			if err := d.deps.Drivers.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close driver pool: %w", err))
			}
		}
		d.shutdownErr = errors.Join(errs...)
		d.logger.Info("dispatcher stopped")
	})
	return d.shutdownErr
}

func (d *Dispatcher) enter() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	d.inflight.Add(1)
	return true
}

func (d *Dispatcher) resolve(opts fetch.Options) fetch.Options {
	if opts.ConcurrentLimit == 0 {
		opts.ConcurrentLimit = d.cfg.ConcurrentLimit
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = d.cfg.BatchSize
	}
	if opts.Timeout == 0 {
		opts.Timeout = d.cfg.Timeout
	}
	opts.UseBrowser = opts.UseBrowser || d.cfg.UseBrowser
	return opts
}

func (d *Dispatcher) failAll(tasks []fetch.Task, results []fetch.Result, kind fetch.Kind, err error) {
	for i, task := range tasks {
		ferr := fetch.NewError(kind, task.Host(), err)
		results[i] = fetch.Result{
			TaskID:  task.ID,
			URL:     task.URL,
			Outcome: fetch.OutcomeFor(ferr),
			Err:     ferr,
		}
		metrics.ObserveTask(string(results[i].Outcome))
	}
}

// runTask owns one task until it reaches a terminal outcome.
func (d *Dispatcher) runTask(ctx context.Context, task fetch.Task, opts fetch.Options) fetch.Result {
	start := time.Now()
	d.deps.Registry.TaskStarted()
	defer d.deps.Registry.TaskFinished()

	if task.ID == "" {
		if id, err := d.deps.IDs.NewID(); err == nil {
			task.ID = id
		} else {
			d.logger.Warn("task id generation failed", zap.Error(err))
		}
	}
	if task.Method == "" {
		task.Method = http.MethodGet
	}
	task.UseBrowser = task.UseBrowser || opts.UseBrowser
	host := task.Host()
	res := fetch.Result{TaskID: task.ID, URL: task.URL, Rendered: task.UseBrowser}

	finish := func(err error) fetch.Result {
		res.Attempts = task.Attempt
		res.Elapsed = time.Since(start)
		res.Err = err
		res.Outcome = fetch.OutcomeFor(err)
		var fe *fetch.Error
		if errors.As(err, &fe) && fe.StatusCode > 0 {
			res.StatusCode = fe.StatusCode
		}
		metrics.ObserveTask(string(res.Outcome))
		return res
	}

	if err := fetch.ValidateURL(task.URL); err != nil {
		return finish(fetch.NewError(fetch.KindInvalidRequest, host, err))
	}

	deadline := start.Add(opts.Timeout)
	if !task.Deadline.IsZero() && task.Deadline.Before(deadline) {
		deadline = task.Deadline
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	logger := d.logger.With(zap.String("task_id", task.ID), zap.String("host", host))
	renderFailures := 0
	for {
		task.Attempt++
		resp, err := d.attempt(ctx, task)
		if err == nil && d.shouldPromote(task, resp) {
			resp = d.promote(ctx, &task, resp, logger)
			res.Rendered = task.UseBrowser
		}
		if err == nil {
			res.StatusCode = resp.StatusCode
			res.Header = resp.Header
			res.Body = resp.Body
			res.ScriptResult = resp.ScriptResult
			if resp.URL != "" {
				res.URL = resp.URL
			}
			return finish(nil)
		}
		if fetch.KindOf(err) == fetch.KindRender {
			renderFailures++
		}
		delay, ok := d.deps.Retry.Decide(err, retry.Attempt{
			Number:         task.Attempt,
			FailureRate:    d.deps.Registry.FailureRate(host),
			RenderFailures: renderFailures,
		})
		if !ok {
			logger.Debug("task failed", zap.Int("attempt", task.Attempt), zap.Error(err))
			return finish(err)
		}
		metrics.ObserveRetry(host, string(fetch.KindOf(err)))
		logger.Debug("retrying task",
			zap.Int("attempt", task.Attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if serr := sleepCtx(ctx, delay); serr != nil {
			return finish(fetch.NewError(fetch.KindCancelled, host,
				fmt.Errorf("retry backoff after %v: %w", err, serr)))
		}
	}
}

// attempt runs one admission, acquire and I/O cycle inside its own span.
func (d *Dispatcher) attempt(ctx context.Context, task fetch.Task) (fetch.Response, error) {
	host := task.Host()
	ctx, span := d.deps.Attempts.Start(ctx, task)

	resp, err := d.exchange(ctx, task)
	if err == nil && resp.StatusCode >= http.StatusBadRequest {
		retryAfter := fetch.ParseRetryAfter(resp.Header, time.Now())
		if retryAfter > 0 && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable) {
			d.deps.Limiter.PauseUntil(host, time.Now().Add(retryAfter))
		}
		_ = resp.Body.Close()
		err = fetch.StatusError(host, resp.StatusCode, retryAfter)
	}
	telemetry.End(span, resp.StatusCode, err)
	if err != nil {
		return fetch.Response{}, err
	}
	return resp, nil
}

func (d *Dispatcher) shouldPromote(task fetch.Task, resp fetch.Response) bool {
	if task.UseBrowser || d.deps.Detector == nil || d.deps.Drivers == nil {
		return false
	}
	// The render counts as an attempt and must fit the host's budget.
	if task.Attempt >= d.deps.Retry.MaxAttempts(d.deps.Registry.FailureRate(task.Host())) {
		return false
	}
	return d.deps.Detector.ShouldPromote(resp.StatusCode, resp.Body)
}

// promote spends one extra attempt, within the retry budget, rendering the task.
// The HTTP response is kept when the render fails.
func (d *Dispatcher) promote(ctx context.Context, task *fetch.Task, resp fetch.Response, logger *zap.Logger) fetch.Response {
	rendered := *task
	rendered.UseBrowser = true
	rendered.Attempt++
	task.Attempt = rendered.Attempt

	rresp, err := d.attempt(ctx, rendered)
	metrics.ObservePromotion(task.Host(), err == nil)
	if err != nil {
		logger.Debug("promoted render failed, keeping http response", zap.Error(err))
		return resp
	}
	_ = resp.Body.Close()
	task.UseBrowser = true
	return rresp
}

func (d *Dispatcher) exchange(ctx context.Context, task fetch.Task) (fetch.Response, error) {
	host := task.Host()
	if err := d.deps.Limiter.Acquire(ctx, host); err != nil {
		return fetch.Response{}, err
	}
	if task.UseBrowser {
		return d.render(ctx, task)
	}

	session, err := d.deps.Connections.Acquire(ctx, host)
	if err != nil {
		return fetch.Response{}, err
	}
	started := time.Now()
	resp, err := d.deps.Transport.Do(ctx, session, fetch.Request{
		URL:       task.URL,
		Method:    task.Method,
		Header:    d.headers(task.Header),
		Body:      task.Body,
		UserAgent: d.userAgent(),
	})
	d.deps.Connections.Release(session, err == nil)
	d.record(host, time.Since(started), resp, err)
	return resp, err
}

func (d *Dispatcher) render(ctx context.Context, task fetch.Task) (fetch.Response, error) {
	host := task.Host()
	if d.deps.Drivers == nil {
		return fetch.Response{}, fetch.NewError(fetch.KindInvalidRequest, host,
			errors.New("browser rendering is not configured"))
	}
	h, err := d.deps.Drivers.Acquire(ctx)
	if err != nil {
		return fetch.Response{}, err
	}
	started := time.Now()
	resp, err := h.Render(ctx, fetch.RenderRequest{
		URL:           task.URL,
		Header:        d.headers(task.Header),
		UserAgent:     d.userAgent(),
		WaitAfterLoad: task.WaitAfterLoad,
		Script:        task.Script,
	})
	// An instance aborted mid-render is not trusted again.
	d.deps.Drivers.Release(h, err == nil)
	d.record(host, time.Since(started), resp, err)
	return resp, err
}

// record feeds one completed I/O call into the registry and adaptive limiter.
// Cancellations say nothing about the host and are skipped.
func (d *Dispatcher) record(host string, latency time.Duration, resp fetch.Response, err error) {
	if fetch.KindOf(err) == fetch.KindCancelled {
		return
	}
	success := err == nil && resp.StatusCode < http.StatusBadRequest
	d.deps.Registry.Record(host, latency, success)
	if success {
		d.deps.Limiter.ReportSuccess(host)
		metrics.ObserveBytes(host, resp.Body.Len())
		return
	}
	d.deps.Limiter.ReportFailure(host, resp.StatusCode)
}

func (d *Dispatcher) headers(h http.Header) http.Header {
	if d.deps.Identity == nil {
		return fetch.CloneHeader(h)
	}
	return d.deps.Identity.Apply(h)
}

func (d *Dispatcher) userAgent() string {
	if d.deps.Identity == nil {
		return ""
	}
	return d.deps.Identity.Next()
}

func sleepCtx(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
