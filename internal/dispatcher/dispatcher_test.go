package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchkit/internal/connpool"
	"github.com/JakeFAU/fetchkit/internal/driverpool"
	"github.com/JakeFAU/fetchkit/internal/fetch"
	"github.com/JakeFAU/fetchkit/internal/identity"
	"github.com/JakeFAU/fetchkit/internal/metrics"
	"github.com/JakeFAU/fetchkit/internal/policy/ratelimit"
	"github.com/JakeFAU/fetchkit/internal/retry"
)

type fakeTransport struct {
	fn     func(ctx context.Context, req fetch.Request) (fetch.Response, error)
	calls  atomic.Int64
	active atomic.Int64
	peak   atomic.Int64
}

func (f *fakeTransport) Do(ctx context.Context, _ fetch.Session, req fetch.Request) (fetch.Response, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return f.fn(ctx, req)
}

func okResponse(req fetch.Request) fetch.Response {
	return fetch.Response{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       fetch.NewBody([]byte("ok")),
	}
}

func statusResponse(req fetch.Request, code int) fetch.Response {
	return fetch.Response{URL: req.URL, StatusCode: code, Header: http.Header{}, Body: fetch.NewBody(nil)}
}

type fakeBrowser struct {
	render func(ctx context.Context, req fetch.RenderRequest) (fetch.Response, error)
	closed atomic.Bool
}

func (b *fakeBrowser) Render(ctx context.Context, req fetch.RenderRequest) (fetch.Response, error) {
	return b.render(ctx, req)
}

func (b *fakeBrowser) Alive() bool { return !b.closed.Load() }

func (b *fakeBrowser) Close() error {
	b.closed.Store(true)
	return nil
}

type fakeLauncher struct {
	render   func(ctx context.Context, req fetch.RenderRequest) (fetch.Response, error)
	launched atomic.Int64
}

func (l *fakeLauncher) Launch(context.Context) (driverpool.Browser, error) {
	l.launched.Add(1)
	return &fakeBrowser{render: l.render}, nil
}

func fastRetry() *retry.Policy {
	return retry.New(retry.Config{
		MinAttempts: 3,
		MaxAttempts: 6,
		BackoffMin:  time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
		Jitter:      -1,
	})
}

type harness struct {
	d         *Dispatcher
	transport *fakeTransport
	conns     *connpool.Pool
}

func newHarness(t *testing.T, cfg Config, transport *fakeTransport, mutate func(*Deps)) harness {
	t.Helper()
	conns, err := connpool.New(connpool.Config{MaxConnections: 20}, zap.NewNop())
	require.NoError(t, err)
	deps := Deps{
		Connections: conns,
		Transport:   transport,
		Retry:       fastRetry(),
		Registry:    metrics.NewRegistry(metrics.DefaultAlpha),
	}
	if mutate != nil {
		mutate(&deps)
	}
	d, err := New(cfg, deps, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return harness{d: d, transport: transport, conns: conns}
}

func tasksFor(n int, host string) []fetch.Task {
	tasks := make([]fetch.Task, n)
	for i := range tasks {
		tasks[i] = fetch.Task{ID: fmt.Sprintf("task-%d", i), URL: fmt.Sprintf("http://%s/page/%d", host, i)}
	}
	return tasks
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{Transport: &fakeTransport{}}, nil)
	require.Error(t, err)

	conns, err := connpool.New(connpool.Config{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conns.Close() })
	_, err = New(Config{}, Deps{Connections: conns}, nil)
	require.Error(t, err)
}

func TestSubmitEmptyReturnsEmpty(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, &fakeTransport{}, nil)
	results := h.d.Submit(context.Background(), nil, fetch.Options{})
	require.NotNil(t, results)
	require.Empty(t, results)
	require.Equal(t, int64(0), h.transport.calls.Load())
	require.Equal(t, 0, h.conns.Stats().Open)
}

func TestSubmitRunsInParallel(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{fn: func(ctx context.Context, req fetch.Request) (fetch.Response, error) {
		time.Sleep(200 * time.Millisecond)
		return okResponse(req), nil
	}}
	h := newHarness(t, Config{}, transport, nil)

	tasks := tasksFor(5, "parallel.test")
	start := time.Now()
	results := h.d.Submit(context.Background(), tasks, fetch.Options{ConcurrentLimit: 5})
	elapsed := time.Since(start)

	require.Len(t, results, 5)
	require.Less(t, elapsed, 700*time.Millisecond)
	for i, res := range results {
		require.Equal(t, fetch.OutcomeSuccess, res.Outcome, res.Err)
		require.Equal(t, tasks[i].ID, res.TaskID)
		require.Equal(t, tasks[i].URL, res.URL)
		require.Equal(t, 1, res.Attempts)
	}
}

func TestSubmitNeverExceedsConcurrentLimit(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{fn: func(ctx context.Context, req fetch.Request) (fetch.Response, error) {
		time.Sleep(10 * time.Millisecond)
		return okResponse(req), nil
	}}
	h := newHarness(t, Config{}, transport, nil)

	results := h.d.Submit(context.Background(), tasksFor(30, "limit.test"), fetch.Options{ConcurrentLimit: 3, BatchSize: 7})
	require.Len(t, results, 30)
	for _, res := range results {
		require.Equal(t, fetch.OutcomeSuccess, res.Outcome)
	}
	require.LessOrEqual(t, transport.peak.Load(), int64(3))
	require.Equal(t, int64(30), transport.calls.Load())
	require.Equal(t, 0, h.conns.Stats().Borrowed)
}

type window struct {
	start, end time.Time
}

// spanTransport records when each page index started and finished.
func spanTransport(hold time.Duration) (*fakeTransport, func() map[int]window) {
	var mu sync.Mutex
	spans := map[int]window{}
	transport := &fakeTransport{fn: func(_ context.Context, req fetch.Request) (fetch.Response, error) {
		var idx int
		_, _ = fmt.Sscanf(req.URL[strings.LastIndex(req.URL, "/")+1:], "%d", &idx)
		started := time.Now()
		time.Sleep(hold)
		mu.Lock()
		spans[idx] = window{start: started, end: time.Now()}
		mu.Unlock()
		return okResponse(req), nil
	}}
	return transport, func() map[int]window {
		mu.Lock()
		defer mu.Unlock()
		return spans
	}
}

func TestBatchesDrainInOrder(t *testing.T) {
	t.Parallel()

	transport, spans := spanTransport(20 * time.Millisecond)
	h := newHarness(t, Config{}, transport, nil)

	const size = 3
	results := h.d.Submit(context.Background(), tasksFor(9, "batches.test"),
		fetch.Options{ConcurrentLimit: 9, BatchSize: size})
	for _, res := range results {
		require.Equal(t, fetch.OutcomeSuccess, res.Outcome, res.Err)
	}

	got := spans()
	require.Len(t, got, 9)
	for i := size; i < 9; i++ {
		prev := i/size*size - size
		for j := prev; j < prev+size; j++ {
			require.False(t, got[i].start.Before(got[j].end),
				"task %d started before task %d of the previous batch finished", i, j)
		}
	}
	// A batch never overlaps the next one.
	require.LessOrEqual(t, transport.peak.Load(), int64(size))
}

func TestBatchPauseSeparatesBatches(t *testing.T) {
	t.Parallel()

	const pause = 60 * time.Millisecond
	transport, spans := spanTransport(0)
	h := newHarness(t, Config{BatchPause: pause}, transport, nil)

	start := time.Now()
	results := h.d.Submit(context.Background(), tasksFor(6, "pause.test"),
		fetch.Options{ConcurrentLimit: 2, BatchSize: 2})
	elapsed := time.Since(start)

	require.Len(t, results, 6)
	require.GreaterOrEqual(t, elapsed, 2*pause)

	got := spans()
	for _, i := range []int{2, 4} {
		lastEnd := got[i-2].end
		if got[i-1].end.After(lastEnd) {
			lastEnd = got[i-1].end
		}
		require.GreaterOrEqual(t, got[i].start.Sub(lastEnd), pause)
	}
}

func TestBatchPauseSkippedForSingleBatch(t *testing.T) {
	t.Parallel()

	transport, _ := spanTransport(0)
	h := newHarness(t, Config{BatchPause: time.Second}, transport, nil)

	start := time.Now()
	results := h.d.Submit(context.Background(), tasksFor(3, "single.test"), fetch.Options{BatchSize: 5})
	require.Len(t, results, 3)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	transport.fn = func(ctx context.Context, req fetch.Request) (fetch.Response, error) {
		if transport.calls.Load() <= 5 {
			return statusResponse(req, http.StatusServiceUnavailable), nil
		}
		return okResponse(req), nil
	}
	h := newHarness(t, Config{}, transport, nil)

	res := h.d.FetchOne(context.Background(), fetch.Task{URL: "http://flaky.test/"})
	require.Equal(t, fetch.OutcomeSuccess, res.Outcome, res.Err)
	require.Equal(t, 6, res.Attempts)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NotEmpty(t, res.TaskID)

	snap := h.d.MetricsSnapshot()
	require.Equal(t, int64(6), snap.TotalRequests)
	require.Equal(t, int64(5), snap.TotalFailures)
	require.Equal(t, int64(5), snap.PerHost["flaky.test"].Failures)
}

func TestRetryStopsAtAdaptiveBudget(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{fn: func(ctx context.Context, req fetch.Request) (fetch.Response, error) {
		return statusResponse(req, http.StatusBadGateway), nil
	}}
	h := newHarness(t, Config{}, transport, nil)

	res := h.d.FetchOne(context.Background(), fetch.Task{URL: "http://down.test/"})
	require.Equal(t, fetch.OutcomeFailed, res.Outcome)
	require.Equal(t, fetch.KindHTTPStatus, res.Kind())
	require.Equal(t, http.StatusBadGateway, res.StatusCode)
	require.Equal(t, 6, res.Attempts)
}

func TestFatalErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{fn: func(ctx context.Context, req fetch.Request) (fetch.Response, error) {
		return statusResponse(req, http.StatusNotFound), nil
	}}
	h := newHarness(t, Config{}, transport, nil)

	res := h.d.FetchOne(context.Background(), fetch.Task{URL: "http://missing.test/"})
	require.Equal(t, fetch.OutcomeFailed, res.Outcome)
	require.Equal(t, fetch.KindHTTPStatus, res.Kind())
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, int64(1), transport.calls.Load())
}

func TestNetworkErrorIsRetried(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	transport.fn = func(ctx context.Context, req fetch.Request) (fetch.Response, error) {
		if transport.calls.Load() == 1 {
			return fetch.Response{}, fetch.NewError(fetch.KindNetwork, "net.test", errors.New("connection refused"))
		}
		return okResponse(req), nil
	}
	h := newHarness(t, Config{}, transport, nil)

	res := h.d.FetchOne(context.Background(), fetch.Task{URL: "http://net.test/"})
	require.Equal(t, fetch.OutcomeSuccess, res.Outcome)
	require.Equal(t, 2, res.Attempts)
}

func TestInvalidURLFailsWithoutIO(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	h := newHarness(t, Config{}, transport, nil)

	res := h.d.FetchOne(context.Background(), fetch.Task{URL: "ftp://nope"})
	require.Equal(t, fetch.OutcomeFailed, res.Outcome)
	require.Equal(t, fetch.KindInvalidRequest, res.Kind())
	require.Equal(t, 0, res.Attempts)
	require.Equal(t, int64(0), transport.calls.Load())
}

func TestNegativeOptionsRejected(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	h := newHarness(t, Config{}, transport, nil)

	results := h.d.Submit(context.Background(), tasksFor(3, "opts.test"), fetch.Options{ConcurrentLimit: -1})
	require.Len(t, results, 3)
	for _, res := range results {
		require.Equal(t, fetch.OutcomeFailed, res.Outcome)
		require.Equal(t, fetch.KindInvalidRequest, res.Kind())
	}
	require.Equal(t, int64(0), transport.calls.Load())
}

func TestDeadlineShorterThanRateWait(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{fn: func(ctx context.Context, req fetch.Request) (fetch.Response, error) {
		return okResponse(req), nil
	}}
	h := newHarness(t, Config{}, transport, func(deps *Deps) {
		deps.Limiter = ratelimit.New(ratelimit.Config{RequestsPerSecond: 1, Burst: 1}, zap.NewNop())
	})

	first := h.d.FetchOne(context.Background(), fetch.Task{URL: "http://slow.test/a"})
	require.Equal(t, fetch.OutcomeSuccess, first.Outcome)
	openBefore := h.conns.Stats().Open

	start := time.Now()
	res := h.d.Submit(context.Background(), []fetch.Task{{URL: "http://slow.test/b"}}, fetch.Options{Timeout: 100 * time.Millisecond})[0]
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, fetch.OutcomeCancelled, res.Outcome)
	require.Equal(t, fetch.KindRateLimitWait, res.Kind())
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, int64(1), transport.calls.Load())
	require.Equal(t, openBefore, h.conns.Stats().Open)
	require.Equal(t, 0, h.conns.Stats().Borrowed)
}

func TestDriverPoolSerializesRenders(t *testing.T) {
	t.Parallel()

	type span struct{ start, end time.Time }
	var (
		mu    sync.Mutex
		spans []span
	)
	launcher := &fakeLauncher{render: func(ctx context.Context, req fetch.RenderRequest) (fetch.Response, error) {
		s := span{start: time.Now()}
		time.Sleep(100 * time.Millisecond)
		s.end = time.Now()
		mu.Lock()
		spans = append(spans, s)
		mu.Unlock()
		return fetch.Response{URL: req.URL, StatusCode: http.StatusOK, Body: fetch.NewBody([]byte("<html></html>"))}, nil
	}}
	drivers, err := driverpool.New(driverpool.Config{MaxDrivers: 1, WaitTimeout: 5 * time.Second}, launcher, zap.NewNop())
	require.NoError(t, err)
	h := newHarness(t, Config{}, &fakeTransport{}, func(deps *Deps) { deps.Drivers = drivers })

	tasks := tasksFor(2, "render.test")
	results := h.d.Submit(context.Background(), tasks, fetch.Options{ConcurrentLimit: 2, UseBrowser: true})
	for _, res := range results {
		require.Equal(t, fetch.OutcomeSuccess, res.Outcome, res.Err)
		require.True(t, res.Rendered)
	}

	require.Len(t, spans, 2)
	sort.Slice(spans, func(i, j int) bool { return spans[i].start.Before(spans[j].start) })
	require.False(t, spans[1].start.Before(spans[0].end))
	require.Equal(t, int64(1), launcher.launched.Load())
	require.Equal(t, 0, drivers.Stats().InUse)
}

func TestRenderErrorRetriedOnce(t *testing.T) {
	t.Parallel()

	var renders atomic.Int64
	launcher := &fakeLauncher{render: func(ctx context.Context, req fetch.RenderRequest) (fetch.Response, error) {
		renders.Add(1)
		return fetch.Response{}, fetch.NewError(fetch.KindRender, "crash.test", errors.New("target crashed"))
	}}
	drivers, err := driverpool.New(driverpool.Config{MaxDrivers: 1, WaitTimeout: 5 * time.Second}, launcher, zap.NewNop())
	require.NoError(t, err)
	h := newHarness(t, Config{}, &fakeTransport{}, func(deps *Deps) { deps.Drivers = drivers })

	res := h.d.FetchOne(context.Background(), fetch.Task{URL: "http://crash.test/", UseBrowser: true})
	require.Equal(t, fetch.OutcomeFailed, res.Outcome)
	require.Equal(t, fetch.KindRender, res.Kind())
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, int64(2), renders.Load())
	require.Eventually(t, func() bool { return launcher.launched.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestBrowserTaskWithoutDriverPool(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, &fakeTransport{}, nil)
	res := h.d.FetchOne(context.Background(), fetch.Task{URL: "http://nobrowser.test/", UseBrowser: true})
	require.Equal(t, fetch.OutcomeFailed, res.Outcome)
	require.Equal(t, fetch.KindInvalidRequest, res.Kind())
	require.Equal(t, 1, res.Attempts)
}

type detectorFunc func(int, *fetch.Body) bool

func (f detectorFunc) ShouldPromote(code int, body *fetch.Body) bool { return f(code, body) }

func promotionHarness(t *testing.T, render func(context.Context, fetch.RenderRequest) (fetch.Response, error)) harness {
	t.Helper()
	drivers, err := driverpool.New(driverpool.Config{MaxDrivers: 1, WaitTimeout: 5 * time.Second},
		&fakeLauncher{render: render}, zap.NewNop())
	require.NoError(t, err)
	transport := &fakeTransport{fn: func(_ context.Context, req fetch.Request) (fetch.Response, error) {
		return okResponse(req), nil
	}}
	return newHarness(t, Config{}, transport, func(deps *Deps) {
		deps.Drivers = drivers
		deps.Detector = detectorFunc(func(code int, body *fetch.Body) bool {
			data, err := body.Bytes()
			return err == nil && code == http.StatusOK && string(data) == "ok"
		})
	})
}

func TestShellResponsePromotedToBrowser(t *testing.T) {
	t.Parallel()

	h := promotionHarness(t, func(_ context.Context, req fetch.RenderRequest) (fetch.Response, error) {
		return fetch.Response{URL: req.URL, StatusCode: http.StatusOK, Body: fetch.NewBody([]byte("rendered"))}, nil
	})

	res := h.d.FetchOne(context.Background(), fetch.Task{URL: "http://spa.test/"})
	require.Equal(t, fetch.OutcomeSuccess, res.Outcome, res.Err)
	require.True(t, res.Rendered)
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, int64(1), h.transport.calls.Load())
	data, err := res.Body.Bytes()
	require.NoError(t, err)
	require.Equal(t, "rendered", string(data))
}

func TestPromotionRespectsAttemptBudget(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{render: func(_ context.Context, req fetch.RenderRequest) (fetch.Response, error) {
		return fetch.Response{URL: req.URL, StatusCode: http.StatusOK, Body: fetch.NewBody([]byte("rendered"))}, nil
	}}
	drivers, err := driverpool.New(driverpool.Config{MaxDrivers: 1, WaitTimeout: 5 * time.Second}, launcher, zap.NewNop())
	require.NoError(t, err)
	transport := &fakeTransport{fn: func(_ context.Context, req fetch.Request) (fetch.Response, error) {
		return okResponse(req), nil
	}}
	h := newHarness(t, Config{}, transport, func(deps *Deps) {
		deps.Drivers = drivers
		deps.Retry = retry.New(retry.Config{MinAttempts: 1, MaxAttempts: 1})
		deps.Detector = detectorFunc(func(int, *fetch.Body) bool { return true })
	})

	res := h.d.FetchOne(context.Background(), fetch.Task{URL: "http://spa.test/"})
	require.Equal(t, fetch.OutcomeSuccess, res.Outcome, res.Err)
	require.Equal(t, 1, res.Attempts)
	require.False(t, res.Rendered)
	require.Equal(t, int64(0), launcher.launched.Load())
	data, err := res.Body.Bytes()
	require.NoError(t, err)
	require.Equal(t, "ok", string(data))
}

func TestFailedPromotionKeepsHTTPResponse(t *testing.T) {
	t.Parallel()

	h := promotionHarness(t, func(context.Context, fetch.RenderRequest) (fetch.Response, error) {
		return fetch.Response{}, fetch.NewError(fetch.KindRender, "spa.test", errors.New("target crashed"))
	})

	res := h.d.FetchOne(context.Background(), fetch.Task{URL: "http://spa.test/"})
	require.Equal(t, fetch.OutcomeSuccess, res.Outcome, res.Err)
	require.False(t, res.Rendered)
	require.Equal(t, 2, res.Attempts)
	data, err := res.Body.Bytes()
	require.NoError(t, err)
	require.Equal(t, "ok", string(data))
}

func TestDetectorIgnoredWithoutDriverPool(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{fn: func(_ context.Context, req fetch.Request) (fetch.Response, error) {
		return okResponse(req), nil
	}}
	h := newHarness(t, Config{}, transport, func(deps *Deps) {
		deps.Detector = detectorFunc(func(int, *fetch.Body) bool { return true })
	})

	res := h.d.FetchOne(context.Background(), fetch.Task{URL: "http://spa.test/"})
	require.Equal(t, fetch.OutcomeSuccess, res.Outcome, res.Err)
	require.False(t, res.Rendered)
	require.Equal(t, 1, res.Attempts)
}

func TestIdentityApplied(t *testing.T) {
	t.Parallel()

	var seen fetch.Request
	transport := &fakeTransport{fn: func(ctx context.Context, req fetch.Request) (fetch.Response, error) {
		seen = req
		return okResponse(req), nil
	}}
	rotator, err := identity.New(identity.Config{
		Mode:            identity.ModeFixed,
		Agents:          []string{"fixed-agent"},
		ReplaceDefaults: true,
		Headers:         map[string]string{"Accept-Language": "en-US"},
	})
	require.NoError(t, err)
	h := newHarness(t, Config{}, transport, func(deps *Deps) { deps.Identity = rotator })

	res := h.d.FetchOne(context.Background(), fetch.Task{
		URL:    "http://ident.test/",
		Header: http.Header{"X-Trace": {"1"}},
	})
	require.Equal(t, fetch.OutcomeSuccess, res.Outcome)
	require.Equal(t, "fixed-agent", seen.UserAgent)
	require.Equal(t, "en-US", seen.Header.Get("Accept-Language"))
	require.Equal(t, "1", seen.Header.Get("X-Trace"))
	require.Equal(t, http.MethodGet, seen.Method)
	require.Equal(t, map[string]int64{"fixed-agent": 1}, h.d.MetricsSnapshot().UserAgents)
}

func TestShutdownWithTasksInFlight(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 10)
	transport := &fakeTransport{fn: func(ctx context.Context, req fetch.Request) (fetch.Response, error) {
		started <- struct{}{}
		<-ctx.Done()
		return fetch.Response{}, fetch.NewError(fetch.KindCancelled, "hang.test", ctx.Err())
	}}
	h := newHarness(t, Config{}, transport, nil)

	done := make(chan []fetch.Result, 1)
	go func() {
		done <- h.d.Submit(context.Background(), tasksFor(10, "hang.test"), fetch.Options{ConcurrentLimit: 10, Timeout: time.Minute})
	}()
	for range 10 {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("tasks did not start")
		}
	}
	require.Equal(t, 10, h.conns.Stats().Borrowed)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, h.d.Shutdown(ctx))

	results := <-done
	require.Len(t, results, 10)
	for _, res := range results {
		require.Equal(t, fetch.OutcomeCancelled, res.Outcome)
	}
	require.Equal(t, 0, h.conns.Stats().Borrowed)
	require.Equal(t, 0, h.conns.Stats().Open)

	after := h.d.FetchOne(context.Background(), fetch.Task{URL: "http://hang.test/late"})
	require.Equal(t, fetch.OutcomeCancelled, after.Outcome)
	require.ErrorIs(t, after.Err, fetch.ErrShutdown)
	require.NoError(t, h.d.Shutdown(context.Background()))
}

func TestShutdownDrainsWithinGrace(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{fn: func(ctx context.Context, req fetch.Request) (fetch.Response, error) {
		time.Sleep(50 * time.Millisecond)
		return okResponse(req), nil
	}}
	h := newHarness(t, Config{}, transport, nil)

	done := make(chan []fetch.Result, 1)
	go func() {
		done <- h.d.Submit(context.Background(), tasksFor(4, "drain.test"), fetch.Options{ConcurrentLimit: 4})
	}()
	require.Eventually(t, func() bool { return transport.calls.Load() == 4 }, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.d.Shutdown(ctx))
	for _, res := range <-done {
		require.Equal(t, fetch.OutcomeSuccess, res.Outcome)
	}
}

func TestMetricsSnapshotIncludesPools(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{fn: func(ctx context.Context, req fetch.Request) (fetch.Response, error) {
		return okResponse(req), nil
	}}
	h := newHarness(t, Config{}, transport, nil)

	h.d.Submit(context.Background(), tasksFor(3, "snap.test"), fetch.Options{})
	snap := h.d.MetricsSnapshot()
	require.Equal(t, int64(3), snap.TotalRequests)
	require.Equal(t, int64(0), snap.TotalFailures)
	require.Equal(t, int64(0), snap.InFlight)
	require.Equal(t, 0, snap.ActiveConnections)
	require.GreaterOrEqual(t, snap.IdleConnections, 1)
	require.True(t, snap.PerHost["snap.test"].Healthy)
}
