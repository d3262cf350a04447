// Package headless launches chromedp-driven browser instances for the driver pool.
package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/fetchkit/internal/driverpool"
	"github.com/JakeFAU/fetchkit/internal/fetch"
)

// Config controls how browsers are started and pages rendered.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
	// WaitSelector is awaited before the DOM is captured. Defaults to "body".
	WaitSelector string
}

// Launcher implements driverpool.Launcher with headless Chrome.
type Launcher struct {
	cfg Config
}

// NewLauncher creates a Launcher. No browser is started until Launch.
func NewLauncher(cfg Config) (*Launcher, error) {
	if cfg.NavigationTimeout < 0 {
		return nil, fmt.Errorf("navigation timeout must be >= 0")
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	return &Launcher{cfg: cfg}, nil
}

// Launch starts one Chrome process. ctx bounds startup only.
func (l *Launcher) Launch(ctx context.Context) (driverpool.Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		browserCancel()
		allocCancel()
	}

	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(browserCtx)
	}()
	select {
	case err := <-started:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("start chrome: %w", err)
		}
	case <-ctx.Done():
		cancel()
		return nil, fmt.Errorf("start chrome: %w", ctx.Err())
	}
	return &browser{cfg: l.cfg, ctx: browserCtx, cancel: cancel}, nil
}

// browser is one Chrome process; each render opens and closes its own tab.
type browser struct {
	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	crashed atomic.Bool
}

func (b *browser) Alive() bool {
	return b.ctx.Err() == nil && !b.crashed.Load()
}

func (b *browser) Close() error {
	b.cancel()
	return nil
}

// Render navigates a fresh tab and returns the rendered DOM.
func (b *browser) Render(ctx context.Context, req fetch.RenderRequest) (fetch.Response, error) {
	host := fetch.HostOf(req.URL)
	tabCtx, tabCancel := chromedp.NewContext(b.ctx)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, b.navTimeout())
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	html, finalURL, scriptResult, err := b.run(tabCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return fetch.Response{}, fetch.NewError(fetch.KindCancelled, host, fmt.Errorf("render: %w", ctx.Err()))
		}
		if b.ctx.Err() != nil {
			b.crashed.Store(true)
		}
		return fetch.Response{}, fetch.NewError(fetch.KindRender, host, err)
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(req.URL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	return fetch.Response{
		URL:          responseURL,
		StatusCode:   status,
		Header:       headers,
		Body:         fetch.NewBody([]byte(html)),
		ScriptResult: scriptResult,
	}, nil
}

func (b *browser) run(ctx context.Context, req fetch.RenderRequest) (string, string, string, error) {
	var (
		html     string
		finalURL string
		result   any
	)
	actions := []chromedp.Action{
		b.networkSetupAction(req),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady(b.cfg.WaitSelector, chromedp.ByQuery),
	}
	if req.WaitAfterLoad > 0 {
		actions = append(actions, chromedp.Sleep(req.WaitAfterLoad))
	}
	if req.Script != "" {
		actions = append(actions, chromedp.Evaluate(req.Script, &result))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", "", fmt.Errorf("chromedp run: %w", err)
	}
	scriptResult, err := encodeScriptResult(req.Script, result)
	if err != nil {
		return "", "", "", err
	}
	return html, finalURL, scriptResult, nil
}

func encodeScriptResult(script string, result any) (string, error) {
	if script == "" || result == nil {
		return "", nil
	}
	if s, ok := result.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode script result: %w", err)
	}
	return string(raw), nil
}

func (b *browser) networkSetupAction(req fetch.RenderRequest) chromedp.Action {
	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = b.cfg.UserAgent
	}
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(req.Header) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(req.Header)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (b *browser) navTimeout() time.Duration {
	if b.cfg.NavigationTimeout > 0 {
		return b.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

// capture keeps the first document response, which is the navigation target before any iframes.
func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, fetch.CloneHeader(m.headers), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case finalURL != "":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}

var _ driverpool.Launcher = (*Launcher)(nil)
