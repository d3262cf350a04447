package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
)

func TestNewLauncherValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewLauncher(Config{NavigationTimeout: -time.Second}); err == nil {
		t.Fatal("expected error for negative navigation timeout")
	}
	launcher, err := NewLauncher(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if launcher.cfg.WaitSelector != "body" {
		t.Fatalf("expected default wait selector, got %q", launcher.cfg.WaitSelector)
	}
}

func TestBrowserNavTimeoutDefault(t *testing.T) {
	t.Parallel()

	b := &browser{}
	if got := b.navTimeout(); got != 45*time.Second {
		t.Fatalf("expected default nav timeout, got %v", got)
	}
	b.cfg.NavigationTimeout = time.Second
	if got := b.navTimeout(); got != time.Second {
		t.Fatalf("expected override to be used, got %v", got)
	}
}

func TestBrowserAlive(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	b := &browser{ctx: ctx, cancel: cancel}
	if !b.Alive() {
		t.Fatal("expected fresh browser to be alive")
	}
	b.crashed.Store(true)
	if b.Alive() {
		t.Fatal("crashed browser reported alive")
	}
	b.crashed.Store(false)
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if b.Alive() {
		t.Fatal("closed browser reported alive")
	}
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}, "X-Single": {"one"}, "X-Empty": {}}
	netHeaders := toNetworkHeaders(src)
	switch v := netHeaders["X-Test"].(type) {
	case []string:
		if len(v) != 2 {
			t.Fatalf("expected two entries, got %v", v)
		}
	default:
		t.Fatalf("expected []string, got %T", v)
	}
	if netHeaders["X-Single"] != "one" {
		t.Fatalf("expected single value, got %v", netHeaders["X-Single"])
	}
	if _, ok := netHeaders["X-Empty"]; ok {
		t.Fatal("empty header should be skipped")
	}
}

func TestEncodeScriptResult(t *testing.T) {
	t.Parallel()

	got, err := encodeScriptResult("document.title", "Example")
	if err != nil || got != "Example" {
		t.Fatalf("string result: got %q err %v", got, err)
	}
	got, err = encodeScriptResult("[1,2]", []any{1.0, 2.0})
	if err != nil || got != "[1,2]" {
		t.Fatalf("array result: got %q err %v", got, err)
	}
	got, err = encodeScriptResult("", "ignored")
	if err != nil || got != "" {
		t.Fatalf("no script: got %q err %v", got, err)
	}
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  204,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status: 500,
			URL:    "https://example.com/iframe",
		},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	if status != 204 || headers.Get("X-Request-ID") != "abc" || url != "https://example.com/rendered" {
		t.Fatalf("unexpected snapshot values: status=%d headers=%v url=%s", status, headers, url)
	}

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	if status != http.StatusOK || url != "https://final" {
		t.Fatalf("expected fallback values, got status=%d url=%s", status, url)
	}
	_, _, url = meta.snapshotWithFallbacks("https://req", "")
	if url != "https://req" {
		t.Fatalf("expected request url fallback, got %s", url)
	}
}

func TestResponseMetaIgnoresSubresources(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 404},
	})
	meta.captureEvent("unrelated event")
	if status, _, _ := meta.snapshot(); status != 0 {
		t.Fatalf("expected no capture, got %d", status)
	}
}
