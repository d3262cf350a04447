package fetch

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Outcome is the terminal state of a task.
type Outcome string

// Outcome values reported in Result.
const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Task captures everything needed to retrieve one URL.
type Task struct {
	ID         string
	URL        string
	Method     string
	Header     http.Header
	Body       []byte
	UseBrowser bool
	// Attempt counts executed attempts. It is owned by the worker running the task.
	Attempt  int
	Deadline time.Time

	// WaitAfterLoad lets a rendered page settle after the DOM is ready.
	WaitAfterLoad time.Duration
	// Script is evaluated in the page after load when non-empty.
	Script string
}

// Host returns the lowercased host of the task URL, or "" when it cannot be parsed.
func (t Task) Host() string {
	return HostOf(t.URL)
}

// Result is the immutable outcome of one task.
type Result struct {
	TaskID       string
	URL          string
	Outcome      Outcome
	StatusCode   int
	Header       http.Header
	Body         *Body
	Elapsed      time.Duration
	Attempts     int
	Rendered     bool
	ScriptResult string
	Err          error
}

// Kind returns the error kind of a failed result, or "" on success.
func (r Result) Kind() Kind {
	if r.Err == nil {
		return ""
	}
	return KindOf(r.Err)
}

// Options tune a single Submit call. Zero values fall back to the dispatcher defaults.
type Options struct {
	ConcurrentLimit int
	BatchSize       int
	Timeout         time.Duration
	UseBrowser      bool
}

// Validate rejects negative limits.
func (o Options) Validate() error {
	if o.ConcurrentLimit < 0 {
		return fmt.Errorf("concurrent limit must be >= 0")
	}
	if o.BatchSize < 0 {
		return fmt.Errorf("batch size must be >= 0")
	}
	if o.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0")
	}
	return nil
}

// Request is what a Transport sends for one attempt.
type Request struct {
	URL       string
	Method    string
	Header    http.Header
	Body      []byte
	UserAgent string
}

// RenderRequest is what a browser instance loads for one attempt.
type RenderRequest struct {
	URL           string
	Header        http.Header
	UserAgent     string
	WaitAfterLoad time.Duration
	Script        string
}

// Response is the raw result of one transport or render attempt.
type Response struct {
	URL          string
	StatusCode   int
	Header       http.Header
	Body         *Body
	ScriptResult string
}

// HostOf extracts the lowercased hostname of rawURL.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// ValidateURL checks that rawURL is an absolute http(s) URL with a host.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("url %q has no host", rawURL)
	}
	return nil
}

// CloneHeader deep-copies h. A nil header stays nil.
func CloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	return h.Clone()
}
