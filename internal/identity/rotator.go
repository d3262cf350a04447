// Package identity picks the client identity (user agent and static headers) sent with each request.
package identity

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"slices"
	"sync/atomic"
)

// Rotation modes.
const (
	ModeRandom     = "random"
	ModeRoundRobin = "round_robin"
	ModeFixed      = "fixed"
)

// DefaultAgents is a spread of current desktop and mobile browsers.
var DefaultAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Linux; Android 10; SM-G973F) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
}

// Config selects the agent pool and rotation mode.
type Config struct {
	Mode string
	// Agents are appended to the defaults unless ReplaceDefaults is set.
	Agents          []string
	ReplaceDefaults bool
	// Headers are added to every request that does not already set them.
	Headers map[string]string
}

// Rotator is safe for concurrent use.
type Rotator struct {
	mode    string
	agents  []string
	uses    []atomic.Int64
	next    atomic.Uint64
	headers http.Header
}

// New builds a Rotator. An empty mode means random.
func New(cfg Config) (*Rotator, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeRandom
	}
	switch mode {
	case ModeRandom, ModeRoundRobin, ModeFixed:
	default:
		return nil, fmt.Errorf("unknown user agent rotation mode %q", cfg.Mode)
	}

	var agents []string
	if !cfg.ReplaceDefaults {
		agents = append(agents, DefaultAgents...)
	}
	for _, a := range cfg.Agents {
		if a != "" && !slices.Contains(agents, a) {
			agents = append(agents, a)
		}
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("user agent list is empty")
	}

	headers := http.Header{}
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}
	return &Rotator{
		mode:    mode,
		agents:  agents,
		uses:    make([]atomic.Int64, len(agents)),
		headers: headers,
	}, nil
}

// Next returns the user agent for the next request.
func (r *Rotator) Next() string {
	var idx int
	switch r.mode {
	case ModeFixed:
		idx = 0
	case ModeRoundRobin:
		idx = int((r.next.Add(1) - 1) % uint64(len(r.agents)))
	default:
		idx = rand.IntN(len(r.agents))
	}
	r.uses[idx].Add(1)
	return r.agents[idx]
}

// Apply returns a copy of h with the static headers filled in where h leaves them unset.
func (r *Rotator) Apply(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	for k, v := range r.headers {
		if _, ok := out[k]; !ok {
			out[k] = slices.Clone(v)
		}
	}
	return out
}

// Agents returns the rotation pool.
func (r *Rotator) Agents() []string {
	return slices.Clone(r.agents)
}

// Usage reports how many times each agent has been handed out.
func (r *Rotator) Usage() map[string]int64 {
	out := make(map[string]int64, len(r.agents))
	for i, a := range r.agents {
		out[a] = r.uses[i].Load()
	}
	return out
}
