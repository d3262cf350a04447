package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultAlpha weights the newest sample in the moving averages (0.7*old + 0.3*new).
const DefaultAlpha = 0.3

// Host health thresholds.
const (
	unhealthyFailureRate = 0.5
	unhealthyConsecutive = 5
	unhealthyAvgLatency  = 30 * time.Second
)

// Registry holds rolling fetch statistics. Every method is safe for concurrent use and
// recording never takes a lock shared with readers.
type Registry struct {
	alpha float64

	total      atomic.Int64
	failures   atomic.Int64
	inFlight   atomic.Int64
	avgLatency ewma

	hosts sync.Map // host -> *hostStats
}

type hostStats struct {
	requests    atomic.Int64
	failures    atomic.Int64
	consecutive atomic.Int64
	lastFailure atomic.Int64 // unix nanos
	latency     ewma
	failureRate ewma
}

// Snapshot is a point-in-time copy of the registry.
type Snapshot struct {
	TotalRequests     int64                   `json:"total_requests"`
	TotalFailures     int64                   `json:"total_failures"`
	FailureRate       float64                 `json:"failure_rate"`
	AvgResponseTime   time.Duration           `json:"avg_response_time"`
	InFlight          int64                   `json:"in_flight"`
	ActiveConnections int                     `json:"active_connections"`
	IdleConnections   int                     `json:"idle_connections"`
	ActiveDrivers     int                     `json:"active_drivers"`
	IdleDrivers       int                     `json:"idle_drivers"`
	TotalDrivers      int                     `json:"total_drivers"`
	PerHost           map[string]HostSnapshot `json:"per_host"`
	UserAgents        map[string]int64        `json:"user_agents,omitempty"`
}

// HostSnapshot is the per-host part of a Snapshot.
type HostSnapshot struct {
	Requests            int64         `json:"requests"`
	Failures            int64         `json:"failures"`
	ConsecutiveFailures int64         `json:"consecutive_failures"`
	FailureRate         float64       `json:"failure_rate"`
	RecentFailureRate   float64       `json:"recent_failure_rate"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`
	LastFailure         time.Time     `json:"last_failure,omitempty"`
	Healthy             bool          `json:"healthy"`
}

// NewRegistry builds a Registry. alpha outside (0, 1] falls back to DefaultAlpha.
func NewRegistry(alpha float64) *Registry {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	r := &Registry{alpha: alpha}
	r.avgLatency.reset()
	return r
}

// Record adds one completed attempt against host.
func (r *Registry) Record(host string, latency time.Duration, success bool) {
	r.total.Add(1)
	r.avgLatency.observe(float64(latency), r.alpha)

	hs := r.host(host)
	hs.requests.Add(1)
	hs.latency.observe(float64(latency), r.alpha)
	if success {
		hs.consecutive.Store(0)
		hs.failureRate.observe(0, r.alpha)
	} else {
		r.failures.Add(1)
		hs.failures.Add(1)
		hs.consecutive.Add(1)
		hs.lastFailure.Store(time.Now().UnixNano())
		hs.failureRate.observe(1, r.alpha)
	}
	ObserveAttempt(host, success, latency)
}

// FailureRate returns the recent (exponentially weighted) failure rate of host in [0, 1].
// Unknown hosts report 0.
func (r *Registry) FailureRate(host string) float64 {
	v, ok := r.hosts.Load(host)
	if !ok {
		return 0
	}
	return v.(*hostStats).failureRate.value()
}

// TaskStarted marks a task as owned by a worker.
func (r *Registry) TaskStarted() {
	r.inFlight.Add(1)
	IncInFlight()
}

// TaskFinished reverses TaskStarted.
func (r *Registry) TaskFinished() {
	r.inFlight.Add(-1)
	DecInFlight()
}

// Snapshot copies the current statistics. Pool occupancy fields are left for the caller.
func (r *Registry) Snapshot() Snapshot {
	total := r.total.Load()
	failures := r.failures.Load()
	snap := Snapshot{
		TotalRequests:   total,
		TotalFailures:   failures,
		FailureRate:     ratio(failures, total),
		AvgResponseTime: time.Duration(r.avgLatency.value()),
		InFlight:        r.inFlight.Load(),
		PerHost:         make(map[string]HostSnapshot),
	}
	r.hosts.Range(func(key, value any) bool {
		hs := value.(*hostStats)
		snap.PerHost[key.(string)] = hs.snapshot()
		return true
	})
	return snap
}

// Hosts lists the hosts seen so far, sorted.
func (r *Registry) Hosts() []string {
	var hosts []string
	r.hosts.Range(func(key, _ any) bool {
		hosts = append(hosts, key.(string))
		return true
	})
	sort.Strings(hosts)
	return hosts
}

func (r *Registry) host(host string) *hostStats {
	if v, ok := r.hosts.Load(host); ok {
		return v.(*hostStats)
	}
	hs := &hostStats{}
	hs.latency.reset()
	hs.failureRate.reset()
	v, _ := r.hosts.LoadOrStore(host, hs)
	return v.(*hostStats)
}

func (hs *hostStats) snapshot() HostSnapshot {
	requests := hs.requests.Load()
	failures := hs.failures.Load()
	out := HostSnapshot{
		Requests:            requests,
		Failures:            failures,
		ConsecutiveFailures: hs.consecutive.Load(),
		FailureRate:         ratio(failures, requests),
		RecentFailureRate:   hs.failureRate.value(),
		AvgResponseTime:     time.Duration(hs.latency.value()),
	}
	if ns := hs.lastFailure.Load(); ns != 0 {
		out.LastFailure = time.Unix(0, ns)
	}
	out.Healthy = out.FailureRate < unhealthyFailureRate &&
		out.ConsecutiveFailures < unhealthyConsecutive &&
		out.AvgResponseTime < unhealthyAvgLatency
	return out
}

func ratio(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total)
}

// ewma is a lock-free exponentially weighted moving average. NaN marks "no samples yet".
type ewma struct {
	bits atomic.Uint64
}

func (e *ewma) reset() {
	e.bits.Store(math.Float64bits(math.NaN()))
}

func (e *ewma) observe(sample, alpha float64) {
	for {
		oldBits := e.bits.Load()
		old := math.Float64frombits(oldBits)
		next := sample
		if !math.IsNaN(old) {
			next = (1-alpha)*old + alpha*sample
		}
		if e.bits.CompareAndSwap(oldBits, math.Float64bits(next)) {
			return
		}
	}
}

func (e *ewma) value() float64 {
	v := math.Float64frombits(e.bits.Load())
	if math.IsNaN(v) {
		return 0
	}
	return v
}
