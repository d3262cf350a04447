// Package metrics keeps the engine's rolling statistics and exposes them as Prometheus collectors.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pool label values.
const (
	PoolConnections = "connections"
	PoolDrivers     = "drivers"
)

var (
	fetchAttemptsTotal     *prometheus.CounterVec
	fetchDurationSeconds   *prometheus.HistogramVec
	fetchRetriesTotal      *prometheus.CounterVec
	fetchBytesTotal        *prometheus.CounterVec
	poolWaitSeconds        *prometheus.HistogramVec
	poolExhaustedTotal     *prometheus.CounterVec
	poolActive             *prometheus.GaugeVec
	driverRespawnsTotal    prometheus.Counter
	rateLimitDelaysSeconds *prometheus.HistogramVec
	fetchInFlight          prometheus.Gauge
	dispatcherTasksTotal   *prometheus.CounterVec
	robotsFallbacksTotal   *prometheus.CounterVec
	browserPromotions      *prometheus.CounterVec
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec

	once sync.Once
)

// Init registers the Prometheus collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_attempts_total",
				Help: "Total number of fetch attempts, labeled by host and result.",
			},
			[]string{"host", "result"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_duration_seconds",
				Help:    "Histogram of fetch attempt latencies, labeled by host.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_retries_total",
				Help: "Total number of scheduled retries, labeled by host and error kind.",
			},
			[]string{"host", "kind"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_bytes_total",
				Help: "Total number of body bytes fetched, labeled by host.",
			},
			[]string{"host"},
		)

		poolWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_pool_wait_seconds",
				Help:    "Histogram of time spent waiting for a pooled resource.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"pool"},
		)

		poolExhaustedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_pool_exhausted_total",
				Help: "Total number of acquisitions that gave up waiting for a pooled resource.",
			},
			[]string{"pool"},
		)

		poolActive = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fetch_pool_active",
				Help: "Number of pooled resources currently checked out.",
			},
			[]string{"pool"},
		)

		driverRespawnsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fetch_driver_respawns_total",
				Help: "Total number of browser instances retired and respawned.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		fetchInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetch_in_flight_tasks",
				Help: "Number of tasks currently owned by a worker.",
			},
		)

		dispatcherTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_tasks_total",
				Help: "Total number of tasks completed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		robotsFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_robots_fallbacks_total",
				Help: "Total number of robots.txt probes that timed out and fell back to allow-all.",
			},
			[]string{"host"},
		)

		browserPromotions = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_browser_promotions_total",
				Help: "Total number of HTTP responses re-fetched through the browser, by render result.",
			},
			[]string{"host", "result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of ops API requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of ops API request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL or host to a lowercase hostname.
// It returns "unknown" if the input is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveAttempt records one fetch attempt.
func ObserveAttempt(host string, success bool, duration time.Duration) {
	Init()
	site := SanitizeSite(host)
	result := "success"
	if !success {
		result = "failure"
	}
	fetchAttemptsTotal.WithLabelValues(site, result).Inc()
	fetchDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveBytes adds fetched body bytes for host.
func ObserveBytes(host string, n int64) {
	if n <= 0 {
		return
	}
	Init()
	fetchBytesTotal.WithLabelValues(SanitizeSite(host)).Add(float64(n))
}

// ObserveRetry counts a scheduled retry.
func ObserveRetry(host, kind string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SanitizeSite(host), kind).Inc()
}

// ObservePoolWait records how long an acquisition waited on pool.
func ObservePoolWait(pool string, duration time.Duration) {
	Init()
	poolWaitSeconds.WithLabelValues(pool).Observe(duration.Seconds())
}

// ObservePoolExhausted counts an acquisition that timed out on pool.
func ObservePoolExhausted(pool string) {
	Init()
	poolExhaustedTotal.WithLabelValues(pool).Inc()
}

// SetPoolActive sets the checked-out gauge for pool.
func SetPoolActive(pool string, n int) {
	Init()
	poolActive.WithLabelValues(pool).Set(float64(n))
}

// ObserveDriverRespawn counts a retired browser instance.
func ObserveDriverRespawn() {
	Init()
	driverRespawnsTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(SanitizeSite(host)).Observe(duration.Seconds())
}

// ObserveTask counts a task reaching a terminal outcome.
func ObserveTask(outcome string) {
	Init()
	dispatcherTasksTotal.WithLabelValues(outcome).Inc()
}

// IncInFlight increments the in-flight gauge.
func IncInFlight() {
	Init()
	fetchInFlight.Inc()
}

// DecInFlight decrements the in-flight gauge.
func DecInFlight() {
	Init()
	fetchInFlight.Dec()
}

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback(host string) {
	Init()
	robotsFallbacksTotal.WithLabelValues(SanitizeSite(host)).Inc()
}

// ObservePromotion records a plain HTTP response promoted to a browser render.
func ObservePromotion(host string, rendered bool) {
	Init()
	result := "rendered"
	if !rendered {
		result = "kept_http"
	}
	browserPromotions.WithLabelValues(SanitizeSite(host), result).Inc()
}

// ObserveHTTPRequest records one ops API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
