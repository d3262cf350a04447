// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/fetchkit/internal/connpool"
	"github.com/JakeFAU/fetchkit/internal/dispatcher"
	"github.com/JakeFAU/fetchkit/internal/driverpool"
	"github.com/JakeFAU/fetchkit/internal/fetch"
	"github.com/JakeFAU/fetchkit/internal/fetcher/headless"
	"github.com/JakeFAU/fetchkit/internal/identity"
	"github.com/JakeFAU/fetchkit/internal/policy/ratelimit"
	"github.com/JakeFAU/fetchkit/internal/retry"
)

// Transport names accepted by transport.kind.
const (
	TransportColly  = "colly"
	TransportDirect = "direct"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Dispatcher  DispatcherConfig  `mapstructure:"dispatcher"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Connections ConnectionsConfig `mapstructure:"connections"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Identity    IdentityConfig    `mapstructure:"identity"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DispatcherConfig holds the defaults for Submit options.
type DispatcherConfig struct {
	ConcurrentLimit int           `mapstructure:"concurrent_limit"`
	BatchSize       int           `mapstructure:"batch_size"`
	Timeout         time.Duration `mapstructure:"timeout"`
	BatchPause      time.Duration `mapstructure:"batch_pause"`
	UseBrowser      bool          `mapstructure:"use_browser"`
}

// RateLimitConfig configures per-host admission.
type RateLimitConfig struct {
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	Period            time.Duration `mapstructure:"period"`
	Adaptive          bool          `mapstructure:"adaptive"`
	AdaptiveBaseDelay time.Duration `mapstructure:"adaptive_base_delay"`
	MaxAdaptiveDelay  time.Duration `mapstructure:"max_adaptive_delay"`
	IdleTTL           time.Duration `mapstructure:"idle_ttl"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

// ConnectionsConfig bounds the HTTP session pool.
type ConnectionsConfig struct {
	MaxConnections        int           `mapstructure:"max_connections"`
	MaxPerHost            int           `mapstructure:"max_per_host"`
	WaitTimeout           time.Duration `mapstructure:"wait_timeout"`
	IdleTTL               time.Duration `mapstructure:"idle_ttl"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
	KeepAlive             time.Duration `mapstructure:"keep_alive"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `mapstructure:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
}

// BrowserConfig configures the headless driver pool.
type BrowserConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxDrivers        int           `mapstructure:"max_drivers"`
	WaitTimeout       time.Duration `mapstructure:"wait_timeout"`
	SpawnTimeout      time.Duration `mapstructure:"spawn_timeout"`
	MaxUses           int           `mapstructure:"max_uses"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ExecPath          string        `mapstructure:"exec_path"`
	WaitSelector      string        `mapstructure:"wait_selector"`
	// AutoPromote re-renders HTTP responses that look like client-rendered shells.
	AutoPromote        bool `mapstructure:"auto_promote"`
	PromotionThreshold int  `mapstructure:"promotion_threshold"`
}

// RetryConfig bounds the adaptive retry policy.
type RetryConfig struct {
	MinAttempts      int           `mapstructure:"min_attempts"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BackoffMin       time.Duration `mapstructure:"backoff_min"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	Jitter           float64       `mapstructure:"jitter"`
	IgnoreRetryAfter bool          `mapstructure:"ignore_retry_after"`
}

// IdentityConfig selects user agents and static request headers.
type IdentityConfig struct {
	Mode            string            `mapstructure:"mode"`
	UserAgents      []string          `mapstructure:"user_agents"`
	ReplaceDefaults bool              `mapstructure:"replace_defaults"`
	Headers         map[string]string `mapstructure:"headers"`
}

// TransportConfig picks the HTTP transport and body limits.
type TransportConfig struct {
	Kind           string `mapstructure:"kind"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	MaxBodyBytes   int64  `mapstructure:"max_body_bytes"`
	SpoolThreshold int64  `mapstructure:"spool_threshold"`
	SpoolDir       string `mapstructure:"spool_dir"`
}

// MetricsConfig tunes rolling statistics.
type MetricsConfig struct {
	EWMAAlpha float64 `mapstructure:"ewma_alpha"`
}

// TracingConfig controls OpenTelemetry setup.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	// Endpoint is the OTLP/HTTP collector host:port. Spans are dropped when empty.
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment. Unknown keys in the file are an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FETCHKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")

	v.SetDefault("dispatcher.concurrent_limit", 10)
	v.SetDefault("dispatcher.batch_size", 100)
	v.SetDefault("dispatcher.timeout", 30*time.Second)
	v.SetDefault("dispatcher.batch_pause", 500*time.Millisecond)
	v.SetDefault("dispatcher.use_browser", false)

	v.SetDefault("rate_limit.requests_per_second", 2.0)
	v.SetDefault("rate_limit.burst", 2)
	v.SetDefault("rate_limit.period", time.Second)
	v.SetDefault("rate_limit.adaptive", true)
	v.SetDefault("rate_limit.adaptive_base_delay", time.Duration(0))
	v.SetDefault("rate_limit.max_adaptive_delay", 30*time.Second)
	v.SetDefault("rate_limit.idle_ttl", 15*time.Minute)
	v.SetDefault("rate_limit.cleanup_interval", 2*time.Minute)

	v.SetDefault("connections.max_connections", 100)
	v.SetDefault("connections.max_per_host", 30)
	v.SetDefault("connections.wait_timeout", 30*time.Second)
	v.SetDefault("connections.idle_ttl", 90*time.Second)
	v.SetDefault("connections.sweep_interval", 30*time.Second)
	v.SetDefault("connections.keep_alive", 60*time.Second)
	v.SetDefault("connections.dial_timeout", 10*time.Second)
	v.SetDefault("connections.tls_handshake_timeout", 15*time.Second)
	v.SetDefault("connections.response_header_timeout", time.Duration(0))

	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.max_drivers", 5)
	v.SetDefault("browser.wait_timeout", 60*time.Second)
	v.SetDefault("browser.spawn_timeout", 30*time.Second)
	v.SetDefault("browser.max_uses", 0)
	v.SetDefault("browser.navigation_timeout", 45*time.Second)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.wait_selector", "body")
	v.SetDefault("browser.auto_promote", false)
	v.SetDefault("browser.promotion_threshold", 2048)

	v.SetDefault("retry.min_attempts", 3)
	v.SetDefault("retry.max_attempts", 6)
	v.SetDefault("retry.backoff_min", 500*time.Millisecond)
	v.SetDefault("retry.backoff_max", 2*time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("retry.ignore_retry_after", false)

	v.SetDefault("identity.mode", identity.ModeRandom)
	v.SetDefault("identity.user_agents", []string{})
	v.SetDefault("identity.replace_defaults", false)
	v.SetDefault("identity.headers", map[string]string{})

	v.SetDefault("transport.kind", TransportColly)
	v.SetDefault("transport.respect_robots", false)
	v.SetDefault("transport.max_body_bytes", int64(50<<20))
	v.SetDefault("transport.spool_threshold", int64(1<<20))
	v.SetDefault("transport.spool_dir", "")

	v.SetDefault("metrics.ewma_alpha", 0.3)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "fetchkit")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Dispatcher.ConcurrentLimit <= 0 {
		return fmt.Errorf("dispatcher.concurrent_limit must be > 0")
	}
	if c.Dispatcher.BatchSize <= 0 {
		return fmt.Errorf("dispatcher.batch_size must be > 0")
	}
	if c.Dispatcher.Timeout <= 0 {
		return fmt.Errorf("dispatcher.timeout must be > 0")
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be >= 0")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit.burst must be > 0 when limiting is enabled")
	}
	if c.Connections.MaxConnections <= 0 {
		return fmt.Errorf("connections.max_connections must be > 0")
	}
	if c.Connections.MaxPerHost < 0 {
		return fmt.Errorf("connections.max_per_host must be >= 0")
	}
	if c.Browser.Enabled && c.Browser.MaxDrivers <= 0 {
		return fmt.Errorf("browser.max_drivers must be > 0 when the browser is enabled")
	}
	if c.Dispatcher.UseBrowser && !c.Browser.Enabled {
		return fmt.Errorf("dispatcher.use_browser requires browser.enabled")
	}
	if c.Browser.PromotionThreshold < 0 {
		return fmt.Errorf("browser.promotion_threshold must be >= 0")
	}
	if c.Retry.MinAttempts < 1 || c.Retry.MinAttempts > 10 {
		return fmt.Errorf("retry.min_attempts must be between 1 and 10")
	}
	if c.Retry.MaxAttempts < c.Retry.MinAttempts || c.Retry.MaxAttempts > 10 {
		return fmt.Errorf("retry.max_attempts must be between retry.min_attempts and 10")
	}
	if c.Retry.BackoffMax < c.Retry.BackoffMin {
		return fmt.Errorf("retry.backoff_max must be >= retry.backoff_min")
	}
	switch c.Identity.Mode {
	case identity.ModeRandom, identity.ModeRoundRobin, identity.ModeFixed:
	default:
		return fmt.Errorf("identity.mode must be one of random, round_robin, fixed")
	}
	switch c.Transport.Kind {
	case TransportColly, TransportDirect:
	default:
		return fmt.Errorf("transport.kind must be colly or direct")
	}
	if c.Metrics.EWMAAlpha <= 0 || c.Metrics.EWMAAlpha > 1 {
		return fmt.Errorf("metrics.ewma_alpha must be in (0, 1]")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be in [0, 1]")
	}
	return nil
}

// Dispatch converts the dispatcher section.
func (c Config) Dispatch() dispatcher.Config {
	return dispatcher.Config{
		ConcurrentLimit: c.Dispatcher.ConcurrentLimit,
		BatchSize:       c.Dispatcher.BatchSize,
		Timeout:         c.Dispatcher.Timeout,
		UseBrowser:      c.Dispatcher.UseBrowser,
		BatchPause:      c.Dispatcher.BatchPause,
	}
}

// Limiter converts the rate_limit section.
func (c Config) Limiter() ratelimit.Config {
	r := c.RateLimit
	return ratelimit.Config{
		RequestsPerSecond: r.RequestsPerSecond,
		Burst:             r.Burst,
		Period:            r.Period,
		Adaptive:          r.Adaptive,
		AdaptiveBaseDelay: r.AdaptiveBaseDelay,
		MaxAdaptiveDelay:  r.MaxAdaptiveDelay,
		IdleTTL:           r.IdleTTL,
		CleanupInterval:   r.CleanupInterval,
	}
}

// ConnPool converts the connections section.
func (c Config) ConnPool() connpool.Config {
	p := c.Connections
	return connpool.Config{
		MaxConnections:        p.MaxConnections,
		MaxPerHost:            p.MaxPerHost,
		WaitTimeout:           p.WaitTimeout,
		IdleTTL:               p.IdleTTL,
		SweepInterval:         p.SweepInterval,
		KeepAlive:             p.KeepAlive,
		DialTimeout:           p.DialTimeout,
		TLSHandshakeTimeout:   p.TLSHandshakeTimeout,
		ResponseHeaderTimeout: p.ResponseHeaderTimeout,
	}
}

// DriverPool converts the pool part of the browser section.
func (c Config) DriverPool() driverpool.Config {
	return driverpool.Config{
		MaxDrivers:   c.Browser.MaxDrivers,
		WaitTimeout:  c.Browser.WaitTimeout,
		SpawnTimeout: c.Browser.SpawnTimeout,
		MaxUses:      c.Browser.MaxUses,
	}
}

// Headless converts the launcher part of the browser section.
func (c Config) Headless() headless.Config {
	return headless.Config{
		NavigationTimeout: c.Browser.NavigationTimeout,
		ExecPath:          c.Browser.ExecPath,
		WaitSelector:      c.Browser.WaitSelector,
	}
}

// RetryPolicy converts the retry section.
func (c Config) RetryPolicy() retry.Config {
	r := c.Retry
	return retry.Config{
		MinAttempts:      r.MinAttempts,
		MaxAttempts:      r.MaxAttempts,
		BackoffMin:       r.BackoffMin,
		BackoffMax:       r.BackoffMax,
		MaxDelay:         r.MaxDelay,
		Jitter:           r.Jitter,
		IgnoreRetryAfter: r.IgnoreRetryAfter,
	}
}

// Rotator converts the identity section.
func (c Config) Rotator() identity.Config {
	return identity.Config{
		Mode:            c.Identity.Mode,
		Agents:          c.Identity.UserAgents,
		ReplaceDefaults: c.Identity.ReplaceDefaults,
		Headers:         c.Identity.Headers,
	}
}

// BodyLimits converts the body part of the transport section.
func (c Config) BodyLimits() fetch.BodyLimits {
	return fetch.BodyLimits{
		MaxBytes:       c.Transport.MaxBodyBytes,
		SpoolThreshold: c.Transport.SpoolThreshold,
		SpoolDir:       c.Transport.SpoolDir,
	}
}
