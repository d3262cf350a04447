// Package app builds the long-lived engine services from configuration and tears them down.
package app

import (
	"context"
	"errors"
	"fmt"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchkit/internal/config"
	"github.com/JakeFAU/fetchkit/internal/connpool"
	"github.com/JakeFAU/fetchkit/internal/dispatcher"
	"github.com/JakeFAU/fetchkit/internal/driverpool"
	"github.com/JakeFAU/fetchkit/internal/fetch"
	collyfetcher "github.com/JakeFAU/fetchkit/internal/fetcher/colly"
	"github.com/JakeFAU/fetchkit/internal/fetcher/direct"
	"github.com/JakeFAU/fetchkit/internal/fetcher/headless"
	"github.com/JakeFAU/fetchkit/internal/headless/detector"
	"github.com/JakeFAU/fetchkit/internal/id/uuid"
	"github.com/JakeFAU/fetchkit/internal/identity"
	"github.com/JakeFAU/fetchkit/internal/metrics"
	"github.com/JakeFAU/fetchkit/internal/policy/ratelimit"
	"github.com/JakeFAU/fetchkit/internal/retry"
	"github.com/JakeFAU/fetchkit/internal/telemetry"
)

// Version is reported on spans.
var Version = "dev"

// App holds the engine and the services it owns.
type App struct {
	logger     *zap.Logger
	dispatcher *dispatcher.Dispatcher
	tracer     *sdktrace.TracerProvider
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Dispatcher returns the fetch engine.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatcher
}

// New builds every service the configuration asks for. It fails fast and releases
// whatever it already built when a later step fails.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("initializing engine services")
	a := &App{logger: logger}

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName, Version, cfg.Tracing.SampleRatio)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.tracer = tp
		if cfg.Tracing.Endpoint != "" {
			exp, err := telemetry.NewOTLPExporter(ctx, cfg.Tracing.Endpoint, cfg.Tracing.Insecure)
			if err != nil {
				return nil, a.abort(ctx, err)
			}
			tp.RegisterSpanProcessor(sdktrace.NewBatchSpanProcessor(exp))
		}
	}

	rotator, err := identity.New(cfg.Rotator())
	if err != nil {
		return nil, a.abort(ctx, fmt.Errorf("init identity: %w", err))
	}

	conns, err := connpool.New(cfg.ConnPool(), logger.Named("connpool"))
	if err != nil {
		return nil, a.abort(ctx, fmt.Errorf("init connection pool: %w", err))
	}

	var drivers *driverpool.Pool
	if cfg.Browser.Enabled {
		launcherCfg := cfg.Headless()
		launcherCfg.UserAgent = rotator.Next()
		launcher, err := headless.NewLauncher(launcherCfg)
		if err != nil {
			_ = conns.Close()
			return nil, a.abort(ctx, fmt.Errorf("init browser launcher: %w", err))
		}
		drivers, err = driverpool.New(cfg.DriverPool(), launcher, logger.Named("driverpool"))
		if err != nil {
			_ = conns.Close()
			return nil, a.abort(ctx, fmt.Errorf("init driver pool: %w", err))
		}
	}

	deps := dispatcher.Deps{
		Limiter:     ratelimit.New(cfg.Limiter(), logger.Named("ratelimit")),
		Connections: conns,
		Drivers:     drivers,
		Transport:   newTransport(cfg, logger),
		Retry:       retry.New(cfg.RetryPolicy()),
		Registry:    metrics.NewRegistry(cfg.Metrics.EWMAAlpha),
		Identity:    rotator,
		IDs:         uuid.New(),
		Attempts:    telemetry.NewAttempts(a.tracerProvider()),
	}
	if drivers != nil && cfg.Browser.AutoPromote {
		deps.Detector = detector.NewHeuristic(cfg.Browser.PromotionThreshold)
	}
	d, err := dispatcher.New(cfg.Dispatch(), deps, logger)
	if err != nil {
		_ = conns.Close()
		if drivers != nil {
			_ = drivers.Close()
		}
		return nil, a.abort(ctx, fmt.Errorf("init dispatcher: %w", err))
	}
	a.dispatcher = d

	logger.Info("engine services initialized",
		zap.String("transport", cfg.Transport.Kind),
		zap.Bool("browser", cfg.Browser.Enabled),
		zap.Bool("tracing", cfg.Tracing.Enabled),
		zap.Int("user_agents", len(rotator.Agents())),
	)
	return a, nil
}

func newTransport(cfg config.Config, logger *zap.Logger) fetch.Transport {
	if cfg.Transport.Kind == config.TransportDirect {
		return direct.New(cfg.BodyLimits())
	}
	return collyfetcher.New(collyfetcher.Config{
		RespectRobots: cfg.Transport.RespectRobots,
		Timeout:       cfg.Dispatcher.Timeout,
		Limits:        cfg.BodyLimits(),
	}, logger.Named("colly"))
}

// tracerProvider returns nil when tracing is off so attempts use the global no-op provider.
func (a *App) tracerProvider() trace.TracerProvider {
	if a.tracer == nil {
		return nil
	}
	return a.tracer
}

func (a *App) abort(ctx context.Context, err error) error {
	if a.tracer != nil {
		if serr := a.tracer.Shutdown(ctx); serr != nil {
			return errors.Join(err, fmt.Errorf("shutdown tracer: %w", serr))
		}
	}
	return err
}

// Close drains the engine within ctx and flushes spans.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down engine services")
	var errs []error
	if a.dispatcher != nil {
		if err := a.dispatcher.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown dispatcher: %w", err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	return errors.Join(errs...)
}
