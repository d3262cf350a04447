// Package cmd defines the fetchkit CLI: a one-shot fetch command and the long-running ops server.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchkit/internal/api"
	"github.com/JakeFAU/fetchkit/internal/app"
	"github.com/JakeFAU/fetchkit/internal/config"
	"github.com/JakeFAU/fetchkit/internal/logging"
)

type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// App is what commands need from the engine services. Tests inject a fake.
type App interface {
	Close(ctx context.Context) error
	Logger() *zap.Logger
	Engine() api.Engine
}

type engineApp struct {
	*app.App
}

func (a engineApp) Engine() api.Engine {
	return a.Dispatcher()
}

// newApp is a variable so tests can swap in a fake factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err //nolint:wrapcheck // wrapped by the caller
	}
	return engineApp{a}, nil
}

// runtime is stored on the command context by the pre-run hook.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// withApp builds the engine services, runs fn and always tears them down.
func withApp(cmd *cobra.Command, fn func(rt *runtime, a App) error) (err error) {
	rt, ok := cmd.Context().Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return errors.New("configuration not loaded")
	}
	a, err := newApp(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize engine services: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), rt.cfg.Server.ShutdownTimeout)
		defer cancel()
		if cerr := a.Close(ctx); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close engine services: %w", cerr))
		}
		_ = rt.logger.Sync()
	}()
	return fn(rt, a)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "fetchkit",
		Short: "Concurrent content retrieval with per-host rate limiting and pooled browsers.",
		Long: `fetchkit retrieves batches of URLs over pooled HTTP sessions or headless
Chrome, spacing requests per host and retrying transient failures.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				Service:     "fetchkit",
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.AddCommand(newFetchCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
