package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchkit/internal/api"
	"github.com/JakeFAU/fetchkit/internal/fetch"
)

type fetchFlags struct {
	browser     bool
	timeout     time.Duration
	concurrency int
	headers     map[string]string
	script      string
	wait        time.Duration
	bodyBytes   int64
}

// newFetchCmd fetches the given URLs once and writes one JSON summary per line.
func newFetchCmd() *cobra.Command {
	var flags fetchFlags
	cmd := &cobra.Command{
		Use:   "fetch URL [URL...]",
		Short: "Fetch URLs and print a JSON summary per URL",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, args, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.browser, "browser", false, "render through headless Chrome")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "per-task deadline (0 uses the configured default)")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "max tasks in flight (0 uses the configured default)")
	cmd.Flags().StringToStringVarP(&flags.headers, "header", "H", nil, "extra request header as key=value")
	cmd.Flags().StringVar(&flags.script, "script", "", "JavaScript evaluated after a rendered page loads")
	cmd.Flags().DurationVar(&flags.wait, "wait", 0, "settle time after a rendered page loads")
	cmd.Flags().Int64Var(&flags.bodyBytes, "body-bytes", 0, "include up to this many body bytes in the output")
	return cmd
}

func runFetch(cmd *cobra.Command, urls []string, flags fetchFlags) error {
	return withApp(cmd, func(_ *runtime, a App) error {
		return fetchURLs(cmd, a, urls, flags)
	})
}

func fetchURLs(cmd *cobra.Command, a App, urls []string, flags fetchFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tasks := make([]fetch.Task, len(urls))
	for i, u := range urls {
		task := fetch.Task{URL: u, WaitAfterLoad: flags.wait, Script: flags.script}
		if len(flags.headers) > 0 {
			task.Header = make(map[string][]string, len(flags.headers))
			for k, v := range flags.headers {
				task.Header.Set(k, v)
			}
		}
		tasks[i] = task
	}

	logger := a.Logger()
	results := a.Engine().Submit(ctx, tasks, fetch.Options{
		ConcurrentLimit: flags.concurrency,
		Timeout:         flags.timeout,
		UseBrowser:      flags.browser,
	})

	enc := json.NewEncoder(cmd.OutOrStdout())
	failed := 0
	for _, res := range results {
		sum, err := api.Summarize(res, flags.bodyBytes)
		if err != nil {
			logger.Warn("summarize result failed", zap.String("url", res.URL), zap.Error(err))
		}
		if res.Outcome != fetch.OutcomeSuccess {
			failed++
		}
		if err := enc.Encode(sum); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	logger.Info("fetch finished", zap.Int("tasks", len(results)), zap.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("%d of %d fetches did not succeed", failed, len(results))
	}
	return nil
}
