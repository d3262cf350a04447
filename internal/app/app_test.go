package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchkit/internal/app"
	"github.com/JakeFAU/fetchkit/internal/config"
	"github.com/JakeFAU/fetchkit/internal/fetch"
)

func testConfig(t *testing.T, kind string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Transport.Kind = kind
	cfg.RateLimit.RequestsPerSecond = 0
	cfg.Retry.BackoffMin = time.Millisecond
	cfg.Retry.BackoffMax = 2 * time.Millisecond
	return cfg
}

func TestNewFetchesThroughConfiguredTransport(t *testing.T) {
	for _, kind := range []string{config.TransportDirect, config.TransportColly} {
		t.Run(kind, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("hello"))
			}))
			defer srv.Close()

			a, err := app.New(context.Background(), testConfig(t, kind), zap.NewNop())
			require.NoError(t, err)
			require.NotNil(t, a.Dispatcher())
			require.NotNil(t, a.Logger())

			res := a.Dispatcher().FetchOne(context.Background(), fetch.Task{URL: srv.URL})
			require.NoError(t, res.Err)
			require.Equal(t, fetch.OutcomeSuccess, res.Outcome)
			data, err := res.Body.Bytes()
			require.NoError(t, err)
			require.Equal(t, "hello", string(data))
			require.NoError(t, res.Body.Close())

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			require.NoError(t, a.Close(ctx))
		})
	}
}

func TestNewRejectsBadIdentity(t *testing.T) {
	cfg := testConfig(t, config.TransportDirect)
	cfg.Identity.Mode = "sequential"

	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "init identity")
}

func TestCloseWithTracing(t *testing.T) {
	cfg := testConfig(t, config.TransportDirect)
	cfg.Tracing.Enabled = true

	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Close(context.Background()))
}
