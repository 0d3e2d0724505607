package runner_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scraperctl/scraperctl"
	"github.com/scraperctl/scraperctl/config"
	"github.com/scraperctl/scraperctl/deps"
	"github.com/scraperctl/scraperctl/request"
	"github.com/scraperctl/scraperctl/runner"
)

func testConfig() config.Config {
	cfg := config.Config{}
	cfg.Scheduler.ConcurrentRequests = 4
	cfg.Scheduler.PendingRequests = 16
	cfg.Scheduler.CloseTimeoutSeconds = 2
	cfg.Execution.ShutdownCheckIntervalMillis = 5
	cfg.Execution.ShutdownTimeoutSeconds = 2
	cfg.Session.TimeoutSeconds = 5
	return cfg
}

func TestRun_ReturnsOnceWorkDrains(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := scraperctl.New(testConfig(), zap.NewNop())
	e.AddScraper(func(ctx context.Context, send deps.SendRequestFunc) error {
		return send(ctx, request.New("GET", srv.URL))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := runner.Run(ctx, e, scraperctl.BuildOptions{})
	require.NoError(t, err)
}

func TestRun_SingleSignalDuringInFlightWorkReportsSignaledExit(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := scraperctl.New(testConfig(), zap.NewNop())
	e.AddScraper(func(ctx context.Context, send deps.SendRequestFunc) error {
		return send(ctx, request.New("GET", srv.URL))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		time.Sleep(100 * time.Millisecond)
		require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))
	}()

	err := runner.Run(ctx, e, scraperctl.BuildOptions{})
	require.ErrorIs(t, err, runner.ErrShutdownSignaled)
}

func TestRun_StopsAtExecutionTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Execution.TimeoutSeconds = 1

	e := scraperctl.New(cfg, zap.NewNop())
	e.AddScraper(func(ctx context.Context, send deps.SendRequestFunc) error {
		return send(ctx, request.New("GET", srv.URL))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := runner.Run(ctx, e, scraperctl.BuildOptions{})
	require.NoError(t, err)
}
