// Package runner installs signal handling around a scraperctl.Engine
// and races its run against a shutdown signal and an execution
// timeout, closing it gracefully within a bounded shutdown window.
// Grounded on aioscraper's core/runner.py (_setup_signal_handlers,
// _run_scraper_without_force_exit, _run_scraper, run_scraper): the
// first SIGINT/SIGTERM starts a graceful shutdown, a second forces an
// immediate return, and an execution timeout (if configured) triggers
// the same graceful shutdown path as a signal does. Go's os/signal
// package catches repeat signals differently from asyncio's
// loop.add_signal_handler, so the handler here counts signals itself
// instead of relying on signal.NotifyContext, which stops relaying
// once its context is already canceled.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/scraperctl/scraperctl"
)

// ErrForcedExit is returned when a second shutdown signal arrives
// before the first one's graceful shutdown completed.
var ErrForcedExit = errors.New("runner: forced exit before graceful shutdown completed")

// ErrShutdownSignaled is returned when a single SIGINT/SIGTERM drove
// Run's graceful shutdown to completion, distinguishing that outcome
// from work draining on its own — both leave the returned work error
// nil, but spec.md's exit-code contract treats a signal-triggered
// clean shutdown as exit code 130, not 0.
var ErrShutdownSignaled = errors.New("runner: shutdown signal triggered graceful exit")

// Run builds engine, starts it, and blocks until its work drains, the
// configured execution timeout elapses, or a shutdown signal arrives;
// in every case it closes the runtime within the configured shutdown
// timeout before returning. A second SIGINT/SIGTERM received
// while shutdown is already underway returns ErrForcedExit immediately
// without waiting for Close to finish.
func Run(ctx context.Context, engine *scraperctl.Engine, opts scraperctl.BuildOptions) error {
	log := engine.Logger()
	cfg := engine.Config()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	signaled := make(chan struct{})
	forceExit := make(chan struct{})
	go watchSignals(sigCh, cancel, signaled, forceExit, log)

	rt, err := engine.Build(runCtx, opts)
	if err != nil {
		return fmt.Errorf("runner: build failed: %w", err)
	}

	if opts.DiagnosticsAddr != "" {
		diagSrv := &http.Server{
			Addr:              opts.DiagnosticsAddr,
			Handler:           rt.Metrics().DiagnosticsMux(rt.Drained),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := diagSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("diagnostics server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = diagSrv.Shutdown(shutdownCtx)
		}()
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- runScraper(runCtx, rt, cfg.Execution.Timeout(), cfg.Execution.ShutdownTimeout(), log)
	}()

	select {
	case err := <-runDone:
		if err == nil {
			select {
			case <-signaled:
				return ErrShutdownSignaled
			default:
			}
		}
		return err
	case <-forceExit:
		log.Warn("forced exit: not waiting for graceful shutdown to finish")
		return ErrForcedExit
	}
}

// watchSignals turns the first caught signal into a graceful-shutdown
// cancel (closing signaled so Run can report the eventual clean exit
// as signal-triggered) and the second into a close on forceExit,
// mirroring _setup_signal_handlers's shutdown/force_exit event pair.
func watchSignals(sigCh <-chan os.Signal, cancel context.CancelFunc, signaled, forceExit chan struct{}, log *zap.Logger) {
	shuttingDown := false
	for sig := range sigCh {
		if !shuttingDown {
			shuttingDown = true
			log.Info("received shutdown signal", zap.String("signal", sig.String()))
			close(signaled)
			cancel()
			continue
		}
		log.Error("received second shutdown signal, ignoring shutdown timeout", zap.String("signal", sig.String()))
		close(forceExit)
		return
	}
}

// runScraper starts rt and waits for its work to drain, racing the
// drain against ctx's cancellation (a shutdown signal) and an optional
// execution timeout; either trigger cuts the wait short and moves
// straight to a shutdown-timeout-bounded Close. It always calls
// rt.Close exactly once.
func runScraper(ctx context.Context, rt *scraperctl.Runtime, executionTimeout, shutdownTimeout time.Duration, log *zap.Logger) error {
	if err := rt.Start(ctx); err != nil {
		closeRuntime(rt, shutdownTimeout, log)
		return fmt.Errorf("runner: start failed: %w", err)
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- rt.Wait(ctx) }()

	var timeoutCh <-chan time.Time
	if executionTimeout > 0 {
		timer := time.NewTimer(executionTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-waitDone:
		closeRuntime(rt, shutdownTimeout, log)
		return err
	case <-timeoutCh:
		log.Warn("execution timeout reached, shutting down", zap.Duration("timeout", executionTimeout))
	case <-ctx.Done():
		log.Warn("shutdown requested before work drained")
	}

	closeRuntime(rt, shutdownTimeout, log)
	return nil
}

// closeRuntime runs rt.Close with a fresh, signal-independent context
// bounded by shutdownTimeout, logging (rather than propagating) a
// timeout there since Close's own callees already log their own
// partial-failure warnings.
func closeRuntime(rt *scraperctl.Runtime, shutdownTimeout time.Duration, log *zap.Logger) {
	closeCtx := context.Background()
	var cancel context.CancelFunc
	if shutdownTimeout > 0 {
		closeCtx, cancel = context.WithTimeout(closeCtx, shutdownTimeout)
		defer cancel()
	}
	if err := rt.Close(closeCtx); err != nil {
		log.Error("shutdown did not complete cleanly", zap.Error(err))
	}
}
