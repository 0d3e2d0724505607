package scraperctl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scraperctl/scraperctl/clock"
	"github.com/scraperctl/scraperctl/config"
	"github.com/scraperctl/scraperctl/deps"
	"github.com/scraperctl/scraperctl/observability"
	"github.com/scraperctl/scraperctl/ratelimit"
	"github.com/scraperctl/scraperctl/request"
	"github.com/scraperctl/scraperctl/requestmgr"
	"github.com/scraperctl/scraperctl/retry"
	"github.com/scraperctl/scraperctl/scheduler"
	"github.com/scraperctl/scraperctl/scrapererr"
)

// Runtime is a built Engine, ready to Start, Wait for drain, and
// Close. It is the Go counterpart of aioscraper's core/executor.py
// ScraperExecutor: Build performs the wiring __init__ does there
// (scheduler, request manager, dependency resolver; the pipeline
// capability is injected by type, and the config is not a named
// dependency), and Start/Wait/Close split what executor.run/close do
// there, so the signal-handling and timeout race in package runner can
// drive them independently.
type Runtime struct {
	engine *Engine
	log    *zap.Logger
	clock  clock.Clock

	resolver  *deps.Resolver
	limiter   *ratelimit.Limiter
	scheduler *scheduler.Scheduler
	manager   *requestmgr.Manager
	retryMW   *retry.Middleware
	metrics   *observability.Metrics

	client   ioCloser
	teardown Teardown
	started  bool
}

// ioCloser matches *httpclient.Client's Close method, which takes no
// context and returns nothing (the transport has nothing worth
// reporting a shutdown error for).
type ioCloser interface {
	Close()
}

// Build wires every subsystem from the Engine's registrations and cfg,
// starting the scheduler's worker pool immediately (ctx governs the
// whole Runtime's lifetime).
func (e *Engine) Build(ctx context.Context, opts BuildOptions) (*Runtime, error) {
	log := e.log
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.New()
	}

	resolver := deps.New(e.dependencies)
	e.pipeline.SetObserver(metrics)

	limiter := ratelimit.New(ratelimit.Config{
		DefaultInterval: time.Duration(e.cfg.RateLimit.DefaultIntervalMillis) * time.Millisecond,
		Adaptive: ratelimit.AdaptiveConfig{
			Enabled:           e.cfg.Adaptive.Enabled,
			MinInterval:       time.Duration(e.cfg.Adaptive.MinIntervalMillis) * time.Millisecond,
			MaxInterval:       time.Duration(e.cfg.Adaptive.MaxIntervalMillis) * time.Millisecond,
			IncreaseFactor:    e.cfg.Adaptive.IncreaseFactor,
			DecreaseStep:      time.Duration(e.cfg.Adaptive.DecreaseStepMillis) * time.Millisecond,
			SuccessThreshold:  e.cfg.Adaptive.SuccessThreshold,
			EWMAAlpha:         e.cfg.Adaptive.EWMAAlpha,
			RespectRetryAfter: e.cfg.Adaptive.RespectRetryAfter,
			FailureStatuses:   inheritedFailureStatuses(e.cfg),
		},
		CleanupTimeout: time.Duration(e.cfg.RateLimit.CleanupTimeoutSeconds) * time.Second,
		Clock:          clk,
		Observer:       metrics,
	})

	dispatcher := opts.Dispatcher
	var closer ioCloser
	if dispatcher == nil {
		c, err := buildHTTPClient(e.cfg, log)
		if err != nil {
			return nil, fmt.Errorf("scraperctl: build http client: %w", err)
		}
		dispatcher, closer = c, c
	}

	// sched is assigned after manager is built; manager's Submit closure
	// captures the variable by reference, not by value, so it resolves
	// correctly once Start begins submitting work.
	var sched *scheduler.Scheduler
	submit := func(ctx context.Context, req *request.Request) error {
		return sched.Submit(ctx, req)
	}

	manager := requestmgr.New(requestmgr.Config{
		Holder:     e.middleware,
		Limiter:    limiter,
		Dispatcher: dispatcher,
		Resolver:   resolver,
		Submit:     submit,
		Pipeline:   e.pipelineFunc(),
		Clock:      clk,
		Logger:     log.Named("requestmgr"),
		Observer:   metrics,
	})

	sched = scheduler.New(ctx, scheduler.Config{
		ConcurrentRequests: e.cfg.Scheduler.ConcurrentRequests,
		PendingRequests:    e.cfg.Scheduler.PendingRequests,
		ReadyQueueMaxSize:  e.cfg.Scheduler.ReadyQueueMaxSize,
		Clock:              clk,
		Logger:             log.Named("scheduler"),
		Observer:           metrics,
	}, manager.Handle)

	var retryMW *retry.Middleware
	if e.cfg.Retry.Enabled {
		statuses := make(map[int]bool, len(e.cfg.Retry.Statuses))
		for _, s := range e.cfg.Retry.Statuses {
			statuses[s] = true
		}
		retryMW = retry.New(retry.Config{
			Enabled:                      true,
			Attempts:                     e.cfg.Retry.Attempts,
			BaseDelay:                    time.Duration(e.cfg.Retry.BaseDelayMillis) * time.Millisecond,
			MaxDelay:                     time.Duration(e.cfg.Retry.MaxDelayMillis) * time.Millisecond,
			Strategy:                     parseStrategy(e.cfg.Retry.Strategy),
			Statuses:                     statuses,
			Matchers:                     exceptionKindMatchers(e.cfg.Retry.ExceptionKinds),
			StopProcessingAfterReenqueue: e.cfg.Retry.StopProcessingAfterReenqueue,
		}, retry.Submitter(submit), clk, log.Named("retry"))
		retryMW.Register(e.middleware, e.cfg.Retry.MiddlewarePriority)
	}

	return &Runtime{
		engine:    e,
		log:       log,
		clock:     clk,
		resolver:  resolver,
		limiter:   limiter,
		scheduler: sched,
		manager:   manager,
		retryMW:   retryMW,
		metrics:   metrics,
		client:    closer,
	}, nil
}

// exceptionKindMatchers turns the configured transport-error kind names
// (e.g. "timeout", "connection_failure") into retry Matchers, so retry
// can trigger on transport failures the same way it does on status
// codes, without retry importing the httpclient/scrapererr pairing
// itself.
func exceptionKindMatchers(kinds []string) []func(error) bool {
	if len(kinds) == 0 {
		return nil
	}
	wanted := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}
	return []func(error) bool{
		func(err error) bool {
			var te *scrapererr.TransportError
			if !errors.As(err, &te) {
				return false
			}
			return wanted[te.Kind.String()] || wanted["transport"]
		},
	}
}

// inheritedFailureStatuses builds the adaptive layer's failure-trigger
// set from the retry middleware's configured statuses when
// adaptive.inherit_retry_triggers is set, so the two subsystems agree
// on what counts as a failure instead of the adaptive layer silently
// falling back to its own hardcoded default set. A nil result leaves
// AdaptiveConfig.isFailureStatus's built-in default in effect.
func inheritedFailureStatuses(cfg config.Config) map[int]bool {
	if !cfg.Adaptive.InheritRetryTriggers || len(cfg.Retry.Statuses) == 0 {
		return nil
	}
	statuses := make(map[int]bool, len(cfg.Retry.Statuses))
	for _, s := range cfg.Retry.Statuses {
		statuses[s] = true
	}
	return statuses
}

func parseStrategy(s string) retry.Strategy {
	switch s {
	case "linear":
		return retry.Linear
	case "exponential":
		return retry.Exponential
	case "exponential_jitter":
		return retry.ExponentialJitter
	default:
		return retry.Constant
	}
}

// Metrics exposes the Prometheus collectors this Runtime reports to.
func (r *Runtime) Metrics() *observability.Metrics { return r.metrics }

// Start enters the lifespan's setup phase and invokes every registered
// entry function with its dependencies resolved. It does not wait for
// the work those entry functions submit to drain; call Wait for that.
func (r *Runtime) Start(ctx context.Context) error {
	teardown, err := r.engine.lifespan(ctx, r.engine)
	if err != nil {
		return fmt.Errorf("scraperctl: lifespan setup failed: %w", err)
	}
	r.teardown = teardown
	r.started = true

	for _, s := range r.engine.scrapers {
		call := deps.Call{
			Ctx:      ctx,
			Send:     deps.SendRequestFunc(r.manager.Send),
			Pipeline: r.engine.pipelineFunc(),
		}
		if err := r.resolver.Invoke(s, call); err != nil {
			return fmt.Errorf("scraperctl: entry function failed: %w", err)
		}
	}
	return nil
}

// Wait blocks until the scheduler has no queued or in-flight work and
// the request manager has nothing active, polling at the configured
// shutdown-check interval. It returns early if ctx is done.
func (r *Runtime) Wait(ctx context.Context) error {
	interval := r.engine.cfg.Execution.ShutdownCheckInterval()
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	for {
		if r.Drained() {
			return nil
		}
		if err := r.clock.Sleep(ctx, interval); err != nil {
			return err
		}
	}
}

// Drained reports whether the scheduler has no queued or in-flight
// work and the request manager has nothing active — the same
// condition Wait polls for, exposed for a liveness/readiness probe.
func (r *Runtime) Drained() bool {
	return r.scheduler.PendingLen() == 0 && r.manager.ActiveCount() == 0
}

// Close runs the shutdown sequence: stop accepting new scheduler work,
// drain or cancel in-flight dispatches, close every pipeline, close the
// owned HTTP client (if any), and finally run the lifespan's teardown,
// all shielded from ctx's own cancellation.
func (r *Runtime) Close(ctx context.Context) error {
	shielded := context.WithoutCancel(ctx)

	closeTimeout := r.engine.cfg.Scheduler.CloseTimeout()
	if err := r.scheduler.Close(closeTimeout); err != nil {
		r.log.Warn("scheduler close failed", zap.Error(err))
	}
	r.limiter.Close()

	if err := r.engine.pipeline.Close(shielded); err != nil {
		r.log.Warn("pipeline close failed", zap.Error(err))
	}

	if r.client != nil {
		r.client.Close()
	}

	if r.teardown != nil {
		if err := r.teardown(shielded); err != nil {
			r.log.Warn("lifespan teardown failed", zap.Error(err))
			return err
		}
	}
	return nil
}
