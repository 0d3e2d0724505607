// Package scraperctl is the root package: it defines Engine, the
// registry of entry functions, middlewares, pipelines, and shared
// dependencies that owns the lifespan contract, and Runtime, which
// wires those registrations into a running request-execution engine.
// Grounded on aioscraper's core/scraper.py AIOScraper (the registry,
// the *scrapers variadic constructor plus the __call__
// decorator-equivalent, add_dependencies, the lifespan context-manager
// hook) and JakeFAU's internal/app/app.go (the App-as-DI-container
// shape, fail-fast construction).
package scraperctl

import (
	"context"

	"go.uber.org/zap"

	"github.com/scraperctl/scraperctl/clock"
	"github.com/scraperctl/scraperctl/config"
	"github.com/scraperctl/scraperctl/deps"
	"github.com/scraperctl/scraperctl/httpclient"
	"github.com/scraperctl/scraperctl/middleware"
	"github.com/scraperctl/scraperctl/observability"
	"github.com/scraperctl/scraperctl/pipeline"
	"github.com/scraperctl/scraperctl/requestmgr"
)

// Scraper is an entry function invoked once at startup with its
// parameters resolved by the dependency resolver; it typically submits
// the initial Requests via the injected send-request capability.
type Scraper any

// Teardown runs once during Runtime.Close, after every resource has
// already been shut down, to release whatever a Lifespan's setup phase
// acquired.
type Teardown func(ctx context.Context) error

// Lifespan wraps the Runtime's whole run: Runtime.Start invokes it once
// with Start's own context, before the entry functions run (the
// scheduler's workers are already running, since Build starts them). It
// returns a Teardown invoked once after every other shutdown step
// completes; only the Teardown is shielded from cancellation.
type Lifespan func(ctx context.Context, e *Engine) (Teardown, error)

func defaultLifespan(context.Context, *Engine) (Teardown, error) {
	return func(context.Context) error { return nil }, nil
}

// Engine is the registry of entry functions, middlewares, pipelines,
// and shared dependencies a scraping program builds up before calling
// Build. The zero value is not usable; create one with New.
type Engine struct {
	scrapers     []Scraper
	dependencies deps.Bag
	lifespan     Lifespan

	middleware *middleware.Holder
	pipeline   *pipeline.Dispatcher

	cfg config.Config
	log *zap.Logger
}

// New builds an Engine bound to cfg. log may be nil (defaults to a
// no-op logger); pass the result of internal/logging.New in production.
func New(cfg config.Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		dependencies: deps.Bag{},
		lifespan:     defaultLifespan,
		middleware:   &middleware.Holder{},
		pipeline:     pipeline.New(cfg.Pipeline.Strict, log.Named("pipeline")),
		cfg:          cfg,
		log:          log,
	}
}

// AddScraper registers one or more entry functions, mirroring
// AIOScraper's variadic constructor.
func (e *Engine) AddScraper(scrapers ...Scraper) *Engine {
	e.scrapers = append(e.scrapers, scrapers...)
	return e
}

// AddDependencies merges kwargs into the scraper-level dependency bag
// available to every handler, at the lowest resolution precedence.
func (e *Engine) AddDependencies(kwargs deps.Bag) *Engine {
	for k, v := range kwargs {
		e.dependencies[k] = v
	}
	return e
}

// SetLifespan attaches a setup/teardown hook wrapping the whole run.
func (e *Engine) SetLifespan(fn Lifespan) *Engine {
	e.lifespan = fn
	return e
}

// Middleware exposes the registry for request/response hooks.
func (e *Engine) Middleware() *middleware.Holder { return e.middleware }

// Pipeline exposes the registry and dispatch API for typed items.
func (e *Engine) Pipeline() *pipeline.Dispatcher { return e.pipeline }

// Config returns the Engine's configuration.
func (e *Engine) Config() config.Config { return e.cfg }

// Logger returns the Engine's logger, for callers (such as package
// runner) that log around Build/Start/Wait/Close without holding their
// own reference.
func (e *Engine) Logger() *zap.Logger { return e.log }

// pipelineFunc adapts the pipeline Dispatcher's Item-typed signature to
// deps.PipelineFunc's any-typed one; pipeline.Item is a named type over
// any, so the two func types are not identical and cannot be converted
// directly, only wrapped.
func (e *Engine) pipelineFunc() deps.PipelineFunc {
	return func(ctx context.Context, item any) (any, error) {
		return e.pipeline.Dispatch(ctx, item)
	}
}

// buildHTTPClient constructs the default Dispatcher from cfg. Build
// calls it only when BuildOptions.Dispatcher is nil.
func buildHTTPClient(cfg config.Config, log *zap.Logger) (*httpclient.Client, error) {
	return httpclient.New(httpclient.Config{
		Timeout:   cfg.SessionTimeout(),
		TLSVerify: cfg.Session.TLSVerify,
		CAPath:    cfg.Session.CAPath,
		Proxy:     cfg.Session.Proxy,
		ProxyByScheme: cfg.Session.ProxyByScheme,
	}, log.Named("httpclient"))
}

// BuildOptions overrides pieces of Build's default wiring, mainly for
// tests that need a fake Dispatcher or a fake Clock. A nil Dispatcher
// keeps the default *httpclient.Client built from Config.
type BuildOptions struct {
	Dispatcher requestmgr.Dispatcher
	Clock      clock.Clock
	Metrics    *observability.Metrics

	// DiagnosticsAddr, if non-empty, tells package runner to serve
	// Metrics.DiagnosticsMux (/healthz, /readyz, /metrics) on this
	// address for the run's duration.
	DiagnosticsAddr string
}
