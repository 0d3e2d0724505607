// Package requestmgr executes one Request end to end: the inner
// middleware chain, the rate-limit acquire, the HTTP dispatch, outcome
// reporting, and routing the result to either the response middleware
// chain and callback or the exception middleware chain and errback.
// Grounded on aioscraper's core/request_manager.py RequestManager
// (_send_request/_handle_exception/_process_request), translated from
// its single await-chain into explicit Go control flow with
// errors.Is-based signal checks in place of Python's typed excepts.
package requestmgr

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/scraperctl/scraperctl/clock"
	"github.com/scraperctl/scraperctl/deps"
	"github.com/scraperctl/scraperctl/middleware"
	"github.com/scraperctl/scraperctl/ratelimit"
	"github.com/scraperctl/scraperctl/request"
	"github.com/scraperctl/scraperctl/scrapererr"
)

// Dispatcher performs the actual network exchange. Defined here
// (rather than imported from package httpclient) so requestmgr has no
// compile-time dependency on any particular transport; httpclient
// satisfies this interface structurally.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *request.Request) (*request.Response, error)
}

// Submitter enqueues a validated, outer-middleware-processed Request
// for dispatch. It is satisfied by a *scheduler.Scheduler's
// Submit/SubmitAt pair via a small adapter the caller supplies, again
// to avoid requestmgr depending on scheduler's concrete type.
type Submitter func(ctx context.Context, req *request.Request) error

// Observer receives per-dispatch outcome notifications for metrics.
// A nil Observer is valid; Manager no-ops in that case.
type Observer interface {
	ObserveDispatch(method string, statusCode int, failed bool, latency time.Duration)
	ObserveCallbackError(err error)
}

// Config wires a Manager's collaborators.
type Config struct {
	Holder     *middleware.Holder
	Limiter    *ratelimit.Limiter
	Dispatcher Dispatcher
	Resolver   *deps.Resolver
	Submit     Submitter
	Pipeline   deps.PipelineFunc
	Clock      clock.Clock
	Logger     *zap.Logger
	Observer   Observer
}

// Manager executes Requests popped by the scheduler and is also the
// sole entry point ("send_request") through which any Request —
// whether from an entry function, a callback, or an errback — reaches
// the scheduler, after passing through the outer-request middlewares.
type Manager struct {
	holder   *middleware.Holder
	limiter  *ratelimit.Limiter
	dispatch Dispatcher
	resolver *deps.Resolver
	submit   Submitter
	pipeline deps.PipelineFunc
	clock    clock.Clock
	log      *zap.Logger
	observer Observer

	active int64
}

// New builds a Manager from cfg.
func New(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		holder:   cfg.Holder,
		limiter:  cfg.Limiter,
		dispatch: cfg.Dispatcher,
		resolver: cfg.Resolver,
		submit:   cfg.Submit,
		pipeline: cfg.Pipeline,
		clock:    cfg.Clock,
		log:      cfg.Logger,
		observer: cfg.Observer,
	}
}

// ActiveCount reports how many Requests are currently between taking
// a worker slot and finishing their callback/errback, for the
// executor's drain check.
func (m *Manager) ActiveCount() int64 {
	return atomic.LoadInt64(&m.active)
}

// Send runs req through the outer-request middlewares and hands it to
// the scheduler. It is the deps.SendRequestFunc injected into every
// callback, errback, and entry function.
func (m *Manager) Send(ctx context.Context, req *request.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	for _, mw := range m.holder.Outer() {
		if err := mw(ctx, req); err != nil {
			switch {
			case errors.Is(err, scrapererr.ErrStopMiddlewareProcessing), errors.Is(err, scrapererr.ErrStopRequestProcessing):
				m.log.Debug("stop signal in outer middleware is ignored", zap.Error(err))
			default:
				m.log.Error("outer middleware failed", zap.Error(err), zap.String("url", req.URL))
			}
		}
	}
	return m.submit(ctx, req)
}

// Handle executes the full dispatch contract for one Request popped
// by the scheduler. It is the scheduler.Dispatch function bound to
// this Manager.
func (m *Manager) Handle(ctx context.Context, req *request.Request) {
	atomic.AddInt64(&m.active, 1)
	defer atomic.AddInt64(&m.active, -1)

	for _, mw := range m.holder.Inner() {
		err := mw(ctx, req)
		if err == nil {
			continue
		}
		if errors.Is(err, scrapererr.ErrStopRequestProcessing) {
			m.log.Debug("request dropped by inner middleware", zap.String("url", req.URL))
			return
		}
		if errors.Is(err, scrapererr.ErrStopMiddlewareProcessing) {
			break
		}
		m.log.Error("inner middleware failed", zap.Error(err), zap.String("url", req.URL))
	}

	group, err := m.limiter.Acquire(ctx, req)
	if err != nil {
		m.log.Debug("rate limiter acquire aborted", zap.Error(err), zap.String("url", req.URL))
		return
	}

	start := m.clock.Now()
	resp, dispatchErr := m.dispatch.Dispatch(ctx, req)
	latency := m.clock.Now().Sub(start)

	outcome := ratelimit.Outcome{Latency: latency}
	if dispatchErr != nil {
		outcome.Failed = true
	} else {
		outcome.StatusCode = resp.StatusCode
		if ra, ok := resp.RetryAfter(); ok {
			outcome.RetryAfter, outcome.HasRetryAfter = ra, true
		}
	}
	m.limiter.ReportOutcome(group, outcome)

	if m.observer != nil {
		statusCode := 0
		if resp != nil {
			statusCode = resp.StatusCode
		}
		m.observer.ObserveDispatch(req.Method, statusCode, dispatchErr != nil, latency)
	}

	if dispatchErr != nil {
		m.handleException(ctx, req, dispatchErr)
		return
	}

	if req.RaiseForStatus && !resp.OK() {
		body, _ := resp.Text()
		httpErr := &scrapererr.HTTPError{
			Method:     req.Method,
			URL:        resp.FinalURL,
			StatusCode: resp.StatusCode,
			Message:    body,
		}
		if ra, ok := resp.RetryAfter(); ok {
			httpErr.RetryAfter, httpErr.HasRetryAfter = ra, true
		}
		m.handleException(ctx, req, httpErr)
		return
	}

	stopped := false
	for _, mw := range m.holder.ResponseMiddlewares() {
		err := mw(ctx, resp)
		if err == nil {
			continue
		}
		if errors.Is(err, scrapererr.ErrStopRequestProcessing) {
			stopped = true
			break
		}
		if errors.Is(err, scrapererr.ErrStopMiddlewareProcessing) {
			break
		}
		m.log.Error("response middleware failed", zap.Error(err), zap.String("url", req.URL))
	}
	if stopped {
		return
	}

	if req.Callback == nil {
		return
	}
	call := deps.Call{Ctx: ctx, Request: req, Response: resp, Send: deps.SendRequestFunc(m.Send), Pipeline: m.pipeline, Extras: deps.Bag(req.CBKwargs)}
	if err := m.resolver.Invoke(req.Callback, call); err != nil {
		if m.observer != nil {
			m.observer.ObserveCallbackError(err)
		}
		m.handleException(ctx, req, err)
	}
}

func (m *Manager) handleException(ctx context.Context, req *request.Request, exc error) {
	suppressErrback := false
	for _, mw := range m.holder.ExceptionMiddlewares() {
		err := mw(ctx, req, exc)
		if err == nil {
			continue
		}
		if errors.Is(err, scrapererr.ErrStopRequestProcessing) {
			suppressErrback = true
			break
		}
		if errors.Is(err, scrapererr.ErrStopMiddlewareProcessing) {
			break
		}
		// Anything else propagates past the exception phase entirely;
		// there is no caller above this worker goroutine to catch it,
		// so this manager is the terminal backstop that logs it.
		m.log.Error("request failed in exception middleware", zap.Error(err), zap.String("url", req.URL))
		return
	}
	if suppressErrback {
		return
	}

	if req.Errback == nil {
		m.log.Warn("unhandled request failure", zap.String("method", req.Method), zap.String("url", req.URL), zap.Error(exc))
		return
	}

	call := deps.Call{Ctx: ctx, Request: req, Err: exc, Send: deps.SendRequestFunc(m.Send), Pipeline: m.pipeline, Extras: deps.Bag(req.CBKwargs)}
	if errbackErr := m.resolver.Invoke(req.Errback, call); errbackErr != nil {
		m.log.Error("errback failed", zap.Error(multierr.Combine(exc, errbackErr)), zap.String("url", req.URL))
	}
}
