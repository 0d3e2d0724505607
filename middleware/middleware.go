// Package middleware implements the phase-bucketed middleware registry
// used by the request manager: outer, inner, response, and
// request-exception phases, each holding a priority-sorted,
// registration-order-stable list of handlers. It mirrors aioscraper's
// holders/middleware.py MiddlewareHolder, translated from Python's
// decorator-returning-decorator idiom to a Go registry with plain
// Register methods.
package middleware

import (
	"context"
	"sort"

	"github.com/scraperctl/scraperctl/request"
)

// Phase names one of the four request-middleware buckets.
type Phase int

const (
	// Outer runs once per Request before the retry middleware sees it,
	// so it observes only the original submission, never a retry replay.
	Outer Phase = iota
	// Inner runs immediately before dispatch, once per attempt
	// (including retries).
	Inner
	// Response runs after a successful dispatch, before the callback.
	Response
	// Exception runs after a failed dispatch or a callback error,
	// before the errback.
	Exception
)

// RequestFunc is an outer or inner middleware: it observes (and may
// mutate) the Request before dispatch.
type RequestFunc func(ctx context.Context, req *request.Request) error

// ResponseFunc observes (and may mutate) a successful Response before
// the callback runs.
type ResponseFunc func(ctx context.Context, resp *request.Response) error

// ExceptionFunc observes a dispatch or callback failure before the
// errback runs. Returning a non-nil error other than the phase-local
// signals ends the exception phase: the request manager logs that
// error, and neither the remaining exception middlewares nor the
// errback run.
type ExceptionFunc func(ctx context.Context, req *request.Request, err error) error

type entry[T any] struct {
	priority int
	seq      int
	fn       T
}

// Holder stores registered middlewares in four priority-ordered
// buckets and exposes them for the request manager to execute in
// order. Zero value is ready to use.
type Holder struct {
	seq int

	outer     []entry[RequestFunc]
	inner     []entry[RequestFunc]
	response  []entry[ResponseFunc]
	exception []entry[ExceptionFunc]
}

// RegisterOuter adds a middleware to the outer phase. Lower priority
// values run first; among equal priorities, registration order wins.
func (h *Holder) RegisterOuter(priority int, fn RequestFunc) {
	h.seq++
	h.outer = append(h.outer, entry[RequestFunc]{priority: priority, seq: h.seq, fn: fn})
	sortEntries(h.outer)
}

// RegisterInner adds a middleware to the inner phase.
func (h *Holder) RegisterInner(priority int, fn RequestFunc) {
	h.seq++
	h.inner = append(h.inner, entry[RequestFunc]{priority: priority, seq: h.seq, fn: fn})
	sortEntries(h.inner)
}

// RegisterResponse adds a middleware to the response phase.
func (h *Holder) RegisterResponse(priority int, fn ResponseFunc) {
	h.seq++
	h.response = append(h.response, entry[ResponseFunc]{priority: priority, seq: h.seq, fn: fn})
	sortEntries(h.response)
}

// RegisterException adds a middleware to the request-exception phase.
func (h *Holder) RegisterException(priority int, fn ExceptionFunc) {
	h.seq++
	h.exception = append(h.exception, entry[ExceptionFunc]{priority: priority, seq: h.seq, fn: fn})
	sortEntries(h.exception)
}

// Outer returns the outer-phase middlewares in execution order.
func (h *Holder) Outer() []RequestFunc { return extract(h.outer) }

// Inner returns the inner-phase middlewares in execution order.
func (h *Holder) Inner() []RequestFunc { return extract(h.inner) }

// ResponseMiddlewares returns the response-phase middlewares in
// execution order.
func (h *Holder) ResponseMiddlewares() []ResponseFunc { return extract(h.response) }

// ExceptionMiddlewares returns the exception-phase middlewares in
// execution order.
func (h *Holder) ExceptionMiddlewares() []ExceptionFunc { return extract(h.exception) }

func sortEntries[T any](s []entry[T]) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].priority != s[j].priority {
			return s[i].priority < s[j].priority
		}
		return s[i].seq < s[j].seq
	})
}

func extract[T any](s []entry[T]) []T {
	out := make([]T, len(s))
	for i, e := range s {
		out[i] = e.fn
	}
	return out
}
