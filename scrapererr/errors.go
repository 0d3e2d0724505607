// Package scrapererr defines the error taxonomy shared by every engine
// component, mirroring the exception hierarchy of aioscraper's
// exceptions module: a base EngineError, client-misuse errors, terminal
// HTTP/transport failures, and the three phase-local control-flow
// signals that middlewares use to short-circuit a phase without that
// short-circuit ever reaching a user error handler.
package scrapererr

import (
	"fmt"
	"time"
)

// EngineError is the umbrella type for every error the engine itself
// raises (as opposed to errors returned by user callbacks).
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Wrap builds an EngineError describing which operation failed.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{Op: op, Err: err}
}

// ClientError signals caller misuse; the scheduler returns one when its
// ready queue is at capacity. A missing dependency, an unknown item type
// under strict pipeline mode, and malformed request data have their own
// types below (DependencyMissing, UnknownItem, InvalidRequestData),
// which neither are nor wrap a ClientError.
type ClientError struct {
	Msg string
}

func (e *ClientError) Error() string { return e.Msg }

// NewClientError builds a ClientError with the given message.
func NewClientError(msg string) error { return &ClientError{Msg: msg} }

// DependencyMissing is raised by the dependency resolver when a handler
// parameter has no matching name in the merged dependency map and no
// default value.
type DependencyMissing struct {
	Handler   string
	Parameter string
}

func (e *DependencyMissing) Error() string {
	return fmt.Sprintf("dependency %q missing for handler %q", e.Parameter, e.Handler)
}

// UnknownItem is raised by the pipeline dispatcher under strict mode
// when no pipeline is registered for an item's runtime type.
type UnknownItem struct {
	TypeName string
}

func (e *UnknownItem) Error() string {
	return fmt.Sprintf("no pipeline registered for item type %q", e.TypeName)
}

// InvalidRequestData is raised when a Request sets more than one of its
// mutually exclusive body fields (bytes/JSON/form).
type InvalidRequestData struct {
	Reason string
}

func (e *InvalidRequestData) Error() string { return "invalid request data: " + e.Reason }

// HTTPError represents a non-2xx response to one dispatch attempt of a
// Request with RaiseForStatus set; it is passed through the exception
// middlewares (retry included) and then to the errback.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Message    string
	// RetryAfter is the parsed Retry-After header value, if the
	// response carried one, already capped at 600 seconds.
	RetryAfter    time.Duration
	HasRetryAfter bool
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: %d: %s", e.Method, e.URL, e.StatusCode, e.Message)
}

// TransportErrorKind enumerates the small set of transport failure
// categories the HTTP adapter is allowed to surface.
type TransportErrorKind int

const (
	// TransportConnectionFailure covers DNS/dial/connection-reset errors.
	TransportConnectionFailure TransportErrorKind = iota
	// TransportTimeout covers context deadline/timeout errors.
	TransportTimeout
	// TransportProtocolError covers malformed responses, TLS failures,
	// and other errors below the HTTP semantics layer.
	TransportProtocolError
)

func (k TransportErrorKind) String() string {
	switch k {
	case TransportConnectionFailure:
		return "connection_failure"
	case TransportTimeout:
		return "timeout"
	case TransportProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}

// TransportError wraps a dispatch-level failure (as opposed to a
// non-2xx status, which is an HTTPError).
type TransportError struct {
	Kind TransportErrorKind
	URL  string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s) for %s: %v", e.Kind, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ShutdownInProgress is returned by Scheduler.Submit once the scheduler
// has begun (or finished) closing.
type ShutdownInProgress struct{}

func (*ShutdownInProgress) Error() string { return "shutdown in progress: submission rejected" }

// The three phase-local control-flow signals below are never wrapped by
// EngineError and are always intercepted inside the phase that raised
// them; requestmgr/manager.go checks for these with errors.Is and
// pipeline/dispatcher.go compares against the sentinel values below,
// and neither lets them reach a user errback or post-chain caller.

// StopMiddlewareProcessing aborts the remaining middlewares in the
// current phase only; processing continues to the next phase.
type StopMiddlewareProcessing struct{}

func (*StopMiddlewareProcessing) Error() string { return "stop middleware processing" }

// StopRequestProcessing aborts the whole request dispatch. In the
// exception phase it also suppresses the errback.
type StopRequestProcessing struct{}

func (*StopRequestProcessing) Error() string { return "stop request processing" }

// StopItemProcessing aborts pipeline dispatch for the current item,
// returning whatever value the item held at the point of the signal.
type StopItemProcessing struct{}

func (*StopItemProcessing) Error() string { return "stop item processing" }

var (
	// ErrStopMiddlewareProcessing is the shared sentinel value middlewares
	// return/raise to stop their own phase's remaining chain.
	ErrStopMiddlewareProcessing = &StopMiddlewareProcessing{}
	// ErrStopRequestProcessing is the shared sentinel value middlewares
	// return/raise to abort the whole request dispatch.
	ErrStopRequestProcessing = &StopRequestProcessing{}
	// ErrStopItemProcessing is the shared sentinel value pipeline
	// pre/post middlewares return to abort dispatch for one item.
	ErrStopItemProcessing = &StopItemProcessing{}
	// ErrShutdownInProgress is returned by Scheduler.Submit after Close.
	ErrShutdownInProgress = &ShutdownInProgress{}
)
