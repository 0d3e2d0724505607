package requestmgr_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scraperctl/scraperctl/deps"
	"github.com/scraperctl/scraperctl/middleware"
	"github.com/scraperctl/scraperctl/ratelimit"
	"github.com/scraperctl/scraperctl/request"
	"github.com/scraperctl/scraperctl/requestmgr"
	"github.com/scraperctl/scraperctl/scrapererr"
)

type stubDispatcher struct {
	resp *request.Response
	err  error
}

func (s *stubDispatcher) Dispatch(context.Context, *request.Request) (*request.Response, error) {
	return s.resp, s.err
}

func okResponse(req *request.Request, status int) *request.Response {
	return request.NewResponse(req, req.URL, status, make(http.Header), 0, func() ([]byte, error) { return []byte("body"), nil })
}

func newManager(t *testing.T, holder *middleware.Holder, dispatcher requestmgr.Dispatcher) (*requestmgr.Manager, *[]*request.Request) {
	t.Helper()
	if holder == nil {
		holder = &middleware.Holder{}
	}
	limiter := ratelimit.New(ratelimit.Config{DefaultInterval: 0})
	t.Cleanup(limiter.Close)

	var submitted []*request.Request
	submit := func(_ context.Context, req *request.Request) error {
		submitted = append(submitted, req)
		return nil
	}

	m := requestmgr.New(requestmgr.Config{
		Holder:     holder,
		Limiter:    limiter,
		Dispatcher: dispatcher,
		Resolver:   deps.New(nil),
		Submit:     submit,
	})
	return m, &submitted
}

func TestHandle_SuccessfulDispatchInvokesCallback(t *testing.T) {
	req := request.New("GET", "https://example.com")
	var gotStatus int
	req.Callback = func(resp *request.Response) error {
		gotStatus = resp.StatusCode
		return nil
	}

	m, _ := newManager(t, nil, &stubDispatcher{resp: okResponse(req, 200)})
	m.Handle(context.Background(), req)

	require.Equal(t, 200, gotStatus)
}

func TestHandle_NonOKStatusRoutesToErrback(t *testing.T) {
	req := request.New("GET", "https://example.com")
	var gotErr error
	req.Errback = func(err error) error {
		gotErr = err
		return nil
	}

	m, _ := newManager(t, nil, &stubDispatcher{resp: okResponse(req, 500)})
	m.Handle(context.Background(), req)

	require.Error(t, gotErr)
	var httpErr *scrapererr.HTTPError
	require.ErrorAs(t, gotErr, &httpErr)
	require.Equal(t, 500, httpErr.StatusCode)
}

func TestHandle_DispatchErrorRoutesToErrback(t *testing.T) {
	req := request.New("GET", "https://example.com")
	boom := errors.New("connection refused")
	var gotErr error
	req.Errback = func(err error) error {
		gotErr = err
		return nil
	}

	m, _ := newManager(t, nil, &stubDispatcher{err: boom})
	m.Handle(context.Background(), req)

	require.ErrorIs(t, gotErr, boom)
}

func TestHandle_CallbacklessSuccessDoesNotPanic(t *testing.T) {
	req := request.New("GET", "https://example.com")
	m, _ := newManager(t, nil, &stubDispatcher{resp: okResponse(req, 204)})
	require.NotPanics(t, func() { m.Handle(context.Background(), req) })
}

func TestHandle_InnerStopRequestProcessingDropsBeforeDispatch(t *testing.T) {
	req := request.New("GET", "https://example.com")
	holder := &middleware.Holder{}
	holder.RegisterInner(0, func(context.Context, *request.Request) error {
		return scrapererr.ErrStopRequestProcessing
	})

	dispatcher := &stubDispatcher{resp: okResponse(req, 200)}
	called := false
	req.Callback = func() error { called = true; return nil }

	m, _ := newManager(t, holder, dispatcher)
	m.Handle(context.Background(), req)

	require.False(t, called)
}

func TestHandle_InnerStopMiddlewareProcessingStillDispatches(t *testing.T) {
	req := request.New("GET", "https://example.com")
	holder := &middleware.Holder{}
	ranSecond := false
	holder.RegisterInner(0, func(context.Context, *request.Request) error {
		return scrapererr.ErrStopMiddlewareProcessing
	})
	holder.RegisterInner(1, func(context.Context, *request.Request) error {
		ranSecond = true
		return nil
	})

	var gotStatus int
	req.Callback = func(resp *request.Response) error { gotStatus = resp.StatusCode; return nil }

	m, _ := newManager(t, holder, &stubDispatcher{resp: okResponse(req, 200)})
	m.Handle(context.Background(), req)

	require.False(t, ranSecond)
	require.Equal(t, 200, gotStatus)
}

func TestHandle_ResponseStopRequestProcessingSkipsCallback(t *testing.T) {
	req := request.New("GET", "https://example.com")
	holder := &middleware.Holder{}
	holder.RegisterResponse(0, func(context.Context, *request.Response) error {
		return scrapererr.ErrStopRequestProcessing
	})

	called := false
	req.Callback = func() error { called = true; return nil }

	m, _ := newManager(t, holder, &stubDispatcher{resp: okResponse(req, 200)})
	m.Handle(context.Background(), req)

	require.False(t, called)
}

func TestHandle_ExceptionStopRequestProcessingSuppressesErrback(t *testing.T) {
	req := request.New("GET", "https://example.com")
	holder := &middleware.Holder{}
	holder.RegisterException(0, func(context.Context, *request.Request, error) error {
		return scrapererr.ErrStopRequestProcessing
	})

	called := false
	req.Errback = func() error { called = true; return nil }

	m, _ := newManager(t, holder, &stubDispatcher{err: errors.New("boom")})
	m.Handle(context.Background(), req)

	require.False(t, called)
}

func TestHandle_CallbackErrorRoutesThroughExceptionPhase(t *testing.T) {
	req := request.New("GET", "https://example.com")
	var gotErr error
	req.Callback = func() error { return errors.New("callback exploded") }
	req.Errback = func(err error) error { gotErr = err; return nil }

	m, _ := newManager(t, nil, &stubDispatcher{resp: okResponse(req, 200)})
	m.Handle(context.Background(), req)

	require.Error(t, gotErr)
	require.Contains(t, gotErr.Error(), "callback exploded")
}

func TestSend_RunsOuterMiddlewaresThenSubmits(t *testing.T) {
	req := request.New("GET", "https://example.com")
	holder := &middleware.Holder{}
	var seenPriority int
	holder.RegisterOuter(0, func(_ context.Context, r *request.Request) error {
		r.Priority = 7
		seenPriority = r.Priority
		return nil
	})

	m, submitted := newManager(t, holder, &stubDispatcher{})
	require.NoError(t, m.Send(context.Background(), req))

	require.Equal(t, 7, seenPriority)
	require.Len(t, *submitted, 1)
	require.Same(t, req, (*submitted)[0])
}

func TestSend_OuterMiddlewareErrorIsLoggedNotFatal(t *testing.T) {
	req := request.New("GET", "https://example.com")
	holder := &middleware.Holder{}
	holder.RegisterOuter(0, func(context.Context, *request.Request) error {
		return errors.New("outer middleware misbehaved")
	})

	m, submitted := newManager(t, holder, &stubDispatcher{})
	require.NoError(t, m.Send(context.Background(), req))
	require.Len(t, *submitted, 1)
}

func TestSend_InvalidRequestFailsValidationBeforeSubmit(t *testing.T) {
	req := request.New("POST", "https://example.com")
	req.Body.Bytes = []byte("a")
	req.Body.JSON = map[string]string{"x": "y"}

	m, submitted := newManager(t, nil, &stubDispatcher{})
	err := m.Send(context.Background(), req)

	require.Error(t, err)
	require.Empty(t, *submitted)
}

func TestHandle_CallbackReceivesSendCapability(t *testing.T) {
	req := request.New("GET", "https://example.com")
	req.Callback = func(send deps.SendRequestFunc, ctx context.Context) error {
		return send(ctx, request.New("GET", "https://example.com/followup"))
	}

	m, submitted := newManager(t, nil, &stubDispatcher{resp: okResponse(req, 200)})
	m.Handle(context.Background(), req)

	require.Len(t, *submitted, 1)
	require.Equal(t, "https://example.com/followup", (*submitted)[0].URL)
}

func TestHandle_ReportsLatencyToRateLimiter(t *testing.T) {
	req := request.New("GET", "https://example.com")
	req.Callback = func() error { return nil }

	limiter := ratelimit.New(ratelimit.Config{DefaultInterval: time.Millisecond})
	defer limiter.Close()

	m := requestmgr.New(requestmgr.Config{
		Holder:     &middleware.Holder{},
		Limiter:    limiter,
		Dispatcher: &stubDispatcher{resp: okResponse(req, 200)},
		Resolver:   deps.New(nil),
		Submit:     func(context.Context, *request.Request) error { return nil },
	})
	m.Handle(context.Background(), req)

	_, ok := limiter.Stats("example.com")
	require.True(t, ok)
}
