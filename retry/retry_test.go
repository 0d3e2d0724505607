package retry_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scraperctl/scraperctl/clock"
	"github.com/scraperctl/scraperctl/request"
	"github.com/scraperctl/scraperctl/retry"
	"github.com/scraperctl/scraperctl/scrapererr"
)

// advanceEventually repeatedly nudges fake forward in small real-time
// steps so it is advanced well past step*iterations regardless of
// exactly when the waiter under test registers with fake.After,
// avoiding the single-shot-goroutine race of firing Advance before
// Sleep has had a chance to call After.
func advanceEventually(t *testing.T, fake *clock.Fake, step time.Duration) {
	t.Helper()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
				fake.Advance(step)
			}
		}
	}()
}

func TestHandle_ResubmitsOnConfiguredStatus(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	var resubmitted *request.Request
	submit := func(_ context.Context, req *request.Request) error {
		resubmitted = req
		return nil
	}

	m := retry.New(retry.Config{
		Enabled:   true,
		Attempts:  3,
		BaseDelay: time.Second,
		Statuses:  map[int]bool{503: true},
	}, submit, fake, nil)

	advanceEventually(t, fake, time.Second)

	req := request.New("GET", "https://example.com")
	err := m.Handle(context.Background(), req, &scrapererr.HTTPError{StatusCode: 503})
	require.NoError(t, err)
	require.NotNil(t, resubmitted)
	require.Equal(t, 1, resubmitted.Annotations.Attempt)
}

func TestHandle_DoesNothingWhenAttemptsExhausted(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	called := false
	submit := func(context.Context, *request.Request) error { called = true; return nil }

	m := retry.New(retry.Config{
		Enabled:   true,
		Attempts:  1,
		BaseDelay: time.Millisecond,
		Statuses:  map[int]bool{503: true},
	}, submit, fake, nil)

	req := request.New("GET", "https://example.com")
	req.Annotations.Attempt = 1

	require.NoError(t, m.Handle(context.Background(), req, &scrapererr.HTTPError{StatusCode: 503}))
	require.False(t, called)
}

func TestHandle_DoesNothingWhenDisabled(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	called := false
	submit := func(context.Context, *request.Request) error { called = true; return nil }

	m := retry.New(retry.Config{Enabled: false, Attempts: 3, Statuses: map[int]bool{503: true}}, submit, fake, nil)
	require.NoError(t, m.Handle(context.Background(), request.New("GET", "https://example.com"), &scrapererr.HTTPError{StatusCode: 503}))
	require.False(t, called)
}

func TestHandle_IgnoresUnconfiguredStatus(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	called := false
	submit := func(context.Context, *request.Request) error { called = true; return nil }

	m := retry.New(retry.Config{Enabled: true, Attempts: 3, Statuses: map[int]bool{503: true}}, submit, fake, nil)
	require.NoError(t, m.Handle(context.Background(), request.New("GET", "https://example.com"), &scrapererr.HTTPError{StatusCode: 404}))
	require.False(t, called)
}

func TestHandle_MatcherTriggersRetryForNonHTTPError(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	called := false
	submit := func(context.Context, *request.Request) error { called = true; return nil }

	transportErr := &scrapererr.TransportError{Kind: scrapererr.TransportConnectionFailure, URL: "https://example.com"}
	m := retry.New(retry.Config{
		Enabled:   true,
		Attempts:  1,
		BaseDelay: time.Second,
		Matchers: []func(error) bool{
			func(err error) bool {
				_, ok := err.(*scrapererr.TransportError)
				return ok
			},
		},
	}, submit, fake, nil)

	advanceEventually(t, fake, time.Second)
	require.NoError(t, m.Handle(context.Background(), request.New("GET", "https://example.com"), transportErr))
	require.True(t, called)
}

func TestHandle_StopProcessingAfterReenqueueReturnsSignal(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	submit := func(context.Context, *request.Request) error { return nil }

	m := retry.New(retry.Config{
		Enabled:                      true,
		Attempts:                     3,
		BaseDelay:                    time.Second,
		Statuses:                     map[int]bool{503: true},
		StopProcessingAfterReenqueue: true,
	}, submit, fake, nil)

	advanceEventually(t, fake, time.Second)
	err := m.Handle(context.Background(), request.New("GET", "https://example.com"), &scrapererr.HTTPError{StatusCode: 503})
	require.ErrorIs(t, err, scrapererr.ErrStopRequestProcessing)
}

func TestHandle_RetryAfterOverridesBackoffAndIsCapped(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	submit := func(context.Context, *request.Request) error { return nil }

	m := retry.New(retry.Config{
		Enabled:   true,
		Attempts:  1,
		BaseDelay: time.Millisecond,
		Statuses:  map[int]bool{429: true},
	}, submit, fake, nil)

	hdr := make(http.Header)
	hdr.Set("Retry-After", "999999")
	resp := request.NewResponse(request.New("GET", "https://example.com"), "https://example.com", 429, hdr, 0, nil)
	ra, ok := resp.RetryAfter()
	require.True(t, ok)
	require.Equal(t, 600*time.Second, ra)

	advanceEventually(t, fake, 600*time.Second)
	err := m.Handle(context.Background(), request.New("GET", "https://example.com"), &scrapererr.HTTPError{
		StatusCode: 429, RetryAfter: ra, HasRetryAfter: true,
	})
	require.NoError(t, err)
}
