package scheduler_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scraperctl/scraperctl/clock"
	"github.com/scraperctl/scraperctl/request"
	"github.com/scraperctl/scraperctl/scheduler"
)

func TestSubmit_DispatchesInPriorityThenFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	done := make(chan struct{})
	var count int32

	dispatch := func(_ context.Context, req *request.Request) {
		mu.Lock()
		order = append(order, req.URL)
		mu.Unlock()
		if atomic.AddInt32(&count, 1) == 4 {
			close(done)
		}
	}

	fake := clock.NewFake(time.Unix(0, 0))
	s := scheduler.New(context.Background(), scheduler.Config{ConcurrentRequests: 1, Clock: fake}, dispatch)
	defer s.Close(time.Second)

	low := request.New("GET", "low-a")
	low.Priority = 10
	low2 := request.New("GET", "low-b")
	low2.Priority = 10
	high := request.New("GET", "high")
	high.Priority = 1
	mid := request.New("GET", "mid")
	mid.Priority = 5

	// Submit all four as delayed-until-the-same-instant so every one of
	// them lands in the delayed heap before the mover promotes any of
	// them into the ready heap; the ready heap then sorts by priority
	// regardless of promotion order, which is what this test verifies.
	due := fake.Now().Add(10 * time.Millisecond)
	require.NoError(t, s.SubmitAt(context.Background(), low, due))
	require.NoError(t, s.SubmitAt(context.Background(), low2, due))
	require.NoError(t, s.SubmitAt(context.Background(), high, due))
	require.NoError(t, s.SubmitAt(context.Background(), mid, due))

	fake.Advance(time.Minute)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"high", "mid", "low-a", "low-b"}, order)
}

func TestSubmit_RejectedAfterClose(t *testing.T) {
	s := scheduler.New(context.Background(), scheduler.Config{ConcurrentRequests: 1}, func(context.Context, *request.Request) {})
	require.NoError(t, s.Close(time.Second))

	err := s.Submit(context.Background(), request.New("GET", "https://example.com"))
	require.Error(t, err)
}

func TestSubmitAt_DelaysUntilDue(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	dispatched := make(chan struct{})

	dispatch := func(_ context.Context, _ *request.Request) { close(dispatched) }
	s := scheduler.New(context.Background(), scheduler.Config{
		ConcurrentRequests: 1,
		Clock:              fake,
	}, dispatch)
	defer s.Close(time.Second)

	req := request.New("GET", "https://example.com/delayed")
	require.NoError(t, s.SubmitAt(context.Background(), req, fake.Now().Add(50*time.Millisecond)))

	select {
	case <-dispatched:
		t.Fatal("dispatched before it was due")
	case <-time.After(30 * time.Millisecond):
	}

	fake.Advance(time.Minute)

	select {
	case <-dispatched:
	case <-time.After(time.Second):
		t.Fatal("delayed request was never dispatched after advancing")
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	values []int
}

func (o *recordingObserver) SetSchedulerPending(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.values = append(o.values, n)
}

func (o *recordingObserver) last() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.values) == 0 {
		return -1
	}
	return o.values[len(o.values)-1]
}

func TestSubmit_ReportsPendingCountToObserver(t *testing.T) {
	obs := &recordingObserver{}
	started := make(chan struct{})
	block := make(chan struct{})
	dispatch := func(_ context.Context, _ *request.Request) {
		close(started)
		<-block
	}

	s := scheduler.New(context.Background(), scheduler.Config{ConcurrentRequests: 1, Observer: obs}, dispatch)
	defer s.Close(time.Second)

	require.NoError(t, s.Submit(context.Background(), request.New("GET", "https://example.com/a")))
	<-started

	require.NoError(t, s.Submit(context.Background(), request.New("GET", "https://example.com/b")))
	require.Eventually(t, func() bool { return obs.last() == 1 }, time.Second, time.Millisecond)

	close(block)
	require.Eventually(t, func() bool { return obs.last() == 0 }, time.Second, time.Millisecond)
}

func TestClose_IsIdempotent(t *testing.T) {
	s := scheduler.New(context.Background(), scheduler.Config{ConcurrentRequests: 1}, func(context.Context, *request.Request) {})
	require.NoError(t, s.Close(time.Second))
	require.NoError(t, s.Close(time.Second))
}

func TestClose_CancelsAfterTimeout(t *testing.T) {
	started := make(chan struct{})
	blockUntilCancelled := func(ctx context.Context, _ *request.Request) {
		close(started)
		<-ctx.Done()
	}

	s := scheduler.New(context.Background(), scheduler.Config{ConcurrentRequests: 1}, blockUntilCancelled)

	require.NoError(t, s.Submit(context.Background(), request.New("GET", "https://example.com")))
	<-started

	closeDone := make(chan error, 1)
	go func() { closeDone <- s.Close(20 * time.Millisecond) }()

	select {
	case err := <-closeDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return after its timeout elapsed")
	}
}
