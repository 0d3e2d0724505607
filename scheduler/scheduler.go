// Package scheduler implements the priority-queued worker pool that
// feeds Requests to the request manager. It is grounded on aioscraper's
// core/request_manager.py _listen_queue/_pop_due_delayed loop (the
// ready/delayed heap split and the priority-then-FIFO ordering) and on
// JakeFAU's internal/dispatcher+internal/worker pair for the Go
// worker-pool shape: a fixed number of long-lived goroutines, each
// looping take-next/process, coordinated with golang.org/x/sync/errgroup
// instead of a bare sync.WaitGroup so a worker's panic or the close
// deadline both surface through one error path.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scraperctl/scraperctl/clock"
	"github.com/scraperctl/scraperctl/request"
	"github.com/scraperctl/scraperctl/scrapererr"
)

// Dispatch is invoked by a worker for every Request it pops. The
// scheduler does not know about the request manager directly; the
// caller supplies this function at construction time to avoid an
// import cycle (the request manager is built on top of the scheduler,
// not the other way around).
type Dispatch func(ctx context.Context, req *request.Request)

// Observer receives the queued-request count (ready plus delayed)
// every time it changes, for metrics. A nil Observer is valid;
// Scheduler no-ops in that case.
type Observer interface {
	SetSchedulerPending(n int)
}

// Config configures a Scheduler.
type Config struct {
	// ConcurrentRequests is the worker pool size.
	ConcurrentRequests int
	// PendingRequests is the soft backpressure cap: Submit blocks once
	// this many Requests are queued (ready or delayed) but not yet
	// popped for dispatch. Zero means unbounded.
	PendingRequests int
	// ReadyQueueMaxSize is a hard cap on queued items; Submit fails
	// immediately once reached. Zero means unbounded.
	ReadyQueueMaxSize int
	Clock             clock.Clock
	Logger            *zap.Logger
	Observer          Observer
}

// Scheduler accepts Request submissions and dispatches them to a
// worker pool in priority order.
type Scheduler struct {
	cfg      Config
	clock    clock.Clock
	dispatch Dispatch
	log      *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	ready   readyHeap
	delayed delayedHeap
	seq     int64
	closed  bool

	pendingSem chan struct{}
	wakeCh     chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	group     *errgroup.Group
	moverDone chan struct{}
}

// New builds a Scheduler bound to dispatch and starts its worker pool
// and delayed-request mover immediately. ctx governs the scheduler's
// whole lifetime; canceling it is equivalent to an immediate Close.
func New(ctx context.Context, cfg Config, dispatch Dispatch) *Scheduler {
	if cfg.ConcurrentRequests <= 0 {
		cfg.ConcurrentRequests = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	var sem chan struct{}
	if cfg.PendingRequests > 0 {
		sem = make(chan struct{}, cfg.PendingRequests)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		cfg:        cfg,
		clock:      cfg.Clock,
		dispatch:   dispatch,
		log:        cfg.Logger,
		pendingSem: sem,
		wakeCh:     make(chan struct{}, 1),
		runCtx:     runCtx,
		runCancel:  cancel,
		moverDone:  make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	group, groupCtx := errgroup.WithContext(runCtx)
	s.group = group
	for i := 0; i < cfg.ConcurrentRequests; i++ {
		group.Go(func() error {
			s.runWorker(groupCtx)
			return nil
		})
	}
	go s.runMover()
	go func() {
		// Forced cancellation (Close past its timeout, or the caller's
		// own ctx ending) must wake every worker blocked in cond.Wait,
		// which Close's graceful path already does directly.
		<-runCtx.Done()
		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	return s
}

// Submit schedules req for priority-ordered dispatch, no earlier than
// req.NotBefore (immediately when it is zero or already past).
func (s *Scheduler) Submit(ctx context.Context, req *request.Request) error {
	return s.submit(ctx, req, req.NotBefore)
}

// SubmitAt schedules req to become eligible for dispatch no earlier
// than notBefore, which takes the place of req.NotBefore. A zero
// notBefore makes req eligible immediately.
func (s *Scheduler) SubmitAt(ctx context.Context, req *request.Request, notBefore time.Time) error {
	return s.submit(ctx, req, notBefore)
}

func (s *Scheduler) submit(ctx context.Context, req *request.Request, notBefore time.Time) error {
	if err := req.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return scrapererr.ErrShutdownInProgress
	}
	if s.cfg.ReadyQueueMaxSize > 0 && len(s.ready)+len(s.delayed) >= s.cfg.ReadyQueueMaxSize {
		s.mu.Unlock()
		return scrapererr.NewClientError("scheduler: ready queue is at capacity")
	}
	s.mu.Unlock()

	if s.pendingSem != nil {
		select {
		case s.pendingSem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if s.pendingSem != nil {
			<-s.pendingSem
		}
		return scrapererr.ErrShutdownInProgress
	}
	s.seq++
	pr := &pendingRequest{req: req, seq: s.seq, notBefore: notBefore}
	if notBefore.IsZero() || !notBefore.After(s.clock.Now()) {
		heap.Push(&s.ready, pr)
		s.cond.Broadcast()
	} else {
		heap.Push(&s.delayed, pr)
		select {
		case s.wakeCh <- struct{}{}:
		default:
		}
	}
	s.reportPending()
	s.mu.Unlock()
	return nil
}

// reportPending notifies the observer of the current ready+delayed
// count. Callers must hold s.mu.
func (s *Scheduler) reportPending() {
	if s.cfg.Observer != nil {
		s.cfg.Observer.SetSchedulerPending(len(s.ready) + len(s.delayed))
	}
}

func (s *Scheduler) runWorker(ctx context.Context) {
	for {
		pr, ok := s.takeNext(ctx)
		if !ok {
			return
		}
		if s.pendingSem != nil {
			<-s.pendingSem
		}
		if ctx.Err() != nil {
			// Exactly-one-dispatch: a worker cancelled between taking
			// the request and dispatching it drops the request rather
			// than risk a second hand had already started it.
			s.log.Debug("dropping request on cancellation", zap.String("url", pr.req.URL))
			return
		}
		s.dispatch(ctx, pr.req)
	}
}

func (s *Scheduler) takeNext(ctx context.Context) (*pendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if len(s.ready) > 0 {
			pr := heap.Pop(&s.ready).(*pendingRequest)
			s.reportPending()
			return pr, true
		}
		if s.closed || ctx.Err() != nil {
			return nil, false
		}
		s.cond.Wait()
	}
}

// runMover promotes delayed requests into the ready heap once due,
// mirroring _pop_due_delayed's poll loop but driven by a timer sized
// to the next deadline instead of a fixed tick.
func (s *Scheduler) runMover() {
	defer close(s.moverDone)
	for {
		s.mu.Lock()
		now := s.clock.Now()
		promoted := false
		for len(s.delayed) > 0 && !s.delayed[0].notBefore.After(now) {
			pr := heap.Pop(&s.delayed).(*pendingRequest)
			heap.Push(&s.ready, pr)
			promoted = true
		}
		if promoted {
			s.reportPending()
		}
		if len(s.ready) > 0 {
			s.cond.Broadcast()
		}
		var wait time.Duration
		// Once closing, any delayed request not yet due will never be
		// dispatched; stop promoting immediately rather than block
		// Close on a deadline that may be hours away.
		done := s.closed
		if len(s.delayed) > 0 {
			wait = s.delayed[0].notBefore.Sub(now)
			if wait < 0 {
				wait = 0
			}
		} else {
			wait = time.Hour
		}
		s.mu.Unlock()

		if done {
			return
		}

		select {
		case <-s.runCtx.Done():
			return
		case <-s.wakeCh:
		case <-s.clock.After(wait):
		}
	}
}

// Close stops accepting new submissions and waits up to timeout for
// in-flight and queued work to finish; remaining workers are then
// cancelled. Close is idempotent.
func (s *Scheduler) Close(timeout time.Duration) error {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	if alreadyClosed {
		<-s.moverDone
		return s.group.Wait()
	}

	select {
	case s.wakeCh <- struct{}{}:
	default:
	}

	doneCh := make(chan error, 1)
	go func() {
		<-s.moverDone
		doneCh <- s.group.Wait()
	}()

	select {
	case err := <-doneCh:
		return err
	case <-s.clock.After(timeout):
		s.runCancel()
		return <-doneCh
	}
}

// PendingLen reports the number of Requests currently queued (ready
// plus delayed, not counting in-flight dispatches). Intended for
// diagnostics.
func (s *Scheduler) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready) + len(s.delayed)
}
