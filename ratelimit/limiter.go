// Package ratelimit implements per-group request pacing with optional
// EWMA+AIMD adaptation, grounded on aioscraper's core/rate_limiter.py:
// a min-interval gate keyed by group, with an adaptive layer that
// widens the interval on failure signals and narrows it after a run
// of successes. JakeFAU's internal/policy/ratelimit/limiter.go supplies
// the per-key-map-plus-mutex structure this package follows, but its
// golang.org/x/time/rate token bucket is not reused here because the
// bucket's internal clock cannot be swapped for deterministic tests;
// the coarser per-host safety net in package httpclient reuses that
// idiom directly instead.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/scraperctl/scraperctl/clock"
	"github.com/scraperctl/scraperctl/request"
)

// GroupFunc maps a Request to the rate-limit group it belongs to and
// the base interval newly-seen groups start at.
type GroupFunc func(req *request.Request) (group string, baseInterval time.Duration)

// DefaultGroupFunc groups by URL host, using cfg's default interval
// for every group.
func DefaultGroupFunc(defaultInterval time.Duration) GroupFunc {
	return func(req *request.Request) (string, time.Duration) {
		return hostOf(req.URL), defaultInterval
	}
}

func hostOf(rawURL string) string {
	// Avoid a full net/url.Parse on the hot path; the scheme/path
	// content never changes the group, only the authority does.
	s := rawURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	return s
}

// AdaptiveConfig configures the EWMA+AIMD layer. Enabled=false keeps
// the limiter in fixed mode: every group's interval stays pinned at
// its base interval forever.
type AdaptiveConfig struct {
	Enabled           bool
	MinInterval       time.Duration
	MaxInterval       time.Duration
	IncreaseFactor    float64
	DecreaseStep      time.Duration
	SuccessThreshold  int
	EWMAAlpha         float64
	RespectRetryAfter bool
	FailureStatuses   map[int]bool
}

func (a AdaptiveConfig) clampInterval(i time.Duration) time.Duration {
	if i < a.MinInterval {
		return a.MinInterval
	}
	if a.MaxInterval > 0 && i > a.MaxInterval {
		return a.MaxInterval
	}
	return i
}

func (a AdaptiveConfig) isFailureStatus(status int) bool {
	if a.FailureStatuses == nil {
		return status == 429 || status == 500 || status == 502 || status == 503 || status == 504
	}
	return a.FailureStatuses[status]
}

// retryAfterCap is the hard ceiling on any Retry-After-derived delay,
// per the adaptive and retry backoff rules alike.
const retryAfterCap = 600 * time.Second

// Outcome reports the result of one dispatch for adaptation purposes.
type Outcome struct {
	StatusCode    int
	Failed        bool // set for transport/timeout errors with no status code
	Latency       time.Duration
	RetryAfter    time.Duration
	HasRetryAfter bool
}

// Observer receives one notification per Acquire call reporting how
// long it blocked, for metrics. A nil Observer is valid; Limiter
// no-ops in that case.
type Observer interface {
	ObserveRateLimitWait(group string, wait time.Duration)
}

// Config configures a Limiter.
type Config struct {
	DefaultInterval time.Duration
	GroupFunc       GroupFunc
	Adaptive        AdaptiveConfig
	CleanupTimeout  time.Duration
	SweepInterval   time.Duration
	Clock           clock.Clock
	Observer        Observer
}

type groupState struct {
	mu sync.Mutex

	interval           time.Duration
	lastDispatch       time.Time
	lastActivity       time.Time
	consecutiveSuccess int
	ewma               time.Duration
}

// Stats is a diagnostic snapshot of one group's adaptation state.
type Stats struct {
	Interval           time.Duration
	EWMALatency        time.Duration
	ConsecutiveSuccess int
}

// Limiter gates dispatches per group and adapts each group's interval
// from dispatch outcomes. The zero value is not usable; use New.
type Limiter struct {
	cfg   Config
	clock clock.Clock

	mu     sync.Mutex
	groups map[string]*groupState

	acquireCount uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Limiter from cfg, filling unset fields with defaults
// and starting the background eviction sweep.
func New(cfg Config) *Limiter {
	if cfg.GroupFunc == nil {
		cfg.GroupFunc = DefaultGroupFunc(cfg.DefaultInterval)
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	l := &Limiter{
		cfg:    cfg,
		clock:  cfg.Clock,
		groups: make(map[string]*groupState),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Close stops the background eviction sweep.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
}

func (l *Limiter) sweepLoop() {
	defer close(l.doneCh)
	for {
		select {
		case <-l.stopCh:
			return
		case <-l.clock.After(l.cfg.SweepInterval):
			l.sweepStale()
		}
	}
}

func (l *Limiter) sweepStale() {
	cutoff := l.clock.Now().Add(-l.cfg.CleanupTimeout)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, gs := range l.groups {
		gs.mu.Lock()
		stale := gs.lastActivity.Before(cutoff)
		gs.mu.Unlock()
		if stale {
			delete(l.groups, key)
		}
	}
}

func (l *Limiter) getOrCreate(group string, base time.Duration) *groupState {
	l.mu.Lock()
	defer l.mu.Unlock()
	gs, ok := l.groups[group]
	if !ok {
		gs = &groupState{interval: base}
		l.groups[group] = gs
	}
	return gs
}

// resolve applies per-request overrides on top of the configured group
// function. A non-empty RateLimitGroup annotation replaces the group
// key; a non-zero RateLimitInterval annotation overrides only the
// dispatch-time wait calculation, not the group's stored adapted
// interval (Open Question 1: adaptive updates still land on the group).
func (l *Limiter) resolve(req *request.Request) (group string, base time.Duration, overrideInterval time.Duration, hasOverride bool) {
	group, base = l.cfg.GroupFunc(req)
	if req.Annotations.RateLimitGroup != "" {
		group = req.Annotations.RateLimitGroup
	}
	if req.Annotations.RateLimitInterval > 0 {
		return group, base, req.Annotations.RateLimitInterval, true
	}
	return group, base, 0, false
}

// Acquire blocks until req's group permits a dispatch, then reserves
// the next slot. It returns the resolved group name so the caller can
// pass it back to ReportOutcome.
func (l *Limiter) Acquire(ctx context.Context, req *request.Request) (string, error) {
	group, base, overrideInterval, hasOverride := l.resolve(req)
	gs := l.getOrCreate(group, base)

	l.mu.Lock()
	l.acquireCount++
	due := l.acquireCount%64 == 0
	l.mu.Unlock()
	if due {
		l.sweepStale()
	}

	gs.mu.Lock()
	interval := gs.interval
	if hasOverride {
		interval = overrideInterval
	}
	now := l.clock.Now()
	wait := time.Duration(0)
	if interval > 0 {
		readyAt := gs.lastDispatch.Add(interval)
		if readyAt.After(now) {
			wait = readyAt.Sub(now)
		}
	}
	gs.lastDispatch = now.Add(wait)
	gs.lastActivity = now
	gs.mu.Unlock()

	if wait <= 0 {
		if l.cfg.Observer != nil {
			l.cfg.Observer.ObserveRateLimitWait(group, 0)
		}
		return group, nil
	}
	if err := l.clock.Sleep(ctx, wait); err != nil {
		return group, err
	}
	if l.cfg.Observer != nil {
		l.cfg.Observer.ObserveRateLimitWait(group, wait)
	}
	return group, nil
}

// ReportOutcome feeds a dispatch result into group's adaptation state.
// In fixed mode it only refreshes last-activity and the EWMA latency;
// the interval is left unchanged.
func (l *Limiter) ReportOutcome(group string, outcome Outcome) {
	gs := l.getOrCreate(group, l.cfg.DefaultInterval)
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.lastActivity = l.clock.Now()

	if outcome.Latency > 0 && !outcome.Failed && outcome.StatusCode < 400 {
		if gs.ewma == 0 {
			gs.ewma = outcome.Latency
		} else {
			alpha := l.cfg.Adaptive.EWMAAlpha
			if alpha <= 0 {
				alpha = 0.3
			}
			gs.ewma = time.Duration(alpha*float64(outcome.Latency) + (1-alpha)*float64(gs.ewma))
		}
	}

	if !l.cfg.Adaptive.Enabled {
		return
	}
	a := l.cfg.Adaptive

	switch {
	case a.RespectRetryAfter && outcome.HasRetryAfter && (outcome.StatusCode == 429 || outcome.StatusCode == 503):
		ra := outcome.RetryAfter
		if ra > retryAfterCap {
			ra = retryAfterCap
		}
		candidate := gs.interval
		if ra > candidate {
			candidate = ra
		}
		gs.interval = a.clampInterval(candidate)
		gs.consecutiveSuccess = 0

	case outcome.Failed || a.isFailureStatus(outcome.StatusCode):
		gs.interval = a.clampInterval(time.Duration(float64(gs.interval) * a.IncreaseFactor))
		gs.consecutiveSuccess = 0

	default:
		gs.consecutiveSuccess++
		threshold := a.SuccessThreshold
		if threshold <= 0 {
			threshold = 1
		}
		if gs.consecutiveSuccess >= threshold {
			gs.interval = a.clampInterval(gs.interval - a.DecreaseStep)
			gs.consecutiveSuccess = 0
		}
	}
}

// Stats returns a snapshot of group's adaptation state, if the group
// has been seen.
func (l *Limiter) Stats(group string) (Stats, bool) {
	l.mu.Lock()
	gs, ok := l.groups[group]
	l.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return Stats{
		Interval:           gs.interval,
		EWMALatency:        gs.ewma,
		ConsecutiveSuccess: gs.consecutiveSuccess,
	}, true
}
