// Package retry implements the retry-on-failure exception middleware:
// it re-submits a failed Request with an incremented attempt counter
// after a computed backoff delay, then either lets the failure continue
// through the remaining exception middlewares or suppresses it.
// Grounded on aioscraper's middlewares/retry.py (the attempt-counter
// state key, the Retry-After/status/exception trigger conditions, the
// optional post-reenqueue StopRequestProcessing), with the backoff
// strategy choices and jitter implementation style following JakeFAU's
// internal/crawler/retry_policy.go (crypto/rand-bounded jitter,
// math.Pow exponential, a capped max delay).
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/scraperctl/scraperctl/clock"
	"github.com/scraperctl/scraperctl/middleware"
	"github.com/scraperctl/scraperctl/request"
	"github.com/scraperctl/scraperctl/scrapererr"
)

// Strategy selects the backoff formula applied to the attempt number
// about to be used (the first retry is attempt 1).
type Strategy int

const (
	// Constant always waits BaseDelay.
	Constant Strategy = iota
	// Linear waits BaseDelay*attempt.
	Linear
	// Exponential waits min(BaseDelay*2^attempt, MaxDelay).
	Exponential
	// ExponentialJitter computes the Exponential delay d, then waits
	// d/2 + a uniformly random value in [0, d/2).
	ExponentialJitter
)

// Submitter enqueues req directly with the scheduler, bypassing the
// outer-request middleware chain — the re-submission must preserve the
// original request identity rather than being treated as a fresh
// outer-processed submission. Declared locally (matching
// requestmgr.Submitter's shape) so this package has no import-cycle
// risk with requestmgr.
type Submitter func(ctx context.Context, req *request.Request) error

// Config configures the retry middleware.
type Config struct {
	Enabled     bool
	Attempts    int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Strategy    Strategy
	Statuses    map[int]bool      // trigger retry when an HTTPError carries one of these status codes
	Matchers    []func(error) bool // trigger retry when any matcher reports true for the failing error
	// StopProcessingAfterReenqueue suppresses the remaining exception
	// middlewares and the errback once a retry has been scheduled.
	StopProcessingAfterReenqueue bool
}

// Middleware is the exception-phase handler built from Config. Its
// Handle method satisfies middleware.ExceptionFunc.
type Middleware struct {
	cfg    Config
	submit Submitter
	clock  clock.Clock
	log    *zap.Logger
}

// New builds a retry Middleware. submit must enqueue directly with the
// scheduler (see Submitter).
func New(cfg Config, submit Submitter, clk clock.Clock, log *zap.Logger) *Middleware {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Attempts < 0 {
		cfg.Attempts = 0
	}
	if cfg.Enabled {
		log.Info("retry middleware enabled", zap.Int("attempts", cfg.Attempts), zap.Int("strategy", int(cfg.Strategy)))
	}
	return &Middleware{cfg: cfg, submit: submit, clock: clk, log: log}
}

// Register adds this middleware to h's exception phase at priority.
func (m *Middleware) Register(h *middleware.Holder, priority int) {
	h.RegisterException(priority, m.Handle)
}

// Handle implements middleware.ExceptionFunc: it re-submits req with an
// incremented attempt counter if the failure is retryable and attempts
// remain, otherwise it returns nil and lets the failure continue.
func (m *Middleware) Handle(ctx context.Context, req *request.Request, exc error) error {
	if !m.cfg.Enabled || !m.shouldRetry(exc) {
		return nil
	}
	if req.Annotations.Attempt >= m.cfg.Attempts {
		return nil
	}

	nextAttempt := req.Annotations.Attempt + 1
	delay := m.computeDelay(exc, nextAttempt)

	if err := m.clock.Sleep(ctx, delay); err != nil {
		return nil
	}

	retried := req.Clone()
	retried.Annotations.Attempt = nextAttempt
	if err := m.submit(ctx, retried); err != nil {
		m.log.Warn("retry re-submission failed", zap.Error(err), zap.String("url", req.URL))
		return nil
	}

	m.log.Debug("request scheduled for retry", zap.String("url", req.URL), zap.Int("attempt", nextAttempt), zap.Duration("delay", delay))
	if m.cfg.StopProcessingAfterReenqueue {
		return scrapererr.ErrStopRequestProcessing
	}
	return nil
}

func (m *Middleware) shouldRetry(exc error) bool {
	var httpErr *scrapererr.HTTPError
	if errors.As(exc, &httpErr) && len(m.cfg.Statuses) > 0 && m.cfg.Statuses[httpErr.StatusCode] {
		return true
	}
	for _, match := range m.cfg.Matchers {
		if match(exc) {
			return true
		}
	}
	return false
}

func (m *Middleware) computeDelay(exc error, attempt int) time.Duration {
	var httpErr *scrapererr.HTTPError
	if errors.As(exc, &httpErr) && httpErr.HasRetryAfter && (httpErr.StatusCode == 429 || httpErr.StatusCode == 503) {
		ra := httpErr.RetryAfter
		const cap_ = 600 * time.Second
		if ra > cap_ {
			ra = cap_
		}
		return ra
	}
	return m.backoff(attempt)
}

func (m *Middleware) backoff(attempt int) time.Duration {
	switch m.cfg.Strategy {
	case Linear:
		return m.cfg.BaseDelay * time.Duration(attempt)
	case Exponential:
		return m.capExponential(attempt)
	case ExponentialJitter:
		d := m.capExponential(attempt)
		return d/2 + jitter(d/2)
	default: // Constant
		return m.cfg.BaseDelay
	}
}

func (m *Middleware) capExponential(attempt int) time.Duration {
	delay := float64(m.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if m.cfg.MaxDelay > 0 && delay > float64(m.cfg.MaxDelay) {
		delay = float64(m.cfg.MaxDelay)
	}
	return time.Duration(delay)
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
