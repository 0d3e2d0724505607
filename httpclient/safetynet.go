package httpclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SafetyNetConfig configures the coarse per-host limiter that sits in
// front of the transport regardless of what the engine's own adaptive
// rate limiter decides: a last-resort cap so a misconfigured scraper
// cannot hammer one host at unbounded concurrency.
type SafetyNetConfig struct {
	DefaultRPS      float64
	DefaultBurst    int
	CleanupInterval time.Duration
	IdleTimeout     time.Duration
}

type hostLimiter struct {
	limiter      *rate.Limiter
	lastActivity time.Time
}

// SafetyNet is a per-host token bucket built on golang.org/x/time/rate,
// adapted from JakeFAU's internal/policy/ratelimit/limiter.go. Unlike
// package ratelimit, it does not need a swappable clock: it is a fixed
// safety net, not something the adaptation or retry tests drive
// deterministically.
type SafetyNet struct {
	mu           sync.Mutex
	hosts        map[string]*hostLimiter
	defaultRate  rate.Limit
	defaultBurst int
	idleTimeout  time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSafetyNet builds a SafetyNet from cfg. A DefaultRPS of zero or
// below disables limiting (every host gets rate.Inf).
func NewSafetyNet(cfg SafetyNetConfig) *SafetyNet {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	cleanup := cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 10 * time.Minute
	}

	n := &SafetyNet{
		hosts:        make(map[string]*hostLimiter),
		defaultRate:  r,
		defaultBurst: burst,
		idleTimeout:  idle,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	go n.sweepLoop(cleanup)
	return n
}

// Wait blocks until a token is available for host, respecting ctx.
func (n *SafetyNet) Wait(ctx context.Context, host string) error {
	if host == "" {
		host = "unknown"
	}
	n.mu.Lock()
	hl, ok := n.hosts[host]
	if !ok {
		hl = &hostLimiter{limiter: rate.NewLimiter(n.defaultRate, n.defaultBurst)}
		n.hosts[host] = hl
	}
	hl.lastActivity = time.Now()
	n.mu.Unlock()

	if err := hl.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("safety net wait for %s: %w", host, err)
	}
	return nil
}

func (n *SafetyNet) sweepLoop(interval time.Duration) {
	defer close(n.doneCh)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-t.C:
			n.sweep()
		}
	}
}

func (n *SafetyNet) sweep() {
	cutoff := time.Now().Add(-n.idleTimeout)
	n.mu.Lock()
	defer n.mu.Unlock()
	for host, hl := range n.hosts {
		if hl.lastActivity.Before(cutoff) {
			delete(n.hosts, host)
		}
	}
}

// Close stops the background eviction sweep.
func (n *SafetyNet) Close() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	<-n.doneCh
}
