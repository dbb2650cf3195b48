// Package admission bounds concurrent and per-second fetch issuance, globally
// and per target domain. Per-domain serialization encodes politeness; the
// global ceiling encodes overall fetch capacity independent of how many
// domains are active.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/IntelagentStudios/prospect-pipeline/internal/metrics"
	"github.com/IntelagentStudios/prospect-pipeline/internal/pipeline"
)

// Config holds admission controller knobs.
type Config struct {
	// MaxConcurrent is the global in-flight ceiling across all domains.
	MaxConcurrent int
	// GlobalRPS paces request issuance across all domains.
	GlobalRPS float64
	// Burst is the global short-burst allowance (tokens above steady state).
	Burst int
	// PerDomainRPS paces dispatches within one domain; at most one task is
	// ever in flight per domain regardless of this value.
	PerDomainRPS float64
}

// Task is one unit of admitted work.
type Task func(ctx context.Context) error

// Controller schedules tasks under the configured limits.
type Controller struct {
	cfg      Config
	global   *rate.Limiter
	slots    chan struct{}
	clock    pipeline.Clock
	logger   *zap.Logger
	inflight sync.WaitGroup

	mu      sync.Mutex
	domains map[string]*domainQueue

	pauseMu  sync.Mutex
	resumeCh chan struct{}
}

// domainQueue serializes same-domain tasks and records dispatch times.
type domainQueue struct {
	slot chan struct{}

	mu           sync.Mutex
	lastDispatch time.Time
	recent       []time.Time
}

// recentRetention bounds how far back dispatch timestamps are kept for
// RecentCount. Counts for windows longer than this are truncated to it.
const recentRetention = time.Hour

// New creates a Controller.
func New(cfg Config, clock pipeline.Clock, logger *zap.Logger) *Controller {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Limit(cfg.GlobalRPS)
	if cfg.GlobalRPS <= 0 {
		limit = rate.Inf
	}
	return &Controller{
		cfg:     cfg,
		global:  rate.NewLimiter(limit, cfg.Burst),
		slots:   make(chan struct{}, cfg.MaxConcurrent),
		clock:   clock,
		logger:  logger,
		domains: make(map[string]*domainQueue),
	}
}

// RunUnderLimit executes task for the given domain once the per-domain queue,
// the global budget, and the global concurrency ceiling all admit it. The
// task's result is returned as-is: failures are neither suppressed nor
// retried here.
func (c *Controller) RunUnderLimit(ctx context.Context, domain string, task Task) error {
	c.inflight.Add(1)
	defer c.inflight.Done()

	if err := c.waitResumed(ctx); err != nil {
		return err
	}

	dq := c.domain(domain)
	waitStart := c.clock.Now()

	// Per-domain slot: at most one in-flight task for this domain.
	select {
	case <-ctx.Done():
		return fmt.Errorf("admission canceled: %w", ctx.Err())
	case dq.slot <- struct{}{}:
	}
	defer func() { <-dq.slot }()

	if err := c.waitSpacing(ctx, dq); err != nil {
		return err
	}
	if err := c.global.Wait(ctx); err != nil {
		return fmt.Errorf("global rate wait: %w", err)
	}

	// Global concurrency ceiling.
	select {
	case <-ctx.Done():
		return fmt.Errorf("admission canceled: %w", ctx.Err())
	case c.slots <- struct{}{}:
	}
	defer func() { <-c.slots }()

	now := c.clock.Now()
	dq.recordDispatch(now)
	if delay := now.Sub(waitStart); delay > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, delay)
	}

	return task(ctx)
}

// RecentCount returns how many dispatches happened for domain within the
// trailing window, capped at recentRetention; a window beyond that horizon
// counts only the retained hour. Used by callers for diagnostics and
// backpressure.
func (c *Controller) RecentCount(domain string, window time.Duration) int {
	c.mu.Lock()
	dq, ok := c.domains[domain]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	cutoff := c.clock.Now().Add(-window)
	dq.mu.Lock()
	defer dq.mu.Unlock()
	count := 0
	for _, ts := range dq.recent {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}

// Drain blocks until all currently queued and in-flight tasks complete.
func (c *Controller) Drain() {
	c.inflight.Wait()
}

// Pause stops issuing new dispatches without discarding queued tasks.
func (c *Controller) Pause() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	if c.resumeCh == nil {
		c.resumeCh = make(chan struct{})
	}
}

// Resume lifts a Pause.
func (c *Controller) Resume() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	if c.resumeCh != nil {
		close(c.resumeCh)
		c.resumeCh = nil
	}
}

// ClearIdle drops per-domain queues with no dispatch since the given age.
func (c *Controller) ClearIdle(olderThan time.Duration) int {
	cutoff := c.clock.Now().Add(-olderThan)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, dq := range c.domains {
		dq.mu.Lock()
		idle := dq.lastDispatch.Before(cutoff)
		dq.mu.Unlock()
		if !idle {
			continue
		}
		select {
		case dq.slot <- struct{}{}:
			// Queue is empty; safe to drop.
			<-dq.slot
			delete(c.domains, key)
			removed++
		default:
			// A task holds the slot; keep the queue.
		}
	}
	if removed > 0 {
		c.logger.Debug("cleared idle domain queues", zap.Int("removed", removed))
	}
	return removed
}

func (c *Controller) domain(key string) *domainQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	dq, ok := c.domains[key]
	if !ok {
		dq = &domainQueue{slot: make(chan struct{}, 1)}
		c.domains[key] = dq
	}
	return dq
}

// waitSpacing enforces the 1/PerDomainRPS gap between same-domain dispatches.
// The caller holds the domain slot, so lastDispatch is stable here.
func (c *Controller) waitSpacing(ctx context.Context, dq *domainQueue) error {
	if c.cfg.PerDomainRPS <= 0 {
		return nil
	}
	spacing := time.Duration(float64(time.Second) / c.cfg.PerDomainRPS)

	dq.mu.Lock()
	last := dq.lastDispatch
	dq.mu.Unlock()
	if last.IsZero() {
		return nil
	}
	wait := spacing - c.clock.Now().Sub(last)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("admission canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (c *Controller) waitResumed(ctx context.Context) error {
	for {
		c.pauseMu.Lock()
		ch := c.resumeCh
		c.pauseMu.Unlock()
		if ch == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("admission canceled: %w", ctx.Err())
		case <-ch:
		}
	}
}

func (dq *domainQueue) recordDispatch(now time.Time) {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	dq.lastDispatch = now
	cutoff := now.Add(-recentRetention)
	kept := dq.recent[:0]
	for _, ts := range dq.recent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	dq.recent = append(kept, now)
}
