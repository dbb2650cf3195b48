// Package cache implements the two-tier crawl result cache: a fast in-process
// tier in front of a durable tier that survives restarts. Entries expire
// lazily; a read past expiresAt is a miss and evicts the entry. The cache
// provides no single-flight guarantee, per-domain serialization in the
// admission controller covers that.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/IntelagentStudios/prospect-pipeline/internal/metrics"
	"github.com/IntelagentStudios/prospect-pipeline/internal/pipeline"
)

// Entry is the stored representation shared by both tiers.
type Entry struct {
	Value       []byte    `json:"value"`
	ExpiresAt   time.Time `json:"expires_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// Tier is the durable backing store behind the fast tier.
type Tier interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Cache layers a process-local map over a durable Tier.
type Cache struct {
	mu      sync.RWMutex
	fast    map[string]Entry
	durable Tier
	clock   pipeline.Clock
	logger  *zap.Logger
}

// New constructs a Cache. The durable tier may be nil, in which case the cache
// degrades to a single in-process tier.
func New(durable Tier, clock pipeline.Clock, logger *zap.Logger) *Cache {
	return &Cache{
		fast:    make(map[string]Entry),
		durable: durable,
		clock:   clock,
		logger:  logger,
	}
}

// Get returns the cached value or pipeline.ErrCacheMiss. Fresh durable hits
// are promoted into the fast tier.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	now := c.clock.Now()

	c.mu.RLock()
	entry, ok := c.fast[key]
	c.mu.RUnlock()
	if ok {
		if now.Before(entry.ExpiresAt) {
			metrics.ObserveCacheLookup("fast", "hit")
			return entry.Value, nil
		}
		metrics.ObserveCacheLookup("fast", "expired")
		c.evict(ctx, key)
		return nil, pipeline.ErrCacheMiss
	}
	metrics.ObserveCacheLookup("fast", "miss")

	if c.durable == nil {
		return nil, pipeline.ErrCacheMiss
	}

	entry, found, err := c.durable.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("durable tier get: %w", err)
	}
	if !found {
		metrics.ObserveCacheLookup("durable", "miss")
		return nil, pipeline.ErrCacheMiss
	}
	if !now.Before(entry.ExpiresAt) {
		metrics.ObserveCacheLookup("durable", "expired")
		if delErr := c.durable.Delete(ctx, key); delErr != nil {
			c.logger.Warn("evict expired durable entry failed", zap.String("key", key), zap.Error(delErr))
		}
		return nil, pipeline.ErrCacheMiss
	}
	metrics.ObserveCacheLookup("durable", "hit")

	c.mu.Lock()
	c.fast[key] = entry
	c.mu.Unlock()
	return entry.Value, nil
}

// Set writes the value to both tiers with expiresAt = now + ttl.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := c.clock.Now()
	entry := Entry{
		Value:       value,
		ExpiresAt:   now.Add(ttl),
		LastUpdated: now,
	}

	c.mu.Lock()
	c.fast[key] = entry
	c.mu.Unlock()

	if c.durable == nil {
		return nil
	}
	if err := c.durable.Set(ctx, key, entry, ttl); err != nil {
		return fmt.Errorf("durable tier set: %w", err)
	}
	return nil
}

// Invalidate removes the key from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.evict(ctx, key)
	return nil
}

// Flush clears the fast tier only; the durable tier persists across restarts.
func (c *Cache) Flush(_ context.Context) error {
	c.mu.Lock()
	c.fast = make(map[string]Entry)
	c.mu.Unlock()
	return nil
}

func (c *Cache) evict(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.fast, key)
	c.mu.Unlock()
	if c.durable == nil {
		return
	}
	if err := c.durable.Delete(ctx, key); err != nil {
		c.logger.Warn("durable tier delete failed", zap.String("key", key), zap.Error(err))
	}
}
