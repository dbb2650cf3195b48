package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryTier is an in-memory durable-tier stand-in for development/testing.
type MemoryTier struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryTier constructs a MemoryTier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{entries: make(map[string]Entry)}
}

// Get returns the entry for key if present.
func (t *MemoryTier) Get(_ context.Context, key string) (Entry, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[key]
	return entry, ok, nil
}

// Set stores the entry under key.
func (t *MemoryTier) Set(_ context.Context, key string, entry Entry, _ time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = entry
	return nil
}

// Delete removes the key.
func (t *MemoryTier) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
	return nil
}
