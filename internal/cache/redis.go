package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTier stores entries in Redis as JSON payloads with a TTL.
type RedisTier struct {
	client *redis.Client
	prefix string
}

// NewRedisTier initializes a Redis-backed durable tier.
func NewRedisTier(addr, prefix string) *RedisTier {
	return &RedisTier{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
	}
}

// Ping verifies connectivity.
func (t *RedisTier) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (t *RedisTier) Close() error {
	return t.client.Close()
}

// Get reads the entry for key. The second return is false on absence.
func (t *RedisTier) Get(ctx context.Context, key string) (Entry, bool, error) {
	val, err := t.client.Get(ctx, t.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("redis get: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal cache entry: %w", err)
	}
	return entry, true, nil
}

// Set writes the entry under key. Redis expires the key itself as a backstop;
// the logical expiry lives in the entry.
func (t *RedisTier) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := t.client.Set(ctx, t.prefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes the key.
func (t *RedisTier) Delete(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, t.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
