package pipeline

import (
	"context"
	"encoding/json"
	"time"
)

// JobStore persists jobs and provides the transactional claim used by the
// scheduler. ClaimNext must be atomic: two concurrent callers never receive
// the same job.
type JobStore interface {
	Enqueue(ctx context.Context, job Job) error
	// ClaimNext returns the highest-priority pending job with
	// scheduledFor <= now and attempts < maxAttempts, marks it processing,
	// increments attempts and sets startedAt. ErrNoEligibleJob when idle.
	ClaimNext(ctx context.Context, now time.Time) (Job, error)
	Complete(ctx context.Context, jobID string, result json.RawMessage, at time.Time) error
	Fail(ctx context.Context, jobID string, errMsg string, at time.Time) error
	// Reschedule returns a processing job to pending with a new scheduledFor,
	// keeping the error text for visibility.
	Reschedule(ctx context.Context, jobID string, errMsg string, scheduledFor time.Time) error
	Get(ctx context.Context, jobID string) (Job, error)
	// PurgeOlderThan deletes terminal jobs whose completedAt predates the
	// cutoff and returns the number removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Cache is the two-tier key/value store consulted before crawling.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
	Flush(ctx context.Context) error
}

// Fetcher fetches a URL and returns the body plus metadata. The proxy field of
// the request, when set, selects the outbound identity for this fetch only.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// SnapshotStore writes raw page bodies and returns a URI.
type SnapshotStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes job completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Enricher is the opaque third-party enrichment boundary invoked by job
// handlers. Implementations call external APIs and are outside this core.
type Enricher interface {
	Enrich(ctx context.Context, domain string, fields ExtractedFields) (json.RawMessage, error)
}

// Hasher computes digests for snapshot deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
