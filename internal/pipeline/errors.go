package pipeline

import "errors"

// Sentinel errors shared across subsystems.
var (
	// ErrStoreUnavailable signals that the backing store cannot be reached.
	// Callers decide whether to drop or retry; the scheduler never hides it.
	ErrStoreUnavailable = errors.New("job store unavailable")

	// ErrNoEligibleJob is returned by ClaimNext when nothing is ready.
	ErrNoEligibleJob = errors.New("no eligible job")

	// ErrJobNotFound is returned when a job ID is unknown.
	ErrJobNotFound = errors.New("job not found")

	// ErrNoHandler marks a dequeued job whose type has no registered handler.
	// Such jobs fail immediately and are not retried.
	ErrNoHandler = errors.New("no handler registered for job type")

	// ErrCacheMiss is returned by Cache.Get for absent or expired entries.
	ErrCacheMiss = errors.New("cache miss")
)
