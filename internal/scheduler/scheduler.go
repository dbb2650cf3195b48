// Package scheduler drives the durable job queue: it polls the store, claims
// eligible jobs, dispatches them to registered handlers, and applies the
// retry state machine with exponential backoff.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/IntelagentStudios/prospect-pipeline/internal/metrics"
	"github.com/IntelagentStudios/prospect-pipeline/internal/pipeline"
)

// Handler executes one claimed job and returns its result payload.
type Handler func(ctx context.Context, job pipeline.Job) (json.RawMessage, error)

// Config holds scheduler knobs.
type Config struct {
	PollInterval       time.Duration
	DefaultMaxAttempts int
	// CompletionTopic receives an event for every terminal job. Empty
	// disables publishing.
	CompletionTopic string
}

// EnqueueRequest describes a job submission.
type EnqueueRequest struct {
	Type         pipeline.JobType
	Payload      json.RawMessage
	Priority     int
	MaxAttempts  int
	ScheduledFor time.Time
}

// jobEvent is published when a job reaches a terminal state.
type jobEvent struct {
	JobID        string             `json:"job_id"`
	Type         pipeline.JobType   `json:"type"`
	Status       pipeline.JobStatus `json:"status"`
	ErrorMessage string             `json:"error_message,omitempty"`
	At           time.Time          `json:"at"`
}

// Scheduler owns the poll loop and the handler registry.
type Scheduler struct {
	cfg       Config
	store     pipeline.JobStore
	publisher pipeline.Publisher
	clock     pipeline.Clock
	ids       pipeline.IDGenerator
	logger    *zap.Logger

	mu       sync.RWMutex
	handlers map[pipeline.JobType]Handler

	stopped chan struct{}
	once    sync.Once
}

// New creates a Scheduler. The publisher may be nil.
func New(
	cfg Config,
	store pipeline.JobStore,
	publisher pipeline.Publisher,
	clock pipeline.Clock,
	ids pipeline.IDGenerator,
	logger *zap.Logger,
) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		logger:    logger,
		handlers:  make(map[pipeline.JobType]Handler),
		stopped:   make(chan struct{}),
	}
}

// Register binds a handler to a job type, replacing any previous binding.
func (s *Scheduler) Register(jobType pipeline.JobType, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = handler
}

// Enqueue persists a new pending job and returns it. Store failures pass
// through unchanged so callers can distinguish unavailability.
func (s *Scheduler) Enqueue(ctx context.Context, req EnqueueRequest) (pipeline.Job, error) {
	if req.Type == "" {
		return pipeline.Job{}, fmt.Errorf("job type is required")
	}
	id, err := s.ids.NewID()
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("generate job id: %w", err)
	}

	now := s.clock.Now()
	job := pipeline.Job{
		ID:           id,
		Type:         req.Type,
		Payload:      req.Payload,
		Priority:     req.Priority,
		Status:       pipeline.JobStatusPending,
		MaxAttempts:  req.MaxAttempts,
		ScheduledFor: req.ScheduledFor,
		CreatedAt:    now,
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = s.cfg.DefaultMaxAttempts
	}
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = now
	}

	if err := s.store.Enqueue(ctx, job); err != nil {
		return pipeline.Job{}, err
	}
	s.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Int("priority", job.Priority),
	)
	return job, nil
}

// Lookup returns a job by ID.
func (s *Scheduler) Lookup(ctx context.Context, jobID string) (pipeline.Job, error) {
	return s.store.Get(ctx, jobID)
}

// Run polls the store until the context is canceled or Stop is called. Each
// tick claims and executes at most one job; the single worker keeps the store
// ordering observable end to end. Store errors are logged and retried on the
// next tick; they never stop the loop.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("poll_interval", s.cfg.PollInterval))
	for {
		s.runOnce(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped", zap.String("reason", "context canceled"))
			return
		case <-s.stopped:
			s.logger.Info("scheduler stopped", zap.String("reason", "stop requested"))
			return
		case <-ticker.C:
		}
	}
}

// Stop signals Run to exit after in-flight jobs finish. Safe to call more
// than once.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopped) })
}

// PurgeOlderThan removes terminal jobs past the retention cutoff.
func (s *Scheduler) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return s.store.PurgeOlderThan(ctx, cutoff)
}

// runOnce claims and executes at most one eligible job. Dispatch is
// synchronous, so a claimed job is always run to an outcome before the loop
// regains control; shutdown can never strand a claimed job. It reports
// whether a job was claimed.
func (s *Scheduler) runOnce(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	job, err := s.store.ClaimNext(ctx, s.clock.Now())
	if errors.Is(err, pipeline.ErrNoEligibleJob) {
		return false
	}
	if err != nil {
		s.logger.Error("claim failed", zap.Error(err))
		return false
	}

	s.dispatch(ctx, job)
	return true
}

// dispatch runs one claimed job through its handler and records the outcome.
func (s *Scheduler) dispatch(ctx context.Context, job pipeline.Job) {
	s.mu.RLock()
	handler, ok := s.handlers[job.Type]
	s.mu.RUnlock()
	if !ok {
		// Unknown types can never succeed, so they fail without retries.
		s.finishFailed(ctx, job, fmt.Errorf("%w: %s", pipeline.ErrNoHandler, job.Type))
		return
	}

	metrics.ObserveJobAttempt(string(job.Type))
	s.logger.Info("job dispatched",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Int("attempt", job.Attempts),
		zap.Int("max_attempts", job.MaxAttempts),
	)

	result, err := s.invoke(ctx, handler, job)
	if err == nil {
		s.finishCompleted(ctx, job, result)
		return
	}
	if errors.Is(err, pipeline.ErrNoHandler) || job.Attempts >= job.MaxAttempts {
		s.finishFailed(ctx, job, err)
		return
	}

	delay := backoffDelay(job.Attempts)
	next := s.clock.Now().Add(delay)
	s.logger.Warn("job attempt failed, rescheduling",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
		zap.Duration("backoff", delay),
		zap.Error(err),
	)
	if rerr := s.store.Reschedule(ctx, job.ID, err.Error(), next); rerr != nil {
		s.logger.Error("reschedule failed", zap.String("job_id", job.ID), zap.Error(rerr))
	}
}

// invoke runs the handler with panic containment. A panicking handler fails
// the attempt instead of crashing the poll loop.
func (s *Scheduler) invoke(ctx context.Context, handler Handler, job pipeline.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			s.logger.Error("handler panicked",
				zap.String("job_id", job.ID),
				zap.String("type", string(job.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	return handler(ctx, job)
}

func (s *Scheduler) finishCompleted(ctx context.Context, job pipeline.Job, result json.RawMessage) {
	now := s.clock.Now()
	if err := s.store.Complete(ctx, job.ID, result, now); err != nil {
		s.logger.Error("complete failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.ObserveJobTerminal(string(job.Type), string(pipeline.JobStatusCompleted))
	s.logger.Info("job completed", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
	s.publishEvent(ctx, jobEvent{
		JobID:  job.ID,
		Type:   job.Type,
		Status: pipeline.JobStatusCompleted,
		At:     now,
	})
}

func (s *Scheduler) finishFailed(ctx context.Context, job pipeline.Job, cause error) {
	now := s.clock.Now()
	if err := s.store.Fail(ctx, job.ID, cause.Error(), now); err != nil {
		s.logger.Error("fail update failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.ObserveJobTerminal(string(job.Type), string(pipeline.JobStatusFailed))
	s.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Int("attempts", job.Attempts),
		zap.Error(cause),
	)
	s.publishEvent(ctx, jobEvent{
		JobID:        job.ID,
		Type:         job.Type,
		Status:       pipeline.JobStatusFailed,
		ErrorMessage: cause.Error(),
		At:           now,
	})
}

func (s *Scheduler) publishEvent(ctx context.Context, event jobEvent) {
	if s.publisher == nil || s.cfg.CompletionTopic == "" {
		return
	}
	if _, err := s.publisher.Publish(ctx, s.cfg.CompletionTopic, event); err != nil {
		s.logger.Warn("publish job event failed",
			zap.String("job_id", event.JobID),
			zap.Error(err),
		)
	}
}

// backoffDelay doubles per attempt: 2 minutes after the first failure, then
// 4, 8, and so on, capped at one day.
func backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 10 {
		attempts = 10
	}
	delay := time.Duration(1<<uint(attempts)) * time.Minute
	if delay > 24*time.Hour {
		delay = 24 * time.Hour
	}
	return delay
}
