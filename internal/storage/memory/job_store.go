// Package memory provides in-memory storage implementations for development
// and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IntelagentStudios/prospect-pipeline/internal/pipeline"
)

// JobStore is a mutex-guarded in-memory pipeline.JobStore.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]pipeline.Job
}

// NewJobStore creates an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]pipeline.Job)}
}

// Enqueue stores a new job. Duplicate IDs are rejected.
func (s *JobStore) Enqueue(_ context.Context, job pipeline.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// ClaimNext atomically selects the best eligible job and marks it processing.
// Eligible means pending, due, and under its attempt budget. Higher priority
// wins; ties go to the earlier scheduled time.
func (s *JobStore) ClaimNext(_ context.Context, now time.Time) (pipeline.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		bestID string
		best   pipeline.Job
		found  bool
	)
	for id, job := range s.jobs {
		if job.Status != pipeline.JobStatusPending {
			continue
		}
		if job.ScheduledFor.After(now) {
			continue
		}
		if job.Attempts >= job.MaxAttempts {
			continue
		}
		if !found || betterCandidate(job, best) {
			bestID, best, found = id, job, true
		}
	}
	if !found {
		return pipeline.Job{}, pipeline.ErrNoEligibleJob
	}

	started := now
	best.Status = pipeline.JobStatusProcessing
	best.Attempts++
	best.StartedAt = &started
	s.jobs[bestID] = best
	return best, nil
}

// Complete marks a processing job completed and records its result.
func (s *JobStore) Complete(_ context.Context, jobID string, result json.RawMessage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.ErrJobNotFound
	}
	job.Status = pipeline.JobStatusCompleted
	job.Result = result
	job.ErrorMessage = ""
	job.CompletedAt = &at
	s.jobs[jobID] = job
	return nil
}

// Fail marks a job failed and records the final error.
func (s *JobStore) Fail(_ context.Context, jobID string, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.ErrJobNotFound
	}
	job.Status = pipeline.JobStatusFailed
	job.ErrorMessage = errMsg
	job.CompletedAt = &at
	s.jobs[jobID] = job
	return nil
}

// Reschedule returns a job to pending with a new due time, keeping the last
// error text for visibility.
func (s *JobStore) Reschedule(_ context.Context, jobID string, errMsg string, scheduledFor time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.ErrJobNotFound
	}
	job.Status = pipeline.JobStatusPending
	job.ErrorMessage = errMsg
	job.ScheduledFor = scheduledFor
	job.StartedAt = nil
	s.jobs[jobID] = job
	return nil
}

// Get returns a job by ID.
func (s *JobStore) Get(_ context.Context, jobID string) (pipeline.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.Job{}, pipeline.ErrJobNotFound
	}
	return job, nil
}

// PurgeOlderThan deletes terminal jobs whose completion predates the cutoff.
func (s *JobStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if !job.Terminal() || job.CompletedAt == nil {
			continue
		}
		if job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func betterCandidate(a, b pipeline.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ScheduledFor.Before(b.ScheduledFor)
}
