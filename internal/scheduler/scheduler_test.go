package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/IntelagentStudios/prospect-pipeline/internal/pipeline"
	"github.com/IntelagentStudios/prospect-pipeline/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%04d", g.n), nil
}

type capturingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []jobEvent
}

func (p *capturingPublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	var event jobEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, event)
	return fmt.Sprintf("msg-%d", len(p.events)), nil
}

func (p *capturingPublisher) last(t *testing.T) jobEvent {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.events)
	return p.events[len(p.events)-1]
}

func newTestScheduler(store pipeline.JobStore, publisher pipeline.Publisher, clock pipeline.Clock) *Scheduler {
	return New(Config{
		PollInterval:       10 * time.Millisecond,
		DefaultMaxAttempts: 3,
		CompletionTopic:    "job-events",
	}, store, publisher, clock, &seqIDs{}, zap.NewNop())
}

// runPending executes eligible jobs one at a time until the store is idle.
func runPending(s *Scheduler) {
	for s.runOnce(context.Background()) {
	}
}

func TestEnqueueAppliesDefaults(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now().UTC()}
	store := memory.NewJobStore()
	s := newTestScheduler(store, nil, clock)

	job, err := s.Enqueue(context.Background(), EnqueueRequest{
		Type:    pipeline.JobTypeCrawlDomain,
		Payload: json.RawMessage(`{"domain":"example.com"}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Equal(t, pipeline.JobStatusPending, job.Status)
	require.Equal(t, 3, job.MaxAttempts)
	require.True(t, job.ScheduledFor.Equal(clock.Now()))

	stored, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, stored.ID)
}

func TestEnqueueRequiresType(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now().UTC()}
	s := newTestScheduler(memory.NewJobStore(), nil, clock)

	_, err := s.Enqueue(context.Background(), EnqueueRequest{})
	require.Error(t, err)
}

func TestDispatchCompletesJobAndPublishes(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now().UTC()}
	store := memory.NewJobStore()
	publisher := &capturingPublisher{}
	s := newTestScheduler(store, publisher, clock)
	s.Register(pipeline.JobTypeCrawlDomain, func(_ context.Context, _ pipeline.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"total_pages":4}`), nil
	})

	job, err := s.Enqueue(context.Background(), EnqueueRequest{Type: pipeline.JobTypeCrawlDomain})
	require.NoError(t, err)

	runPending(s)

	stored, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusCompleted, stored.Status)
	require.JSONEq(t, `{"total_pages":4}`, string(stored.Result))

	event := publisher.last(t)
	require.Equal(t, job.ID, event.JobID)
	require.Equal(t, pipeline.JobStatusCompleted, event.Status)
}

func TestFailedAttemptReschedulesWithBackoff(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now().UTC()}
	store := memory.NewJobStore()
	s := newTestScheduler(store, nil, clock)
	s.Register(pipeline.JobTypeCrawlDomain, func(_ context.Context, _ pipeline.Job) (json.RawMessage, error) {
		return nil, fmt.Errorf("upstream timeout")
	})

	job, err := s.Enqueue(context.Background(), EnqueueRequest{Type: pipeline.JobTypeCrawlDomain})
	require.NoError(t, err)

	runPending(s)

	stored, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusPending, stored.Status)
	require.Equal(t, 1, stored.Attempts)
	require.Equal(t, "upstream timeout", stored.ErrorMessage)
	// First failure backs off two minutes.
	require.True(t, stored.ScheduledFor.Equal(clock.Now().Add(2*time.Minute)))
}

func TestJobFailsAfterExhaustingAttempts(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now().UTC()}
	store := memory.NewJobStore()
	publisher := &capturingPublisher{}
	s := newTestScheduler(store, publisher, clock)
	s.Register(pipeline.JobTypeCrawlDomain, func(_ context.Context, _ pipeline.Job) (json.RawMessage, error) {
		return nil, fmt.Errorf("always broken")
	})

	job, err := s.Enqueue(context.Background(), EnqueueRequest{
		Type:        pipeline.JobTypeCrawlDomain,
		MaxAttempts: 2,
	})
	require.NoError(t, err)

	// Attempt 1 reschedules, attempt 2 is final.
	runPending(s)
	clock.Advance(3 * time.Minute)
	runPending(s)

	stored, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusFailed, stored.Status)
	require.Equal(t, 2, stored.Attempts)
	require.Equal(t, "always broken", stored.ErrorMessage)

	event := publisher.last(t)
	require.Equal(t, pipeline.JobStatusFailed, event.Status)
	require.Equal(t, "always broken", event.ErrorMessage)
}

func TestUnknownJobTypeFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now().UTC()}
	store := memory.NewJobStore()
	s := newTestScheduler(store, nil, clock)

	job, err := s.Enqueue(context.Background(), EnqueueRequest{Type: pipeline.JobType("mystery")})
	require.NoError(t, err)

	runPending(s)

	stored, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusFailed, stored.Status)
	require.Contains(t, stored.ErrorMessage, "no handler registered")
	require.Equal(t, 1, stored.Attempts)
}

func TestHandlerPanicFailsTheAttempt(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now().UTC()}
	store := memory.NewJobStore()
	s := newTestScheduler(store, nil, clock)
	s.Register(pipeline.JobTypeEnrichLead, func(_ context.Context, _ pipeline.Job) (json.RawMessage, error) {
		panic("nil dereference in enrichment")
	})

	job, err := s.Enqueue(context.Background(), EnqueueRequest{Type: pipeline.JobTypeEnrichLead})
	require.NoError(t, err)

	runPending(s)

	stored, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusPending, stored.Status, "a panic consumes the attempt, not the job")
	require.Contains(t, stored.ErrorMessage, "handler panic")
}

func TestHigherPriorityJobRunsFirst(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now().UTC()}
	store := memory.NewJobStore()
	s := New(Config{
		PollInterval:       10 * time.Millisecond,
		DefaultMaxAttempts: 3,
	}, store, nil, clock, &seqIDs{}, zap.NewNop())

	var (
		mu    sync.Mutex
		order []string
	)
	s.Register(pipeline.JobTypeCrawlDomain, func(_ context.Context, job pipeline.Job) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		return nil, nil
	})

	low, err := s.Enqueue(context.Background(), EnqueueRequest{Type: pipeline.JobTypeCrawlDomain, Priority: 1})
	require.NoError(t, err)
	high, err := s.Enqueue(context.Background(), EnqueueRequest{Type: pipeline.JobTypeCrawlDomain, Priority: 9})
	require.NoError(t, err)

	runPending(s)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{high.ID, low.ID}, order)
}

func TestRunOnceClaimsAtMostOneJob(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now().UTC()}
	store := memory.NewJobStore()
	s := newTestScheduler(store, nil, clock)

	calls := 0
	s.Register(pipeline.JobTypeCrawlDomain, func(_ context.Context, _ pipeline.Job) (json.RawMessage, error) {
		calls++
		return nil, nil
	})

	for i := 0; i < 2; i++ {
		_, err := s.Enqueue(context.Background(), EnqueueRequest{Type: pipeline.JobTypeCrawlDomain})
		require.NoError(t, err)
	}

	require.True(t, s.runOnce(context.Background()))
	require.Equal(t, 1, calls, "one loop iteration executes exactly one job")
	require.True(t, s.runOnce(context.Background()))
	require.False(t, s.runOnce(context.Background()), "an idle store claims nothing")
	require.Equal(t, 2, calls)
}

func TestStopLetsInFlightJobFinish(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now().UTC()}
	store := memory.NewJobStore()
	s := newTestScheduler(store, nil, clock)

	started := make(chan struct{})
	release := make(chan struct{})
	s.Register(pipeline.JobTypeCrawlDomain, func(_ context.Context, _ pipeline.Job) (json.RawMessage, error) {
		close(started)
		<-release
		return json.RawMessage(`{}`), nil
	})

	job, err := s.Enqueue(context.Background(), EnqueueRequest{Type: pipeline.JobTypeCrawlDomain})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}
	s.Stop()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	stored, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusCompleted, stored.Status)
	require.Equal(t, 1, stored.Attempts, "shutdown consumes no extra attempts")
}

func TestRunStopsOnStop(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now().UTC()}
	s := newTestScheduler(memory.NewJobStore(), nil, clock)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	s.Stop()
	s.Stop() // idempotent

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestBackoffDelayDoubles(t *testing.T) {
	t.Parallel()

	require.Equal(t, 2*time.Minute, backoffDelay(1))
	require.Equal(t, 4*time.Minute, backoffDelay(2))
	require.Equal(t, 8*time.Minute, backoffDelay(3))
	require.Equal(t, 2*time.Minute, backoffDelay(0))
	require.Equal(t, 17*time.Hour+4*time.Minute, backoffDelay(99))
}
