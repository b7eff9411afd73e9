package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/ringforge/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// gate blocks every job until released.
type gate struct {
	started chan string
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan string, 16), release: make(chan struct{})}
}

func (g *gate) Execute(ctx context.Context, input any, r domain.ProgressReporter) (any, error) {
	g.started <- fmt.Sprint(input)
	<-g.release
	return map[string]any{"echo": input}, nil
}

func newTestManager(t *testing.T, opts Options, exec Executor) *Manager {
	t.Helper()
	m := NewManager(opts, exec)
	t.Cleanup(m.Stop)
	return m
}

func waitStarted(t *testing.T, g *gate) string {
	t.Helper()
	select {
	case id := <-g.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("job did not start")
		return ""
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	m := newTestManager(t, Options{MaxConcurrentJobs: 1, MaxQueueSize: 1}, newGate())

	_, err := m.Submit(context.Background(), "", "first")
	require.NoError(t, err)

	_, err = m.Submit(context.Background(), "", "second")
	assert.ErrorIs(t, err, domain.ErrQueueFull)
	assert.Equal(t, 1, m.Stats().QueueSize)
}

func TestQueueFullIsIndependentOfRunningJobs(t *testing.T) {
	g := newGate()
	m := newTestManager(t, Options{MaxConcurrentJobs: 1, MaxQueueSize: 1}, g)
	m.Start(context.Background())
	defer close(g.release)

	_, err := m.Submit(context.Background(), "run", "run")
	require.NoError(t, err)
	waitStarted(t, g)

	_, err = m.Submit(context.Background(), "wait", "wait")
	require.NoError(t, err)

	_, err = m.Submit(context.Background(), "reject", "reject")
	assert.ErrorIs(t, err, domain.ErrQueueFull)

	stats := m.Stats()
	assert.Equal(t, 1, stats.RunningJobs)
	assert.Equal(t, 1, stats.QueueSize)
	assert.Equal(t, 2, stats.ActiveJobs)
}

func TestSubmitDuplicateID(t *testing.T) {
	m := newTestManager(t, Options{MaxQueueSize: 4}, newGate())

	rec, err := m.Submit(context.Background(), "req-1", "x")
	require.NoError(t, err)
	assert.Equal(t, "req-1", rec.ID)
	assert.Equal(t, domain.JobStatusQueued, rec.Status)

	_, err = m.Submit(context.Background(), "req-1", "y")
	assert.ErrorIs(t, err, domain.ErrDuplicateJob)
}

func TestJobSucceeds(t *testing.T) {
	g := newGate()
	m := newTestManager(t, Options{MaxConcurrentJobs: 2, MaxQueueSize: 4}, g)
	m.Start(context.Background())

	rec, err := m.Submit(context.Background(), "", "ring")
	require.NoError(t, err)
	waitStarted(t, g)

	running, err := m.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, running.Status)
	assert.NotNil(t, running.StartedAt)
	assert.Nil(t, running.FinishedAt)

	close(g.release)
	done, err := m.Wait(context.Background(), rec.ID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, map[string]any{"echo": "ring"}, done.Result)
	assert.NotNil(t, done.FinishedAt)
	assert.Nil(t, done.Error)
}

func TestCancelQueuedJobNeverRuns(t *testing.T) {
	g := newGate()
	m := newTestManager(t, Options{MaxConcurrentJobs: 1, MaxQueueSize: 4}, g)
	m.Start(context.Background())

	first, err := m.Submit(context.Background(), "", "first")
	require.NoError(t, err)
	waitStarted(t, g)

	second, err := m.Submit(context.Background(), "", "second")
	require.NoError(t, err)

	rec, err := m.Cancel(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, rec.Status)
	assert.NotNil(t, rec.FinishedAt)
	assert.Equal(t, 0, m.Stats().QueueSize)

	close(g.release)
	_, err = m.Wait(context.Background(), first.ID, 2*time.Second)
	require.NoError(t, err)

	select {
	case id := <-g.started:
		t.Fatalf("cancelled job %s was executed", id)
	case <-time.After(50 * time.Millisecond):
	}

	rec, err = m.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, rec.Status)
}

func TestCancelFreesQueueSlotAtomically(t *testing.T) {
	m := newTestManager(t, Options{MaxConcurrentJobs: 1, MaxQueueSize: 1}, newGate())

	queued, err := m.Submit(context.Background(), "", "first")
	require.NoError(t, err)

	// while admission is busy the cancel must not flip the record alone
	m.submitMu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Cancel(context.Background(), queued.ID)
	}()
	assert.Never(t, func() bool {
		rec, _ := m.Get(queued.ID)
		return rec.Status == domain.JobStatusCancelled
	}, 50*time.Millisecond, 5*time.Millisecond)
	m.submitMu.Unlock()
	<-done

	rec, err := m.Get(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, rec.Status)

	_, err = m.Submit(context.Background(), "", "second")
	require.NoError(t, err)
}

func TestCancelRunningJobIsRefused(t *testing.T) {
	g := newGate()
	m := newTestManager(t, Options{MaxConcurrentJobs: 1, MaxQueueSize: 4}, g)
	m.Start(context.Background())

	rec, err := m.Submit(context.Background(), "", "busy")
	require.NoError(t, err)
	waitStarted(t, g)

	view, err := m.Cancel(context.Background(), rec.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
	assert.Equal(t, domain.JobStatusRunning, view.Status)

	close(g.release)
	done, err := m.Wait(context.Background(), rec.ID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, done.Status)

	// terminal jobs: cancel is a no-op
	view, err = m.Cancel(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, view.Status)
}

func TestCancelUnknownJob(t *testing.T) {
	m := newTestManager(t, Options{}, newGate())
	_, err := m.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	_, err = m.Get("nope")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestFailedJobKeepsPartialResultAndKind(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, input any, r domain.ProgressReporter) (any, error) {
		r.Attempt(domain.RetryAttempt{AttemptNumber: 1, ErrorSummary: "boom"})
		return "partial", fmt.Errorf("render loop: %w", domain.ErrBudgetExceeded)
	})
	m := newTestManager(t, Options{MaxConcurrentJobs: 1, MaxQueueSize: 2}, exec)
	m.Start(context.Background())

	rec, err := m.Submit(context.Background(), "", nil)
	require.NoError(t, err)

	done, err := m.Wait(context.Background(), rec.ID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, done.Status)
	assert.Equal(t, "partial", done.Result)
	require.NotNil(t, done.Error)
	assert.Equal(t, domain.ErrorKindBudgetExceeded, done.Error.Kind)
	assert.Equal(t, 500, done.Error.StatusCode)
	assert.Len(t, done.RetryLog, 1)
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, input any, r domain.ProgressReporter) (any, error) {
		if input == "panic" {
			panic("kaboom")
		}
		return "ok", nil
	})
	m := newTestManager(t, Options{MaxConcurrentJobs: 1, MaxQueueSize: 4}, exec)
	m.Start(context.Background())

	bad, err := m.Submit(context.Background(), "", "panic")
	require.NoError(t, err)
	good, err := m.Submit(context.Background(), "", "fine")
	require.NoError(t, err)

	rec, err := m.Wait(context.Background(), bad.ID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, rec.Status)
	assert.Contains(t, rec.Error.Message, "kaboom")

	rec, err = m.Wait(context.Background(), good.ID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, rec.Status)
}

func TestProgressIsMonotonic(t *testing.T) {
	steps := make(chan struct{})
	seen := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, input any, r domain.ProgressReporter) (any, error) {
		r.Progress("Generating", 40)
		seen <- struct{}{}
		<-steps
		r.Progress("Rendering", 20)
		seen <- struct{}{}
		<-steps
		return nil, nil
	})
	m := newTestManager(t, Options{MaxConcurrentJobs: 1, MaxQueueSize: 1}, exec)
	m.Start(context.Background())

	rec, err := m.Submit(context.Background(), "", nil)
	require.NoError(t, err)

	<-seen
	v, _ := m.Get(rec.ID)
	assert.Equal(t, 40, v.Progress)

	steps <- struct{}{}
	<-seen
	v, _ = m.Get(rec.ID)
	assert.Equal(t, 40, v.Progress)
	assert.Equal(t, "Rendering", v.Detail)

	steps <- struct{}{}
	_, err = m.Wait(context.Background(), rec.ID, 2*time.Second)
	require.NoError(t, err)
}

func TestWaitTimeoutLeavesJobRunning(t *testing.T) {
	g := newGate()
	m := newTestManager(t, Options{MaxConcurrentJobs: 1, MaxQueueSize: 1}, g)
	m.Start(context.Background())

	rec, err := m.Submit(context.Background(), "", "slow")
	require.NoError(t, err)
	waitStarted(t, g)

	view, err := m.Wait(context.Background(), rec.ID, 20*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, domain.JobStatusRunning, view.Status)

	close(g.release)
	view, err = m.Wait(context.Background(), rec.ID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, view.Status)
}

func TestCleanupHonorsTTL(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Options{MaxQueueSize: 4, FinishedJobTTL: time.Minute, MaxJobRecords: 10}, newGate())
	m.now = clock.Now

	rec, err := m.Submit(context.Background(), "", nil)
	require.NoError(t, err)
	_, err = m.Cancel(context.Background(), rec.ID)
	require.NoError(t, err)

	queued, err := m.Submit(context.Background(), "", nil)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	assert.Equal(t, 0, m.Cleanup())
	_, err = m.Get(rec.ID)
	require.NoError(t, err)

	clock.Advance(time.Second)
	assert.Equal(t, 1, m.Cleanup())
	_, err = m.Get(rec.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	// non-terminal records are never swept
	_, err = m.Get(queued.ID)
	assert.NoError(t, err)
}

func TestCleanupEvictsOldestFinishedOverCap(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Options{MaxQueueSize: 10, FinishedJobTTL: time.Hour, MaxJobRecords: 2}, newGate())
	m.now = clock.Now

	var ids []string
	for i := 0; i < 4; i++ {
		rec, err := m.Submit(context.Background(), fmt.Sprintf("job-%d", i), nil)
		require.NoError(t, err)
		_, err = m.Cancel(context.Background(), rec.ID)
		require.NoError(t, err)
		ids = append(ids, rec.ID)
		clock.Advance(time.Second)
	}

	assert.Equal(t, 2, m.Cleanup())
	for i, id := range ids {
		_, err := m.Get(id)
		if i < 2 {
			assert.True(t, errors.Is(err, domain.ErrJobNotFound), "job %s should be evicted", id)
		} else {
			assert.NoError(t, err, "job %s should be kept", id)
		}
	}
}

func TestStatusPathsAreLegal(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, input any, r domain.ProgressReporter) (any, error) {
		time.Sleep(time.Millisecond)
		if input.(int)%2 == 0 {
			return nil, domain.ErrRender
		}
		return input, nil
	})
	m := newTestManager(t, Options{MaxConcurrentJobs: 3, MaxQueueSize: 64}, exec)
	m.Start(context.Background())

	var ids []string
	for i := 0; i < 20; i++ {
		rec, err := m.Submit(context.Background(), "", i)
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	for i, id := range ids {
		if i%5 == 0 {
			_, _ = m.Cancel(context.Background(), id)
		}
	}

	for _, id := range ids {
		prev := domain.JobStatusQueued
		for {
			rec, err := m.Get(id)
			require.NoError(t, err)
			if rec.Status != prev {
				assert.True(t, observable(prev, rec.Status), "illegal %s -> %s", prev, rec.Status)
				prev = rec.Status
			}
			if rec.Status.IsTerminal() {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}
}

// observable reports whether a poller can see to after from. Polls may skip
// the running state but never reverse or leave a terminal state.
func observable(from, to domain.JobStatus) bool {
	if domain.CanTransition(from, to) {
		return true
	}
	return from == domain.JobStatusQueued &&
		(to == domain.JobStatusSucceeded || to == domain.JobStatusFailed)
}
