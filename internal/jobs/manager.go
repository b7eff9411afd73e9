package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/timmy/ringforge/internal/domain"
	"github.com/timmy/ringforge/internal/logger"
	"github.com/timmy/ringforge/internal/metrics"
)

// Executor runs the body of one job. It must report progress through r and
// return either a result or an error; a partial result may accompany an error.
type Executor interface {
	Execute(ctx context.Context, input any, r domain.ProgressReporter) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, input any, r domain.ProgressReporter) (any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, input any, r domain.ProgressReporter) (any, error) {
	return f(ctx, input, r)
}

// Options configures a Manager.
type Options struct {
	Kind              string
	MaxConcurrentJobs int
	MaxQueueSize      int
	FinishedJobTTL    time.Duration
	CleanupInterval   time.Duration
	MaxJobRecords     int
}

func (o *Options) applyDefaults() {
	if o.MaxConcurrentJobs < 1 {
		o.MaxConcurrentJobs = 1
	}
	if o.MaxQueueSize < 1 {
		o.MaxQueueSize = 64
	}
	if o.FinishedJobTTL <= 0 {
		o.FinishedJobTTL = time.Hour
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 30 * time.Second
	}
	if o.MaxJobRecords < 1 {
		o.MaxJobRecords = 2000
	}
}

// Stats is a point-in-time view of the engine for health checks.
type Stats struct {
	QueueSize         int `json:"queue_size"`
	ActiveJobs        int `json:"active_jobs"`
	RunningJobs       int `json:"running_jobs"`
	Records           int `json:"records"`
	MaxConcurrentJobs int `json:"max_concurrent_jobs"`
	MaxQueueSize      int `json:"max_queue_size"`
}

// Manager owns the job registry, the admission queue and the worker pool.
type Manager struct {
	opts  Options
	exec  Executor
	store *Store
	queue *Queue
	now   func() time.Time

	// serializes the duplicate check, capacity check and push of Submit
	submitMu sync.Mutex
	running  atomic.Int64

	lifecycleMu sync.Mutex
	baseCtx     context.Context
	stop        context.CancelFunc
	wg          sync.WaitGroup
}

// NewManager creates a Manager. Call Start to launch workers.
// Parameters:
//   - opts: pool, queue and retention settings.
//   - exec: task body run for every job.
// Returns:
//   - *Manager: manager ready to accept submissions.
func NewManager(opts Options, exec Executor) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:    opts,
		exec:    exec,
		store:   NewStore(),
		queue:   NewQueue(opts.MaxQueueSize),
		now:     time.Now,
		baseCtx: context.Background(),
	}
}

// Start launches MaxConcurrentJobs workers and the cleanup loop.
// The context's logger is inherited by job contexts; cancelling ctx stops
// dispatch but never interrupts a job that already started.
func (m *Manager) Start(ctx context.Context) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.stop != nil {
		return
	}

	ctx = logger.SetComponent(ctx, "job_manager")
	m.baseCtx = context.WithoutCancel(ctx)
	runCtx, cancel := context.WithCancel(ctx)
	m.stop = cancel

	for i := 0; i < m.opts.MaxConcurrentJobs; i++ {
		m.wg.Add(1)
		go m.worker(runCtx, i)
	}

	m.wg.Add(1)
	go m.cleanupLoop(runCtx)

	logger.With(logger.Fields{
		"workers":        m.opts.MaxConcurrentJobs,
		"max_queue_size": m.opts.MaxQueueSize,
	}).Info(ctx, "Job manager started")
}

// Stop stops dispatching and waits for in-flight jobs to finish.
func (m *Manager) Stop() {
	m.lifecycleMu.Lock()
	stop := m.stop
	m.lifecycleMu.Unlock()
	if stop == nil {
		return
	}
	stop()
	m.wg.Wait()
}

// Submit admits a new job. An empty id gets a generated UUID.
// Parameters:
//   - ctx: request context, used for logging.
//   - id: caller supplied job id, or "".
//   - input: task input handed to the executor.
// Returns:
//   - domain.JobRecord: the queued record.
//   - error: domain.ErrQueueFull or domain.ErrDuplicateJob.
func (m *Manager) Submit(ctx context.Context, id string, input any) (domain.JobRecord, error) {
	if id == "" {
		id = uuid.New().String()
	}

	m.submitMu.Lock()
	defer m.submitMu.Unlock()

	if _, ok := m.store.get(id); ok {
		metrics.JobsRejectedTotal.WithLabelValues(m.opts.Kind, "duplicate").Inc()
		return domain.JobRecord{}, fmt.Errorf("%w: %s", domain.ErrDuplicateJob, id)
	}
	if m.queue.Len() >= m.queue.Cap() {
		metrics.JobsRejectedTotal.WithLabelValues(m.opts.Kind, "queue_full").Inc()
		logger.With(logger.Fields{"queue_size": m.queue.Len()}).Warn(ctx, "Rejected job: queue full")
		return domain.JobRecord{}, domain.ErrQueueFull
	}

	e := newEntry(domain.JobRecord{
		ID:          id,
		Kind:        m.opts.Kind,
		Status:      domain.JobStatusQueued,
		Detail:      "Queued",
		SubmittedAt: m.now(),
		Input:       input,
	})
	m.store.add(e)
	if err := m.queue.TryPush(id); err != nil {
		m.store.remove(id)
		return domain.JobRecord{}, err
	}

	metrics.JobsSubmittedTotal.WithLabelValues(m.opts.Kind).Inc()
	metrics.QueueDepth.Set(float64(m.queue.Len()))
	metrics.JobRecords.Set(float64(m.store.Len()))
	logger.CtxInfo(logger.SetJobID(ctx, id), "Job queued")

	return e.view(), nil
}

// Get returns a snapshot of the job.
func (m *Manager) Get(id string) (domain.JobRecord, error) {
	e, ok := m.store.get(id)
	if !ok {
		return domain.JobRecord{}, domain.ErrJobNotFound
	}
	return e.view(), nil
}

// Cancel cancels a queued job. A running job yields domain.ErrAlreadyRunning
// and keeps running. Cancelling a terminal job is a no-op that returns it.
func (m *Manager) Cancel(ctx context.Context, id string) (domain.JobRecord, error) {
	e, ok := m.store.get(id)
	if !ok {
		return domain.JobRecord{}, domain.ErrJobNotFound
	}

	// admission must never count a cancelled id as queued
	m.submitMu.Lock()
	rec, cancelled := e.cancel(m.now())
	if cancelled {
		m.queue.Remove(id)
	}
	m.submitMu.Unlock()

	if cancelled {
		metrics.JobsFinishedTotal.WithLabelValues(m.opts.Kind, string(domain.JobStatusCancelled)).Inc()
		metrics.QueueDepth.Set(float64(m.queue.Len()))
		logger.CtxInfo(logger.SetJobID(ctx, id), "Job cancelled")
		return rec, nil
	}
	if rec.Status == domain.JobStatusRunning {
		return rec, domain.ErrAlreadyRunning
	}
	return rec, nil
}

// Wait blocks until the job is terminal, timeout elapses or ctx is done.
// On timeout the job keeps running and domain.ErrTimeout is returned with the
// latest snapshot.
func (m *Manager) Wait(ctx context.Context, id string, timeout time.Duration) (domain.JobRecord, error) {
	e, ok := m.store.get(id)
	if !ok {
		return domain.JobRecord{}, domain.ErrJobNotFound
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.done:
		return e.view(), nil
	case <-timer.C:
		return e.view(), fmt.Errorf("job %s still running after %s: %w", id, timeout, domain.ErrTimeout)
	case <-ctx.Done():
		return e.view(), ctx.Err()
	}
}

// Stats returns queue and pool occupancy.
func (m *Manager) Stats() Stats {
	active := 0
	for _, e := range m.store.snapshot() {
		e.mu.Lock()
		if !e.rec.Status.IsTerminal() {
			active++
		}
		e.mu.Unlock()
	}
	return Stats{
		QueueSize:         m.queue.Len(),
		ActiveJobs:        active,
		RunningJobs:       int(m.running.Load()),
		Records:           m.store.Len(),
		MaxConcurrentJobs: m.opts.MaxConcurrentJobs,
		MaxQueueSize:      m.opts.MaxQueueSize,
	}
}

// Cleanup runs one retention sweep and returns the number of records removed.
func (m *Manager) Cleanup() int {
	removed := m.store.Sweep(m.now(), m.opts.FinishedJobTTL, m.opts.MaxJobRecords)
	if removed > 0 {
		metrics.JobsEvictedTotal.Add(float64(removed))
	}
	metrics.JobRecords.Set(float64(m.store.Len()))
	return removed
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Cleanup(); n > 0 {
				logger.With(logger.Fields{"removed": n}).Debug(ctx, "Job cleanup sweep")
			}
		}
	}
}
