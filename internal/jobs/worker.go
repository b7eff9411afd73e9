package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/timmy/ringforge/internal/domain"
	"github.com/timmy/ringforge/internal/logger"
	"github.com/timmy/ringforge/internal/metrics"
)

func (m *Manager) worker(ctx context.Context, workerID int) {
	defer m.wg.Done()

	for {
		id, err := m.queue.Pop(ctx)
		if err != nil {
			return
		}
		metrics.QueueDepth.Set(float64(m.queue.Len()))
		m.run(workerID, id)
	}
}

// run executes one dequeued job. Errors and panics end up on the record,
// never in the worker loop.
func (m *Manager) run(workerID int, id string) {
	e, ok := m.store.get(id)
	if !ok {
		return
	}
	input, ok := e.start(m.now())
	if !ok {
		// cancelled between dequeue and start
		return
	}

	ctx := logger.WithFields(m.baseCtx, logger.Fields{
		logger.FieldJobID:     id,
		logger.FieldComponent: "worker",
		"worker_id":           workerID,
	})

	m.running.Add(1)
	metrics.RunningJobs.Inc()
	logger.CtxInfo(ctx, "Job started")

	start := time.Now()
	result, err := m.execute(ctx, input, &reporter{e: e})
	rec := e.finish(result, err, m.now())

	m.running.Add(-1)
	metrics.RunningJobs.Dec()
	metrics.JobsFinishedTotal.WithLabelValues(m.opts.Kind, string(rec.Status)).Inc()
	metrics.JobDurationSeconds.WithLabelValues(m.opts.Kind, string(rec.Status)).Observe(time.Since(start).Seconds())

	entry := logger.With(logger.Fields{"attempts": len(rec.RetryLog)}).
		WithDuration(time.Since(start).Milliseconds()).
		WithStatus(string(rec.Status)).
		WithCost(rec.CostSummary.TotalCostUSD)
	if err != nil {
		entry.WithField("error_kind", domain.ErrorKind(err)).Warn(ctx, "Job failed: %v", err)
		return
	}
	entry.Info(ctx, "Job succeeded")
}

func (m *Manager) execute(ctx context.Context, input any, r domain.ProgressReporter) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.FromContext(ctx).WithField("stack", string(debug.Stack())).Errorf("Job panicked: %v", p)
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return m.exec.Execute(ctx, input, r)
}

// reporter writes executor updates into a running record.
type reporter struct {
	e *entry
}

func (r *reporter) Progress(detail string, pct int) {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	if r.e.rec.Status != domain.JobStatusRunning {
		return
	}
	if pct > 100 {
		pct = 100
	}
	if pct > r.e.rec.Progress {
		r.e.rec.Progress = pct
	}
	if detail != "" {
		r.e.rec.Detail = detail
	}
}

func (r *reporter) Attempt(a domain.RetryAttempt) {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	if r.e.rec.Status != domain.JobStatusRunning {
		return
	}
	r.e.rec.RetryLog = append(r.e.rec.RetryLog, a)
}

func (r *reporter) Cost(c domain.CostSummary) {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	if r.e.rec.Status != domain.JobStatusRunning {
		return
	}
	r.e.rec.CostSummary = c.Clone()
}
