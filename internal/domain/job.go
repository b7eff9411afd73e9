package domain

import "time"

// JobStatus represents the lifecycle state of a job.
// Values include JobStatusQueued, JobStatusRunning, JobStatusSucceeded,
// JobStatusFailed and JobStatusCancelled.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition can leave s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the job state machine:
// queued -> running -> {succeeded, failed} and queued -> cancelled.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusQueued:
		return to == JobStatusRunning || to == JobStatusCancelled
	case JobStatusRunning:
		return to == JobStatusSucceeded || to == JobStatusFailed
	}
	return false
}

// RetryAttempt records one failed render and the repair that followed it.
type RetryAttempt struct {
	AttemptNumber int       `json:"attempt_number"`
	ErrorSummary  string    `json:"error_summary"`
	CodeLength    int       `json:"code_length,omitempty"`
	CostDelta     float64   `json:"cost_delta"`
	Timestamp     time.Time `json:"timestamp"`
}

// UsageInfo is the token accounting of a single LLM call.
type UsageInfo struct {
	Step         string  `json:"step"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// CostSummary is the cumulative spend of a job.
type CostSummary struct {
	TotalInputTokens  int         `json:"total_input_tokens"`
	TotalOutputTokens int         `json:"total_output_tokens"`
	TotalCostUSD      float64     `json:"total_cost_usd"`
	LLMCalls          int         `json:"llm_calls"`
	Calls             []UsageInfo `json:"calls,omitempty"`
}

// Add accumulates u into the summary.
func (c *CostSummary) Add(u UsageInfo) {
	c.TotalInputTokens += u.InputTokens
	c.TotalOutputTokens += u.OutputTokens
	c.TotalCostUSD = RoundCost(c.TotalCostUSD + u.CostUSD)
	c.LLMCalls++
	c.Calls = append(c.Calls, u)
}

// Clone returns a deep copy.
func (c CostSummary) Clone() CostSummary {
	c.Calls = append([]UsageInfo(nil), c.Calls...)
	return c
}

// RoundCost rounds a USD amount to 4 decimal places.
func RoundCost(usd float64) float64 {
	if usd < 0 {
		return -RoundCost(-usd)
	}
	return float64(int64(usd*10000+0.5)) / 10000
}

// JobError is the failure summary stored on a failed job.
type JobError struct {
	Message    string `json:"message"`
	Kind       string `json:"kind"`
	StatusCode int    `json:"status_code"`
}

// JobRecord is the registry entry of one submitted job.
type JobRecord struct {
	ID          string         `json:"job_id"`
	Kind        string         `json:"kind,omitempty"`
	Status      JobStatus      `json:"status"`
	Progress    int            `json:"progress"`
	Detail      string         `json:"detail,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Input       any            `json:"-"`
	Result      any            `json:"result,omitempty"`
	Error       *JobError      `json:"error,omitempty"`
	RetryLog    []RetryAttempt `json:"retry_log,omitempty"`
	CostSummary CostSummary    `json:"cost_summary"`
}

// Clone returns a copy that shares no mutable slices or pointers with r.
// Result and Input are treated as immutable once stored.
func (r *JobRecord) Clone() JobRecord {
	out := *r
	out.RetryLog = append([]RetryAttempt(nil), r.RetryLog...)
	out.CostSummary = r.CostSummary.Clone()
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return out
}

// Elapsed returns the running time of a started job, up to now if unfinished.
func (r *JobRecord) Elapsed(now time.Time) time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	end := now
	if r.FinishedAt != nil {
		end = *r.FinishedAt
	}
	return end.Sub(*r.StartedAt)
}

// ProgressReporter receives execution updates for a running job.
type ProgressReporter interface {
	// Progress sets the current step. pct never lowers the stored progress.
	Progress(detail string, pct int)
	// Attempt appends a failed render to the job's retry log.
	Attempt(a RetryAttempt)
	// Cost replaces the job's cumulative cost summary.
	Cost(c CostSummary)
}

// NopReporter discards all updates.
type NopReporter struct{}

func (NopReporter) Progress(string, int) {}
func (NopReporter) Attempt(RetryAttempt) {}
func (NopReporter) Cost(CostSummary) {}
