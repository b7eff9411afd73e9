package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/timmy/ringforge/internal/api/middleware"
	"github.com/timmy/ringforge/internal/domain"
	"github.com/timmy/ringforge/internal/jobs"
	"github.com/timmy/ringforge/internal/logger"
	"github.com/timmy/ringforge/internal/service"
)

// JobManager is the job engine as seen by the HTTP layer.
type JobManager interface {
	Submit(ctx context.Context, id string, input any) (domain.JobRecord, error)
	Get(id string) (domain.JobRecord, error)
	Cancel(ctx context.Context, id string) (domain.JobRecord, error)
	Wait(ctx context.Context, id string, timeout time.Duration) (domain.JobRecord, error)
	Stats() jobs.Stats
	Cleanup() int
}

// AsyncJobAccepted is the reply of POST /jobs.
type AsyncJobAccepted struct {
	JobID     string           `json:"job_id"`
	Status    domain.JobStatus `json:"status"`
	StatusURL string           `json:"status_url"`
	ResultURL string           `json:"result_url"`
}

// JobView is the reply of GET /jobs/:id.
type JobView struct {
	ID             string                `json:"id"`
	Kind           string                `json:"kind"`
	Status         domain.JobStatus      `json:"status"`
	CreatedAt      time.Time             `json:"created_at"`
	StartedAt      *time.Time            `json:"started_at,omitempty"`
	FinishedAt     *time.Time            `json:"finished_at,omitempty"`
	ElapsedSeconds float64               `json:"elapsed_seconds"`
	Progress       int                   `json:"progress"`
	Detail         string                `json:"detail"`
	RequestSummary map[string]any        `json:"request_summary"`
	RetryLog       []domain.RetryAttempt `json:"retry_log"`
	CostSummary    domain.CostSummary    `json:"cost_summary"`
	Result         any                   `json:"result,omitempty"`
	Error          *domain.JobError      `json:"error,omitempty"`
}

// CancelResponse separates "cancellation requested" from "cancellation
// honored": a request always lands, but only a queued job is cancelled.
type CancelResponse struct {
	Success         bool             `json:"success"`
	JobID           string           `json:"job_id"`
	Status          domain.JobStatus `json:"status"`
	CancelRequested bool             `json:"cancel_requested"`
	CancelHonored   bool             `json:"cancel_honored"`
	Error           string           `json:"error,omitempty"`
}

// JobHandler serves the job API for one task kind.
type JobHandler struct {
	jobs     JobManager
	task     service.Task
	syncWait time.Duration
}

// NewJobHandler creates a job handler.
// Parameters:
//   - manager: job engine.
//   - task: parses request bodies for the hosted kind.
//   - syncWait: how long POST /run blocks before answering 504.
// Returns:
//   - *JobHandler: initialized handler.
func NewJobHandler(manager JobManager, task service.Task, syncWait time.Duration) *JobHandler {
	return &JobHandler{jobs: manager, task: task, syncWait: syncWait}
}

func statusURL(id string) string { return "/jobs/" + id }
func resultURL(id string) string { return "/jobs/" + id + "/result" }

// Submit handles POST /jobs.
func (h *JobHandler) Submit(c *gin.Context) {
	_, input, ok := h.parse(c)
	if !ok {
		return
	}

	rec, err := h.jobs.Submit(c.Request.Context(), input.JobID(), input)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, AsyncJobAccepted{
		JobID:     rec.ID,
		Status:    rec.Status,
		StatusURL: statusURL(rec.ID),
		ResultURL: resultURL(rec.ID),
	})
}

// Status handles GET /jobs/:id.
func (h *JobHandler) Status(c *gin.Context) {
	rec, err := h.jobs.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(rec, time.Now()))
}

// Result handles GET /jobs/:id/result. The body shape follows the status.
func (h *JobHandler) Result(c *gin.Context) {
	rec, err := h.jobs.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resultBody(rec))
}

// Cancel handles DELETE /jobs/:id. A running job keeps running and the reply
// is 409; a terminal job is returned unchanged.
func (h *JobHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	rec, err := h.jobs.Cancel(c.Request.Context(), id)
	switch {
	case errors.Is(err, domain.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, CancelResponse{
			JobID:           id,
			Status:          rec.Status,
			CancelRequested: true,
			Error:           err.Error(),
		})
		return
	case err != nil:
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, CancelResponse{
		Success:         true,
		JobID:           id,
		Status:          rec.Status,
		CancelRequested: true,
		CancelHonored:   rec.Status == domain.JobStatusCancelled,
	})
}

// Run handles POST /run: submit, then block up to the sync wait timeout.
// The job keeps running after a timeout and stays pollable.
func (h *JobHandler) Run(c *gin.Context) {
	body, input, ok := h.parse(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	rec, err := h.jobs.Submit(ctx, input.JobID(), input)
	if err != nil {
		respondError(c, err)
		return
	}

	finished, err := h.jobs.Wait(ctx, rec.ID, h.syncWait)
	if err != nil {
		if errors.Is(err, domain.ErrTimeout) {
			logger.With(logger.Fields{logger.FieldJobID: rec.ID}).
				WithDuration(h.syncWait.Milliseconds()).
				Warn(ctx, "Sync wait timed out, job continues in background")
			c.JSON(http.StatusGatewayTimeout, gin.H{
				"error":      "Timed out waiting for job; poll result_url for the outcome",
				"job_id":     rec.ID,
				"status":     finished.Status,
				"status_url": statusURL(rec.ID),
				"result_url": resultURL(rec.ID),
			})
			return
		}
		respondError(c, err)
		return
	}

	switch finished.Status {
	case domain.JobStatusSucceeded:
		c.JSON(http.StatusOK, body.Reply(finished.Result))
	case domain.JobStatusCancelled:
		c.JSON(http.StatusConflict, gin.H{"error": "Job cancelled", "job_id": finished.ID})
	default:
		code := http.StatusInternalServerError
		resp := gin.H{"error": "Job failed", "job_id": finished.ID}
		if finished.Error != nil {
			if finished.Error.StatusCode >= 400 {
				code = finished.Error.StatusCode
			}
			resp["error"] = finished.Error.Message
			resp["kind"] = finished.Error.Kind
		}
		if len(finished.RetryLog) > 0 {
			resp["retry_log"] = finished.RetryLog
		}
		c.JSON(code, resp)
	}
}

// Cleanup handles POST /admin/cleanup by running one retention sweep now.
func (h *JobHandler) Cleanup(c *gin.Context) {
	removed := h.jobs.Cleanup()
	logger.With(logger.Fields{"removed": removed}).Info(c.Request.Context(), "Manual job cleanup")
	c.JSON(http.StatusOK, gin.H{"removed": removed, "stats": h.jobs.Stats()})
}

// parse reads the body, resolves the envelope and decodes the task input.
// Malformed JSON is 400; a well-formed body the task rejects is 422.
func (h *JobHandler) parse(c *gin.Context) (Body, service.Input, bool) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return Body{}, nil, false
	}
	body, err := ParseBody(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return Body{}, nil, false
	}
	input, err := h.task.Parse(body.Payload)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return Body{}, nil, false
	}
	return body, input, true
}

func viewOf(rec domain.JobRecord, now time.Time) JobView {
	view := JobView{
		ID:             rec.ID,
		Kind:           rec.Kind,
		Status:         rec.Status,
		CreatedAt:      rec.SubmittedAt,
		StartedAt:      rec.StartedAt,
		FinishedAt:     rec.FinishedAt,
		ElapsedSeconds: rec.Elapsed(now).Seconds(),
		Progress:       rec.Progress,
		Detail:         rec.Detail,
		RequestSummary: map[string]any{},
		RetryLog:       rec.RetryLog,
		CostSummary:    rec.CostSummary,
		Result:         rec.Result,
		Error:          rec.Error,
	}
	if in, ok := rec.Input.(service.Input); ok {
		view.RequestSummary = in.Summary()
	}
	if view.RetryLog == nil {
		view.RetryLog = []domain.RetryAttempt{}
	}
	return view
}

func resultBody(rec domain.JobRecord) gin.H {
	switch rec.Status {
	case domain.JobStatusQueued:
		return gin.H{"status": rec.Status, "progress": rec.Progress}
	case domain.JobStatusRunning:
		return gin.H{"status": rec.Status, "progress": rec.Progress, "detail": rec.Detail}
	case domain.JobStatusCancelled:
		return gin.H{"status": rec.Status}
	case domain.JobStatusFailed:
		msg, kind := "unknown error", domain.ErrorKindInternal
		if rec.Error != nil {
			msg, kind = rec.Error.Message, rec.Error.Kind
		}
		return gin.H{
			"status":       rec.Status,
			"error":        msg,
			"error_kind":   kind,
			"result":       rec.Result,
			"retry_log":    rec.RetryLog,
			"cost_summary": rec.CostSummary,
		}
	}
	return gin.H{"status": rec.Status, "result": rec.Result}
}

// respondError maps engine errors to HTTP status codes.
func respondError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrQueueFull):
		code = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrJobNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyRunning), errors.Is(err, domain.ErrDuplicateJob):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidReference):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrTimeout):
		code = http.StatusGatewayTimeout
	}
	if code == http.StatusInternalServerError {
		middleware.GetLogger(c).WithError(err).Errorf("Request failed: method=%s, path=%s", c.Request.Method, c.Request.URL.Path)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
