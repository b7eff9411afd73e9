package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/timmy/ringforge/internal/domain"
	"github.com/timmy/ringforge/internal/logger"
)

// Input is a decoded, validated task request.
type Input interface {
	// JobID returns the caller-chosen job id, or "" to have one assigned.
	JobID() string
	// Summary is the short request description stored for logs.
	Summary() map[string]any
}

// Task is the body one service kind runs on its workers.
type Task interface {
	Kind() string
	// Parse decodes a request body. Errors wrap domain.ErrInvalidInput.
	Parse(raw []byte) (Input, error)
	// Execute runs a parsed input; it satisfies jobs.Executor.
	Execute(ctx context.Context, input any, r domain.ProgressReporter) (any, error)
	Schema() ToolSchema
}

// ToolSchema describes a task for registry introspection.
type ToolSchema struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema"`
}

// ArtifactResolver turns an input reference into a local file.
type ArtifactResolver interface {
	Resolve(ctx context.Context, ref domain.InputReference) (string, error)
}

// ArtifactPublisher uploads a produced artifact under its content hash.
type ArtifactPublisher interface {
	PublishFile(ctx context.Context, path, mime string) (*domain.StoredArtifact, error)
}

// Deps are the collaborators shared by every task.
type Deps struct {
	Generator Generator
	Repairer  Repairer
	Reviewer  Reviewer
	Renderer  Renderer
	Resolver  ArtifactResolver
	// Publisher is nil when uploads are disabled.
	Publisher ArtifactPublisher
	Sessions  *SessionStore
	// DefaultModel is reported as llm_used when a request names none.
	DefaultModel  string
	Budget        Budget
	RenderTimeout time.Duration
	Screenshot    int
}

// Reviewer judges rendered screenshots.
type Reviewer interface {
	Review(ctx context.Context, req ReviewRequest) (*Verdict, domain.UsageInfo, error)
}

// Common are the request fields every task accepts.
type Common struct {
	SessionID string         `json:"session_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// JobID implements Input.
func (c Common) JobID() string { return c.RequestID }

// BudgetOverride lets a request tighten or loosen the configured budget.
type BudgetOverride struct {
	MaxRetries *int     `json:"max_retries,omitempty"`
	MaxCostUSD *float64 `json:"max_cost_usd,omitempty"`
}

// Apply returns def with the request overrides applied.
func (o BudgetOverride) Apply(def Budget) Budget {
	if o.MaxRetries != nil {
		def.MaxRetries = *o.MaxRetries
	}
	if o.MaxCostUSD != nil {
		def.MaxCostUSD = *o.MaxCostUSD
	}
	return def
}

func (o BudgetOverride) validate() error {
	if o.MaxRetries != nil && (*o.MaxRetries < 0 || *o.MaxRetries > 10) {
		return fmt.Errorf("%w: max_retries must be between 0 and 10", domain.ErrInvalidInput)
	}
	if o.MaxCostUSD != nil && *o.MaxCostUSD < 0 {
		return fmt.Errorf("%w: max_cost_usd must not be negative", domain.ErrInvalidInput)
	}
	return nil
}

// decodeInput unmarshals raw into v, wrapping failures as invalid input.
func decodeInput(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// modelOrDefault picks the request's llm_name or the configured model.
func (d *Deps) modelOrDefault(name string) string {
	if name != "" {
		return name
	}
	return d.DefaultModel
}

// publish uploads path when a publisher is configured. The local path is
// returned when uploads are disabled or fail.
func (d *Deps) publish(ctx context.Context, path, mime string) any {
	if d.Publisher == nil {
		return path
	}
	stored, err := d.Publisher.PublishFile(ctx, path, mime)
	if err != nil {
		logger.CtxWarn(ctx, "Artifact upload failed, returning local path: %v", err)
		return path
	}
	logger.With(logger.Fields{logger.FieldContentHash: stored.SHA256}).
		WithSize(stored.Bytes).
		Info(ctx, "Artifact uploaded")
	return stored
}

// renderSummary is the render section of session.json.
type renderSummary struct {
	Success     bool     `json:"success"`
	ReturnCode  int      `json:"returncode"`
	GLBSize     int64    `json:"glb_size"`
	Elapsed     float64  `json:"elapsed"`
	PipelineLog []string `json:"pipeline_log"`
	ErrorLines  []string `json:"error_lines"`
}

func summarizeRender(res *RenderResult) *renderSummary {
	if res == nil {
		return nil
	}
	return &renderSummary{
		Success:     res.Success,
		ReturnCode:  res.ReturnCode,
		GLBSize:     res.OutputSize,
		Elapsed:     res.Elapsed,
		PipelineLog: res.PipelineLog,
		ErrorLines:  res.ErrorLines,
	}
}

func stringSchema(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}
