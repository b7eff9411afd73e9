package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/timmy/ringforge/internal/domain"
	"github.com/timmy/ringforge/internal/logger"
	"github.com/timmy/ringforge/internal/prompts"
)

// GenerateRequest asks for a new ring from a text prompt and an optional
// reference image.
type GenerateRequest struct {
	Common
	BudgetOverride
	Prompt    string `json:"prompt"`
	LLMName   string `json:"llm_name,omitempty"`
	ImageB64  string `json:"image_b64,omitempty"`
	ImageMIME string `json:"image_mime,omitempty"`

	image *Image
}

// Summary implements Input.
func (r *GenerateRequest) Summary() map[string]any {
	return map[string]any{
		"prompt":    truncate(r.Prompt, 120),
		"llm_name":  r.LLMName,
		"has_image": r.image != nil,
	}
}

// GenerateResult is the payload of a generate job.
type GenerateResult struct {
	Success         bool                  `json:"success"`
	SessionID       string                `json:"session_id"`
	GLBPath         any                   `json:"glb_path,omitempty"`
	Code            string                `json:"code"`
	Modules         []string              `json:"modules"`
	SpatialReport   string                `json:"spatial_report"`
	RetryLog        []domain.RetryAttempt `json:"retry_log"`
	CostSummary     domain.CostSummary    `json:"cost_summary"`
	NeedsValidation bool                  `json:"needs_validation"`
	LLMUsed         string                `json:"llm_used"`
	BlenderElapsed  float64               `json:"blender_elapsed"`
	GLBSize         int64                 `json:"glb_size"`
}

// GenerateTask creates rings from prompts.
type GenerateTask struct {
	deps     *Deps
	pipeline *Pipeline
}

// NewGenerateTask creates the generate task body.
func NewGenerateTask(deps *Deps) *GenerateTask {
	return &GenerateTask{
		deps:     deps,
		pipeline: NewPipeline(deps.Generator, deps.Renderer, deps.Repairer),
	}
}

// Kind implements Task.
func (t *GenerateTask) Kind() string { return "generate" }

// Parse implements Task.
func (t *GenerateTask) Parse(raw []byte) (Input, error) {
	req := &GenerateRequest{}
	if err := decodeInput(raw, req); err != nil {
		return nil, err
	}
	if err := req.BudgetOverride.validate(); err != nil {
		return nil, err
	}
	if req.ImageB64 != "" {
		img, err := decodeBase64Image(req.ImageB64)
		if err != nil {
			return nil, err
		}
		req.image = &img
	}
	return req, nil
}

// Execute implements Task.
func (t *GenerateTask) Execute(ctx context.Context, input any, r domain.ProgressReporter) (any, error) {
	req, ok := input.(*GenerateRequest)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected input %T", domain.ErrInvalidInput, input)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = req.RequestID
	}
	if sessionID == "" {
		sessionID = NewSessionID("s")
	}
	dir, err := t.deps.Sessions.Create(sessionID)
	if err != nil {
		return nil, err
	}
	glbPath := filepath.Join(dir, modelFile)
	ctx = logger.WithField(ctx, "session_id", sessionID)

	spec := GenerationSpec{
		Step:   "generate",
		Prompt: prompts.BuildGenerationPrompt(req.Prompt),
		Model:  req.LLMName,
	}
	if req.image != nil {
		spec.Images = []Image{*req.image}
		refPath := filepath.Join(dir, "reference."+extensionFor(req.image.MIME))
		if err := os.WriteFile(refPath, req.image.Data, 0o644); err != nil {
			logger.CtxWarn(ctx, "Failed to save reference image: %v", err)
		}
	}

	out, runErr := t.pipeline.Run(ctx, PipelineRequest{
		Spec:       spec,
		WorkDir:    dir,
		OutputPath: glbPath,
		Timeout:    t.deps.RenderTimeout,
		Budget:     req.BudgetOverride.Apply(t.deps.Budget),
		Policy:     FailHard,
		Model:      req.LLMName,
	}, r)

	result := &GenerateResult{
		Success:         runErr == nil,
		SessionID:       sessionID,
		Code:            out.Code,
		Modules:         ExtractModules(out.Code),
		RetryLog:        out.RetryLog,
		CostSummary:     out.Cost,
		NeedsValidation: true,
		LLMUsed:         t.deps.modelOrDefault(req.LLMName),
	}
	if out.Render != nil {
		result.SpatialReport = out.Render.SpatialReport
		result.BlenderElapsed = out.Render.Elapsed
		result.GLBSize = out.Render.OutputSize
	}

	t.writeSession(ctx, req, result, out)

	if runErr != nil {
		return result, runErr
	}

	r.Progress("Uploading model", 95)
	result.GLBPath = t.deps.publish(ctx, glbPath, "model/gltf-binary")
	logger.With(logger.Fields{"session_id": sessionID}).
		WithCost(result.CostSummary.TotalCostUSD).
		WithSize(result.GLBSize).
		Info(ctx, "Generation complete")
	return result, nil
}

func (t *GenerateTask) writeSession(ctx context.Context, req *GenerateRequest, res *GenerateResult, out *Outcome) {
	summary := map[string]any{
		"session_id":     res.SessionID,
		"prompt":         req.Prompt,
		"llm_name":       res.LLMUsed,
		"code":           res.Code,
		"modules":        res.Modules,
		"version":        1,
		"created":        time.Now().Format(time.RFC3339),
		"retry_log":      res.RetryLog,
		"cost":           res.CostSummary.TotalCostUSD,
		"spatial_report": res.SpatialReport,
		"blender_result": summarizeRender(out.Render),
	}
	if err := t.deps.Sessions.WriteSummary(res.SessionID, summary); err != nil {
		logger.CtxWarn(ctx, "Failed to write session summary: %v", err)
	}
}

// Schema implements Task.
func (t *GenerateTask) Schema() ToolSchema {
	return ToolSchema{
		Name:        "ring_generate",
		Description: "Generate a 3D ring (GLB) from a text prompt and optional reference image. Failed renders are repaired by the LLM within a retry and cost budget.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt":       stringSchema("Design request. Defaults to a classic solitaire ring."),
				"llm_name":     stringSchema("Model override."),
				"image_b64":    stringSchema("Optional reference image as base64 or data URI."),
				"image_mime":   stringSchema("MIME type of image_b64."),
				"max_retries":  map[string]any{"type": "integer", "minimum": 0, "maximum": 10},
				"max_cost_usd": map[string]any{"type": "number", "minimum": 0},
				"session_id":   stringSchema("Working directory name."),
				"request_id":   stringSchema("Becomes the job id."),
			},
		},
		OutputSchema: map[string]any{
			"type":     "object",
			"required": []string{"success", "session_id", "code"},
			"properties": map[string]any{
				"success":          map[string]any{"type": "boolean"},
				"session_id":       map[string]any{"type": "string"},
				"glb_path":         map[string]any{"description": "Content-addressed reference {uri, sha256, type, bytes} or local path."},
				"code":             map[string]any{"type": "string"},
				"modules":          map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"spatial_report":   map[string]any{"type": "string"},
				"retry_log":        map[string]any{"type": "array"},
				"cost_summary":     map[string]any{"type": "object"},
				"needs_validation": map[string]any{"type": "boolean"},
				"llm_used":         map[string]any{"type": "string"},
				"blender_elapsed":  map[string]any{"type": "number"},
				"glb_size":         map[string]any{"type": "integer"},
			},
		},
	}
}
