package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/timmy/ringforge/internal/domain"
	"github.com/timmy/ringforge/internal/logger"
)

// Verdict messages.
const (
	MessageSkippedNoScreenshots = "Validation skipped: no screenshots could be resolved"
	MessageRegenerated          = "Corrected version rendered"
)

// ValidateRequest asks for a structural review of a rendered ring.
//
// Each screenshot is one of:
//   - a data URI string
//   - {"data_uri": "<data URI>"} or {"data_uri": <reference>}
//   - a bare reference ({"uri", "sha256"}, {"url"}, {"path"} or a URL string)
type ValidateRequest struct {
	Common
	Screenshots []json.RawMessage `json:"screenshots"`
	Code        string            `json:"code"`
	UserPrompt  string            `json:"user_prompt,omitempty"`
	LLMName     string            `json:"llm_name,omitempty"`
	GLBPath     json.RawMessage   `json:"glb_path,omitempty"`
}

// Summary implements Input.
func (r *ValidateRequest) Summary() map[string]any {
	return map[string]any{
		"screenshots": len(r.Screenshots),
		"code_length": len(r.Code),
		"llm_name":    r.LLMName,
	}
}

// TokenUsage is the token count of the review call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ValidateResult is the payload of a validate job.
type ValidateResult struct {
	IsValid       bool                  `json:"is_valid"`
	Message       string                `json:"message"`
	Regenerated   bool                  `json:"regenerated"`
	CorrectedCode string                `json:"corrected_code,omitempty"`
	Cost          float64               `json:"cost"`
	Tokens        TokenUsage            `json:"tokens"`
	GLBPath       any                   `json:"glb_path,omitempty"`
	LLMUsed       string                `json:"llm_used"`
	SessionID     string                `json:"session_id,omitempty"`
	RetryLog      []domain.RetryAttempt `json:"retry_log,omitempty"`
}

// ValidateTask reviews screenshots and re-renders corrected code.
type ValidateTask struct {
	deps     *Deps
	pipeline *Pipeline
}

// NewValidateTask creates the validate task body. Corrected code gets a
// single render and no repairs.
func NewValidateTask(deps *Deps) *ValidateTask {
	return &ValidateTask{
		deps:     deps,
		pipeline: NewPipeline(nil, deps.Renderer, nil),
	}
}

// Kind implements Task.
func (t *ValidateTask) Kind() string { return "validate" }

// Parse implements Task.
func (t *ValidateTask) Parse(raw []byte) (Input, error) {
	req := &ValidateRequest{}
	if err := decodeInput(raw, req); err != nil {
		return nil, err
	}
	if len(req.Screenshots) == 0 {
		return nil, fmt.Errorf("%w: at least one screenshot is required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, fmt.Errorf("%w: code is required", domain.ErrInvalidInput)
	}
	return req, nil
}

// Execute implements Task.
func (t *ValidateTask) Execute(ctx context.Context, input any, r domain.ProgressReporter) (any, error) {
	req, ok := input.(*ValidateRequest)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected input %T", domain.ErrInvalidInput, input)
	}
	result := &ValidateResult{
		IsValid: true,
		LLMUsed: t.deps.modelOrDefault(req.LLMName),
		GLBPath: rawOrNil(req.GLBPath),
	}

	r.Progress("Resolving screenshot artifacts", 5)
	images, err := t.resolveScreenshots(ctx, req.Screenshots)
	if err != nil {
		return result, err
	}
	if len(images) == 0 {
		result.Message = MessageSkippedNoScreenshots
		return result, nil
	}

	r.Progress(fmt.Sprintf("Sending %d screenshots for review", len(images)), 15)
	verdict, usage, err := t.deps.Reviewer.Review(ctx, ReviewRequest{
		Code:        req.Code,
		UserPrompt:  req.UserPrompt,
		Screenshots: images,
		Model:       req.LLMName,
	})
	cost := domain.CostSummary{}
	if usage.InputTokens > 0 || usage.OutputTokens > 0 {
		cost.Add(usage)
		r.Cost(cost.Clone())
	}
	result.Cost = cost.TotalCostUSD
	result.Tokens = TokenUsage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens}
	if err != nil {
		logger.CtxWarn(ctx, "Review call failed, approving as-is: %v", err)
		result.Message = "Validation skipped: " + truncate(err.Error(), 100)
		return result, nil
	}
	r.Progress("Review complete", 60)

	result.IsValid = verdict.IsValid
	result.Message = verdict.Message
	if verdict.IsValid || verdict.CorrectedCode == "" {
		result.IsValid = true
		r.Progress("Validation complete", 95)
		return result, nil
	}

	return t.regenerate(ctx, req, verdict, result, cost, r)
}

// regenerate renders corrected code once. A failed render keeps the
// original design and still succeeds.
func (t *ValidateTask) regenerate(ctx context.Context, req *ValidateRequest, verdict *Verdict, result *ValidateResult, cost domain.CostSummary, r domain.ProgressReporter) (any, error) {
	r.Progress("Regenerating with corrected code", 70)

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = NewSessionID("val")
	}
	dir, err := t.deps.Sessions.Create(sessionID)
	if err != nil {
		return nil, err
	}
	glbPath := filepath.Join(dir, modelFile)
	result.SessionID = sessionID

	out, err := t.pipeline.Run(ctx, PipelineRequest{
		InitialCode:  verdict.CorrectedCode,
		OriginalCode: req.Code,
		WorkDir:      dir,
		OutputPath:   glbPath,
		Timeout:      t.deps.RenderTimeout,
		Budget:       Budget{MaxRetries: 0, MaxCostUSD: t.deps.Budget.MaxCostUSD},
		Policy:       KeepOriginal,
		PriorCost:    cost,
	}, r)
	if err != nil {
		return result, err
	}
	result.RetryLog = out.RetryLog

	if out.KeptOriginal {
		logger.CtxWarn(ctx, "Corrected code failed to render: %v", out.Failure)
		r.Progress("Correction failed, using original", 95)
		result.IsValid = true
		result.Regenerated = false
		result.Message = out.Note
		result.CorrectedCode = ""
		return result, nil
	}

	r.Progress(MessageRegenerated, 95)
	result.IsValid = false
	result.Regenerated = true
	result.CorrectedCode = out.Code
	result.GLBPath = t.deps.publish(ctx, glbPath, "model/gltf-binary")

	summary := map[string]any{
		"session_id":     sessionID,
		"prompt":         req.UserPrompt,
		"llm_name":       result.LLMUsed,
		"code":           out.Code,
		"modules":        ExtractModules(out.Code),
		"validation":     verdict.Message,
		"cost":           result.Cost,
		"spatial_report": out.Render.SpatialReport,
		"blender_result": summarizeRender(out.Render),
	}
	if err := t.deps.Sessions.WriteSummary(sessionID, summary); err != nil {
		logger.CtxWarn(ctx, "Failed to write session summary: %v", err)
	}
	return result, nil
}

// resolveScreenshots decodes every screenshot it can; unusable entries are
// logged and skipped. A hash mismatch fails the whole job.
func (t *ValidateTask) resolveScreenshots(ctx context.Context, shots []json.RawMessage) ([]Image, error) {
	images := make([]Image, 0, len(shots))
	for i, raw := range shots {
		img, err := t.resolveScreenshot(ctx, raw)
		if errors.Is(err, domain.ErrIntegrity) {
			return nil, fmt.Errorf("screenshot %d: %w", i, err)
		}
		if err != nil {
			logger.CtxWarn(ctx, "Skipping screenshot %d: %v", i, err)
			continue
		}
		images = append(images, img)
	}
	return images, nil
}

func (t *ValidateTask) resolveScreenshot(ctx context.Context, raw json.RawMessage) (Image, error) {
	raw = bytes.TrimSpace(raw)

	var s string
	if json.Unmarshal(raw, &s) == nil && strings.HasPrefix(s, "data:") {
		return decodeBase64Image(s)
	}

	var wrapped struct {
		DataURI json.RawMessage `json:"data_uri"`
	}
	if json.Unmarshal(raw, &wrapped) == nil && len(wrapped.DataURI) > 0 {
		return t.resolveScreenshot(ctx, wrapped.DataURI)
	}

	var ref domain.InputReference
	if err := json.Unmarshal(raw, &ref); err != nil {
		return Image{}, err
	}
	if t.deps.Resolver == nil {
		return Image{}, fmt.Errorf("%w: no resolver configured", domain.ErrInvalidReference)
	}
	path, err := t.deps.Resolver.Resolve(ctx, ref)
	if err != nil {
		return Image{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Image{}, err
	}
	return decodeImage(data)
}

func rawOrNil(raw json.RawMessage) any {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil
	}
	return raw
}

// Schema implements Task.
func (t *ValidateTask) Schema() ToolSchema {
	return ToolSchema{
		Name:        "ring_validate",
		Description: "Review ring screenshots for structural defects. Invalid designs with corrected code are re-rendered once; if that render fails the original design is kept.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"screenshots", "code"},
			"properties": map[string]any{
				"screenshots": map[string]any{
					"type":        "array",
					"minItems":    1,
					"description": "Data URIs, {data_uri} objects or artifact references.",
				},
				"code":        stringSchema("Blender Python code that produced the ring."),
				"user_prompt": stringSchema("Original design request."),
				"llm_name":    stringSchema("Model override."),
				"glb_path":    map[string]any{"description": "Current model reference, echoed back when kept."},
				"session_id":  stringSchema("Working directory name."),
				"request_id":  stringSchema("Becomes the job id."),
			},
		},
		OutputSchema: map[string]any{
			"type":     "object",
			"required": []string{"is_valid", "message", "regenerated"},
			"properties": map[string]any{
				"is_valid":       map[string]any{"type": "boolean"},
				"message":        map[string]any{"type": "string"},
				"regenerated":    map[string]any{"type": "boolean"},
				"corrected_code": map[string]any{"type": "string"},
				"cost":           map[string]any{"type": "number"},
				"tokens":         map[string]any{"type": "object"},
				"glb_path":       map[string]any{},
				"llm_used":       map[string]any{"type": "string"},
			},
		},
	}
}
