package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/timmy/ringforge/internal/domain"
	"github.com/timmy/ringforge/internal/logger"
	"github.com/timmy/ringforge/internal/prompts"
)

// EditRequest changes an existing ring: a free-form edit, regenerating one
// part, or adding a new part.
type EditRequest struct {
	Common
	BudgetOverride
	Operation       string   `json:"operation"`
	Code            string   `json:"code"`
	Modules         []string `json:"modules,omitempty"`
	UserPrompt      string   `json:"user_prompt,omitempty"`
	SpatialReport   string   `json:"spatial_report,omitempty"`
	EditInstruction string   `json:"edit_instruction,omitempty"`
	TargetModule    string   `json:"target_module,omitempty"`
	PartDescription string   `json:"part_description,omitempty"`
	LLMName         string   `json:"llm_name,omitempty"`
	CurrentVersion  int      `json:"current_version,omitempty"`
}

// Summary implements Input.
func (r *EditRequest) Summary() map[string]any {
	return map[string]any{
		"operation":     r.Operation,
		"target_module": r.TargetModule,
		"instruction":   truncate(r.EditInstruction+r.PartDescription, 120),
		"version":       r.CurrentVersion,
	}
}

func (r *EditRequest) validate() error {
	if strings.TrimSpace(r.Code) == "" {
		return fmt.Errorf("%w: code is required", domain.ErrInvalidInput)
	}
	switch r.Operation {
	case prompts.OperationEdit:
		if r.EditInstruction == "" {
			return fmt.Errorf("%w: edit_instruction is required for 'edit'", domain.ErrInvalidInput)
		}
	case prompts.OperationRegenPart:
		if r.TargetModule == "" {
			return fmt.Errorf("%w: target_module is required for 'regen-part'", domain.ErrInvalidInput)
		}
	case prompts.OperationAddPart:
		if r.PartDescription == "" {
			return fmt.Errorf("%w: part_description is required for 'add-part'", domain.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: operation must be one of edit, regen-part, add-part", domain.ErrInvalidInput)
	}
	return r.BudgetOverride.validate()
}

// EditResult is the payload of an edit job.
type EditResult struct {
	GenerateResult
	Operation   string `json:"operation"`
	Description string `json:"description"`
	Version     int    `json:"version"`
}

// EditTask applies edits to existing ring code.
type EditTask struct {
	deps     *Deps
	pipeline *Pipeline
}

// NewEditTask creates the edit task body.
func NewEditTask(deps *Deps) *EditTask {
	return &EditTask{
		deps:     deps,
		pipeline: NewPipeline(deps.Generator, deps.Renderer, deps.Repairer),
	}
}

// Kind implements Task.
func (t *EditTask) Kind() string { return "edit" }

// Parse implements Task.
func (t *EditTask) Parse(raw []byte) (Input, error) {
	req := &EditRequest{}
	if err := decodeInput(raw, req); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.CurrentVersion < 1 {
		req.CurrentVersion = 1
	}
	return req, nil
}

// Execute implements Task.
func (t *EditTask) Execute(ctx context.Context, input any, r domain.ProgressReporter) (any, error) {
	req, ok := input.(*EditRequest)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected input %T", domain.ErrInvalidInput, input)
	}

	prompt, description, err := prompts.BuildEditPrompt(prompts.EditRequest{
		Operation:       req.Operation,
		Code:            req.Code,
		Instruction:     req.EditInstruction,
		TargetModule:    req.TargetModule,
		PartDescription: req.PartDescription,
		SpatialReport:   req.SpatialReport,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
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
	version := req.CurrentVersion + 1
	ctx = logger.WithFields(ctx, logger.Fields{"session_id": sessionID, "operation": req.Operation})
	logger.CtxInfo(ctx, "%s on session %s (v%d -> v%d)", req.Operation, sessionID, req.CurrentVersion, version)

	out, runErr := t.pipeline.Run(ctx, PipelineRequest{
		Spec:          GenerationSpec{Step: req.Operation, Prompt: prompt, Model: req.LLMName},
		SpatialReport: req.SpatialReport,
		WorkDir:       dir,
		OutputPath:    glbPath,
		Timeout:       t.deps.RenderTimeout,
		Budget:        req.BudgetOverride.Apply(t.deps.Budget),
		Policy:        FailHard,
		Model:         req.LLMName,
	}, r)

	code := out.Code
	if code == "" {
		code = req.Code
	}
	result := &EditResult{
		GenerateResult: GenerateResult{
			Success:         runErr == nil,
			SessionID:       sessionID,
			Code:            code,
			Modules:         ExtractModules(code),
			RetryLog:        out.RetryLog,
			CostSummary:     out.Cost,
			NeedsValidation: true,
			LLMUsed:         t.deps.modelOrDefault(req.LLMName),
		},
		Operation:   req.Operation,
		Description: description,
		Version:     version,
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
	logger.With(logger.Fields{"version": version}).
		WithCost(result.CostSummary.TotalCostUSD).
		Info(ctx, "Edit complete")
	return result, nil
}

func (t *EditTask) writeSession(ctx context.Context, req *EditRequest, res *EditResult, out *Outcome) {
	now := time.Now().Format(time.RFC3339)
	summary := map[string]any{
		"session_id":      res.SessionID,
		"prompt":          req.UserPrompt,
		"llm_name":        res.LLMUsed,
		"code":            res.Code,
		"modules":         res.Modules,
		"version":         res.Version,
		"current_version": res.Version,
		"edits": []map[string]any{{
			"request":       res.Description,
			"operation":     req.Operation,
			"target_module": req.TargetModule,
			"timestamp":     now,
			"version":       res.Version,
		}},
		"created":        now,
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
func (t *EditTask) Schema() ToolSchema {
	return ToolSchema{
		Name:        "ring_edit",
		Description: "Edit an existing ring script (edit, regen-part or add-part), re-render it and repair failed renders within a budget.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"operation", "code"},
			"properties": map[string]any{
				"operation":        map[string]any{"type": "string", "enum": []string{"edit", "regen-part", "add-part"}},
				"code":             stringSchema("Current Blender Python code."),
				"modules":          map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"user_prompt":      stringSchema("Original generation prompt."),
				"spatial_report":   stringSchema("Geometry context from the last render."),
				"edit_instruction": stringSchema("Required for edit."),
				"target_module":    stringSchema("Required for regen-part; optional focus for edit."),
				"part_description": stringSchema("Required for add-part."),
				"llm_name":         stringSchema("Model override."),
				"current_version":  map[string]any{"type": "integer", "minimum": 1},
				"max_retries":      map[string]any{"type": "integer", "minimum": 0, "maximum": 10},
				"max_cost_usd":     map[string]any{"type": "number", "minimum": 0},
				"session_id":       stringSchema("Working directory name."),
				"request_id":       stringSchema("Becomes the job id."),
			},
		},
		OutputSchema: map[string]any{
			"type":     "object",
			"required": []string{"success", "session_id", "code", "operation", "version"},
			"properties": map[string]any{
				"success":      map[string]any{"type": "boolean"},
				"session_id":   map[string]any{"type": "string"},
				"glb_path":     map[string]any{"description": "Content-addressed reference or local path."},
				"code":         map[string]any{"type": "string"},
				"modules":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"operation":    map[string]any{"type": "string"},
				"description":  map[string]any{"type": "string"},
				"version":      map[string]any{"type": "integer"},
				"retry_log":    map[string]any{"type": "array"},
				"cost_summary": map[string]any{"type": "object"},
			},
		},
	}
}
