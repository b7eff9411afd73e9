package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/timmy/ringforge/internal/domain"
	"github.com/timmy/ringforge/internal/logger"
)

// ScreenshotRequest renders review screenshots of a GLB.
type ScreenshotRequest struct {
	Common
	GLBPath    *domain.InputReference `json:"glb_path"`
	Resolution int                    `json:"resolution,omitempty"`
}

// Summary implements Input.
func (r *ScreenshotRequest) Summary() map[string]any {
	ref := ""
	if r.GLBPath != nil {
		ref = r.GLBPath.String()
	}
	return map[string]any{"glb_path": ref, "resolution": r.Resolution}
}

// ScreenshotImage is one rendered view.
type ScreenshotImage struct {
	Name    string `json:"name"`
	DataURI string `json:"data_uri"`
}

// ScreenshotResult is the payload of a screenshot job.
type ScreenshotResult struct {
	Success       bool              `json:"success"`
	Screenshots   []ScreenshotImage `json:"screenshots"`
	NumAngles     int               `json:"num_angles"`
	Resolution    int               `json:"resolution"`
	RenderElapsed float64           `json:"render_elapsed"`
	GLBPath       string            `json:"glb_path"`
}

// ScreenshotTask renders a GLB from fixed camera angles. It never repairs:
// the input is a finished model, not code.
type ScreenshotTask struct {
	deps     *Deps
	pipeline *Pipeline
	angles   []CameraAngle
}

// NewScreenshotTask creates the screenshot task body.
func NewScreenshotTask(deps *Deps) *ScreenshotTask {
	return &ScreenshotTask{
		deps:     deps,
		pipeline: NewPipeline(nil, deps.Renderer, nil),
		angles:   DefaultCameraAngles,
	}
}

// Kind implements Task.
func (t *ScreenshotTask) Kind() string { return "screenshot" }

// Parse implements Task.
func (t *ScreenshotTask) Parse(raw []byte) (Input, error) {
	req := &ScreenshotRequest{}
	if err := decodeInput(raw, req); err != nil {
		return nil, err
	}
	if req.GLBPath == nil {
		return nil, fmt.Errorf("%w: glb_path is required", domain.ErrInvalidInput)
	}
	if req.Resolution == 0 {
		req.Resolution = t.deps.Screenshot
	}
	if req.Resolution < 128 || req.Resolution > 4096 {
		return nil, fmt.Errorf("%w: resolution must be between 128 and 4096", domain.ErrInvalidInput)
	}
	return req, nil
}

// Execute implements Task.
func (t *ScreenshotTask) Execute(ctx context.Context, input any, r domain.ProgressReporter) (any, error) {
	req, ok := input.(*ScreenshotRequest)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected input %T", domain.ErrInvalidInput, input)
	}

	r.Progress("Resolving GLB", 5)
	glbPath, err := t.deps.Resolver.Resolve(ctx, *req.GLBPath)
	if err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = req.RequestID
	}
	if sessionID == "" {
		sessionID = NewSessionID("shot")
	}
	dir, err := t.deps.Sessions.Create(sessionID)
	if err != nil {
		return nil, err
	}
	outDir := filepath.Join(dir, "screenshots")

	out, err := t.pipeline.Run(ctx, PipelineRequest{
		InitialCode: glbPath,
		WorkDir:     dir,
		ScriptName:  "screenshot_script.py",
		OutputPath:  outDir,
		Timeout:     t.deps.RenderTimeout,
		Script: func(input, outputPath string) (string, error) {
			return BuildScreenshotScript(input, outputPath, req.Resolution, t.angles)
		},
		Policy: FailHard,
	}, r)
	if err != nil {
		return nil, err
	}

	r.Progress("Encoding screenshots", 90)
	result := &ScreenshotResult{
		Success:       true,
		Resolution:    req.Resolution,
		RenderElapsed: out.Render.Elapsed,
		GLBPath:       glbPath,
	}
	for _, angle := range t.angles {
		data, err := os.ReadFile(filepath.Join(outDir, angle.Name+".png"))
		if err != nil {
			logger.CtxWarn(ctx, "Screenshot %s missing: %v", angle.Name, err)
			continue
		}
		img, err := decodeImage(data)
		if err != nil {
			logger.CtxWarn(ctx, "Screenshot %s unreadable: %v", angle.Name, err)
			continue
		}
		result.Screenshots = append(result.Screenshots, ScreenshotImage{Name: angle.Name, DataURI: img.DataURI()})
	}
	result.NumAngles = len(result.Screenshots)
	if result.NumAngles == 0 {
		return result, fmt.Errorf("%w: no screenshots were written", domain.ErrRender)
	}

	logger.With(logger.Fields{"session_id": sessionID}).
		WithCount(result.NumAngles).
		WithDuration(int64(result.RenderElapsed * 1000)).
		Info(ctx, "Screenshots rendered")
	return result, nil
}

// Schema implements Task.
func (t *ScreenshotTask) Schema() ToolSchema {
	return ToolSchema{
		Name:        "ring_screenshot",
		Description: "Render a GLB from eight fixed camera angles and return PNG data URIs.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"glb_path"},
			"properties": map[string]any{
				"glb_path": map[string]any{
					"description": "Local path, URL, or content-addressed reference {uri, sha256, byte_size}.",
				},
				"resolution": map[string]any{"type": "integer", "minimum": 128, "maximum": 4096, "default": t.deps.Screenshot},
				"session_id": stringSchema("Working directory name."),
				"request_id": stringSchema("Becomes the job id."),
			},
		},
		OutputSchema: map[string]any{
			"type":     "object",
			"required": []string{"success", "screenshots"},
			"properties": map[string]any{
				"success": map[string]any{"type": "boolean"},
				"screenshots": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"name":     map[string]any{"type": "string"},
							"data_uri": map[string]any{"type": "string"},
						},
					},
				},
				"num_angles":     map[string]any{"type": "integer"},
				"resolution":     map[string]any{"type": "integer"},
				"render_elapsed": map[string]any{"type": "number"},
				"glb_path":       map[string]any{"type": "string"},
			},
		},
	}
}
