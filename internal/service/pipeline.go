package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/timmy/ringforge/internal/domain"
	"github.com/timmy/ringforge/internal/logger"
	"github.com/timmy/ringforge/internal/metrics"
)

// Generator produces the first candidate script of a task.
type Generator interface {
	Generate(ctx context.Context, spec GenerationSpec) (string, domain.UsageInfo, error)
}

// Repairer turns a failing script and its error into a corrected script.
type Repairer interface {
	Repair(ctx context.Context, req RepairRequest) (string, domain.UsageInfo, error)
}

// Renderer materializes a script into an artifact.
type Renderer interface {
	Render(ctx context.Context, job RenderJob) (*RenderResult, error)
}

// ScriptBuilder wraps candidate code into the script a Renderer runs.
type ScriptBuilder func(code, outputPath string) (string, error)

// Budget bounds the retry loop. Whichever bound is hit first stops it.
type Budget struct {
	MaxRetries int
	MaxCostUSD float64
}

// FailurePolicy decides what an exhausted or broken loop returns.
type FailurePolicy int

const (
	// FailHard returns the failure to the caller.
	FailHard FailurePolicy = iota
	// KeepOriginal reports success with the unmodified original content.
	KeepOriginal
)

// KeptOriginalNote is the outcome note of a KeepOriginal fallback.
const KeptOriginalNote = "Validation corrections failed, using original design"

// PipelineRequest is one execution of the retry/repair loop.
type PipelineRequest struct {
	// Spec is sent to the Generator when InitialCode is empty.
	Spec GenerationSpec
	// InitialCode skips generation.
	InitialCode string
	// OriginalCode is what KeepOriginal falls back to; defaults to the first candidate.
	OriginalCode string
	// SpatialReport seeds the geometry context for the first repair.
	SpatialReport string
	// WorkDir receives the script; OutputPath the artifact.
	WorkDir    string
	ScriptName string
	OutputPath string
	Timeout    time.Duration
	// Script defaults to BuildExportScript.
	Script ScriptBuilder
	Budget Budget
	Policy FailurePolicy
	Model  string
	// PriorCost is spend already accumulated by the caller.
	PriorCost domain.CostSummary
}

// Outcome is the state of the loop when it stopped.
type Outcome struct {
	Code         string
	Render       *RenderResult
	RetryLog     []domain.RetryAttempt
	Cost         domain.CostSummary
	Renders      int
	KeptOriginal bool
	Note         string
	// Failure is the error a KeepOriginal fallback swallowed.
	Failure error
}

// Pipeline runs generate -> render -> repair -> render ... under a Budget.
type Pipeline struct {
	generator Generator
	renderer  Renderer
	repairer  Repairer
	now       func() time.Time
}

// NewPipeline creates a pipeline. A nil repairer makes every render failure
// final, which is what render-only tasks want.
func NewPipeline(generator Generator, renderer Renderer, repairer Repairer) *Pipeline {
	return &Pipeline{
		generator: generator,
		renderer:  renderer,
		repairer:  repairer,
		now:       time.Now,
	}
}

// Run executes the loop.
// Parameters:
//   - ctx: job context; cancellation aborts between steps.
//   - req: candidate source, budget, paths and failure policy.
//   - r: receives progress, every failed attempt and the running cost.
//
// Returns:
//   - *Outcome: always non-nil, carrying the retry log and cost so far.
//   - error: wraps ErrGeneration, ErrRepair, ErrRender or ErrBudgetExceeded.
//     nil when KeepOriginal absorbed the failure.
func (p *Pipeline) Run(ctx context.Context, req PipelineRequest, r domain.ProgressReporter) (*Outcome, error) {
	if r == nil {
		r = domain.NopReporter{}
	}
	buildScript := req.Script
	if buildScript == nil {
		buildScript = BuildExportScript
	}
	scriptName := req.ScriptName
	if scriptName == "" {
		scriptName = "ring_script.py"
	}

	out := &Outcome{Cost: req.PriorCost.Clone()}
	code := req.InitialCode

	if code == "" {
		r.Progress("Generating design", 10)
		generated, usage, err := p.generator.Generate(ctx, req.Spec)
		p.charge(out, usage, r)
		if err != nil {
			return out, fmt.Errorf("%w: %v", domain.ErrGeneration, err)
		}
		code = generated
		logger.With(logger.Fields{"modules": len(ExtractModules(code))}).
			WithSize(int64(len(code))).
			Info(ctx, "Generated initial code")
	}
	original := req.OriginalCode
	if original == "" {
		original = code
	}
	out.Code = code

	spatial := req.SpatialReport
	maxRenders := req.Budget.MaxRetries + 1

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		r.Progress(fmt.Sprintf("Rendering (attempt %d/%d)", attempt, maxRenders), renderProgress(attempt, maxRenders))
		res, renderErr := p.render(ctx, req, buildScript, scriptName, code)
		out.Renders = attempt
		out.Render = res
		metrics.PipelineAttemptsTotal.WithLabelValues(strconv.FormatBool(renderErr == nil && res.Success)).Inc()

		if renderErr == nil && res.Success {
			out.Code = code
			r.Progress("Render succeeded", 90)
			return out, nil
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}

		errText := res.ErrorText()
		if renderErr != nil {
			errText = truncate(renderErr.Error()+"\n"+errText, 3000)
		}
		if res.SpatialReport != "" {
			spatial = res.SpatialReport
		}
		failed := domain.RetryAttempt{
			AttemptNumber: attempt,
			ErrorSummary:  errText,
			CodeLength:    len(code),
			Timestamp:     p.now(),
		}
		attemptCtx := logger.WithField(ctx, logger.FieldAttempt, attempt)
		logger.CtxWarn(attemptCtx, "Render attempt failed: %s", truncate(errText, 200))

		lastErr := renderFailure(renderErr, errText)

		switch {
		case p.repairer == nil || req.Budget.MaxRetries == 0:
			p.record(out, failed, r)
			return p.fail(out, req.Policy, original, lastErr)
		case attempt > req.Budget.MaxRetries:
			p.record(out, failed, r)
			return p.fail(out, req.Policy, original,
				fmt.Errorf("%w: %d repairs used: %w", domain.ErrBudgetExceeded, req.Budget.MaxRetries, lastErr))
		case out.Cost.TotalCostUSD >= req.Budget.MaxCostUSD:
			p.record(out, failed, r)
			return p.fail(out, req.Policy, original,
				fmt.Errorf("%w: spent $%.4f of $%.2f: %w", domain.ErrBudgetExceeded, out.Cost.TotalCostUSD, req.Budget.MaxCostUSD, lastErr))
		}

		r.Progress(fmt.Sprintf("Repairing (attempt %d/%d)", attempt, req.Budget.MaxRetries), renderProgress(attempt, maxRenders)+5)
		fixed, usage, err := p.repairer.Repair(ctx, RepairRequest{
			Code:          code,
			ErrorText:     errText,
			SpatialReport: spatial,
			Model:         req.Model,
		})
		failed.CostDelta = usage.CostUSD
		p.record(out, failed, r)
		p.charge(out, usage, r)
		if err != nil {
			return p.fail(out, req.Policy, original, fmt.Errorf("%w: %v", domain.ErrRepair, err))
		}
		if out.Cost.TotalCostUSD >= req.Budget.MaxCostUSD {
			return p.fail(out, req.Policy, original,
				fmt.Errorf("%w: repair %d brought spend to $%.4f of $%.2f", domain.ErrBudgetExceeded, attempt, out.Cost.TotalCostUSD, req.Budget.MaxCostUSD))
		}
		code = fixed
		out.Code = code
	}
}

func (p *Pipeline) render(ctx context.Context, req PipelineRequest, build ScriptBuilder, scriptName, code string) (*RenderResult, error) {
	script, err := build(code, req.OutputPath)
	if err != nil {
		return &RenderResult{ReturnCode: -1, ErrorLines: []string{err.Error()}}, fmt.Errorf("%w: %v", domain.ErrRender, err)
	}
	res, err := p.renderer.Render(ctx, RenderJob{
		Script:     script,
		ScriptPath: filepath.Join(req.WorkDir, scriptName),
		OutputPath: req.OutputPath,
		Timeout:    req.Timeout,
	})
	if res == nil {
		res = &RenderResult{ReturnCode: -1}
		if err != nil {
			res.ErrorLines = []string{err.Error()}
		}
	}
	return res, err
}

func (p *Pipeline) charge(out *Outcome, usage domain.UsageInfo, r domain.ProgressReporter) {
	if usage.InputTokens == 0 && usage.OutputTokens == 0 && usage.CostUSD == 0 {
		return
	}
	out.Cost.Add(usage)
	metrics.PipelineCostUSD.Add(usage.CostUSD)
	r.Cost(out.Cost.Clone())
}

func (p *Pipeline) record(out *Outcome, a domain.RetryAttempt, r domain.ProgressReporter) {
	out.RetryLog = append(out.RetryLog, a)
	r.Attempt(a)
}

func (p *Pipeline) fail(out *Outcome, policy FailurePolicy, original string, err error) (*Outcome, error) {
	if policy != KeepOriginal {
		return out, err
	}
	out.Code = original
	out.KeptOriginal = true
	out.Note = KeptOriginalNote
	out.Failure = err
	return out, nil
}

func renderFailure(renderErr error, errText string) error {
	if renderErr != nil && (errors.Is(renderErr, domain.ErrTimeout) || errors.Is(renderErr, domain.ErrRender)) {
		return renderErr
	}
	return fmt.Errorf("%w: %s", domain.ErrRender, truncate(firstLine(errText), 300))
}

func renderProgress(attempt, maxRenders int) int {
	return 20 + 60*(attempt-1)/maxRenders
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
