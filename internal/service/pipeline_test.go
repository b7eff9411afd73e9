package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/ringforge/internal/domain"
)

// scriptedRenderer succeeds or fails according to outcomes, one per call.
type scriptedRenderer struct {
	mu       sync.Mutex
	outcomes []bool
	errs     map[int]error
	scripts  []string
}

func (s *scriptedRenderer) Render(_ context.Context, job RenderJob) (*RenderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.scripts)
	s.scripts = append(s.scripts, job.Script)

	if err := s.errs[n]; err != nil {
		return &RenderResult{ReturnCode: -1, ErrorLines: []string{"Blender timed out"}}, err
	}
	ok := n < len(s.outcomes) && s.outcomes[n]
	res := &RenderResult{Success: ok, OutputExists: ok, ReturnCode: 0}
	if ok {
		res.OutputSize = 4096
		return res, nil
	}
	res.ReturnCode = 1
	res.ErrorLines = []string{fmt.Sprintf("Error: face exists (render %d)", n+1)}
	res.Stderr = "Traceback (most recent call last)"
	res.SpatialReport = fmt.Sprintf("MESH: band_%d", n+1)
	return res, nil
}

func (s *scriptedRenderer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scripts)
}

// fakeLLM generates once and repairs with scripted costs.
type fakeLLM struct {
	mu          sync.Mutex
	genCost     float64
	genErr      error
	repairCosts []float64
	repairErr   error
	repairs     []RepairRequest
}

func (f *fakeLLM) Generate(_ context.Context, spec GenerationSpec) (string, domain.UsageInfo, error) {
	usage := domain.UsageInfo{Step: "generate", InputTokens: 1000, OutputTokens: 500, CostUSD: f.genCost}
	if f.genErr != nil {
		return "", usage, f.genErr
	}
	return "def build():\n    pass\n", usage, nil
}

func (f *fakeLLM) Repair(_ context.Context, req RepairRequest) (string, domain.UsageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repairs = append(f.repairs, req)
	n := len(f.repairs)
	cost := 0.0
	if n <= len(f.repairCosts) {
		cost = f.repairCosts[n-1]
	}
	usage := domain.UsageInfo{Step: "fix", InputTokens: 800, OutputTokens: 400, CostUSD: cost}
	if f.repairErr != nil {
		return "", usage, f.repairErr
	}
	return fmt.Sprintf("# fix %d\ndef build():\n    pass\n", n), usage, nil
}

// recordingReporter keeps every update.
type recordingReporter struct {
	mu       sync.Mutex
	progress []int
	attempts []domain.RetryAttempt
	cost     domain.CostSummary
}

func (r *recordingReporter) Progress(_ string, pct int) {
	r.mu.Lock()
	r.progress = append(r.progress, pct)
	r.mu.Unlock()
}

func (r *recordingReporter) Attempt(a domain.RetryAttempt) {
	r.mu.Lock()
	r.attempts = append(r.attempts, a)
	r.mu.Unlock()
}

func (r *recordingReporter) Cost(c domain.CostSummary) {
	r.mu.Lock()
	r.cost = c
	r.mu.Unlock()
}

func newRequest(t *testing.T, budget Budget) PipelineRequest {
	dir := t.TempDir()
	return PipelineRequest{
		Spec:       GenerationSpec{Prompt: "ring"},
		WorkDir:    dir,
		OutputPath: filepath.Join(dir, "model.glb"),
		Budget:     budget,
	}
}

func sumDeltas(log []domain.RetryAttempt) float64 {
	total := 0.0
	for _, a := range log {
		total += a.CostDelta
	}
	return total
}

func TestPipelineSucceedsAfterTwoRepairs(t *testing.T) {
	renderer := &scriptedRenderer{outcomes: []bool{false, false, true}}
	llm := &fakeLLM{genCost: 0.01, repairCosts: []float64{0.01, 0.01}}
	rep := &recordingReporter{}

	out, err := NewPipeline(llm, renderer, llm).Run(context.Background(), newRequest(t, Budget{MaxRetries: 3, MaxCostUSD: 5}), rep)

	require.NoError(t, err)
	assert.Equal(t, 3, renderer.calls())
	assert.Equal(t, 3, out.Renders)
	require.Len(t, out.RetryLog, 2)
	assert.Equal(t, 1, out.RetryLog[0].AttemptNumber)
	assert.Equal(t, 2, out.RetryLog[1].AttemptNumber)
	assert.Contains(t, out.RetryLog[0].ErrorSummary, "render 1")
	assert.InDelta(t, 0.01, out.RetryLog[0].CostDelta, 1e-9)
	assert.True(t, strings.HasPrefix(out.Code, "# fix 2"))
	assert.Equal(t, 3, out.Cost.LLMCalls)
	assert.InDelta(t, 0.03, out.Cost.TotalCostUSD, 1e-9)
	assert.Len(t, rep.attempts, 2)
	assert.Equal(t, out.Cost.TotalCostUSD, rep.cost.TotalCostUSD)
}

func TestPipelineStopsWhenRepairCrossesCostBudget(t *testing.T) {
	renderer := &scriptedRenderer{}
	llm := &fakeLLM{genCost: 0.01, repairCosts: []float64{0.02, 0.03, 0.5}}
	budget := Budget{MaxRetries: 3, MaxCostUSD: 0.05}

	out, err := NewPipeline(llm, renderer, llm).Run(context.Background(), newRequest(t, budget), nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBudgetExceeded))
	assert.Equal(t, domain.ErrorKindBudgetExceeded, domain.ErrorKind(err))
	require.Len(t, out.RetryLog, 2)
	assert.Equal(t, 2, renderer.calls(), "the over-budget repair is never rendered")
	assert.Len(t, llm.repairs, 2)

	last := out.RetryLog[len(out.RetryLog)-1].CostDelta
	assert.Less(t, sumDeltas(out.RetryLog)-last, budget.MaxCostUSD)
}

func TestPipelineStopsAfterMaxRetries(t *testing.T) {
	renderer := &scriptedRenderer{}
	llm := &fakeLLM{repairCosts: []float64{0.01, 0.01, 0.01}}

	out, err := NewPipeline(llm, renderer, llm).Run(context.Background(), newRequest(t, Budget{MaxRetries: 2, MaxCostUSD: 5}), nil)

	require.ErrorIs(t, err, domain.ErrBudgetExceeded)
	assert.ErrorIs(t, err, domain.ErrRender)
	assert.Equal(t, 3, renderer.calls())
	require.Len(t, out.RetryLog, 3)
	assert.Zero(t, out.RetryLog[2].CostDelta)
	assert.Len(t, llm.repairs, 2)
}

func TestPipelineSkipsRepairWhenBudgetAlreadySpent(t *testing.T) {
	renderer := &scriptedRenderer{}
	llm := &fakeLLM{genCost: 0.2}

	out, err := NewPipeline(llm, renderer, llm).Run(context.Background(), newRequest(t, Budget{MaxRetries: 3, MaxCostUSD: 0.1}), nil)

	require.ErrorIs(t, err, domain.ErrBudgetExceeded)
	assert.Len(t, out.RetryLog, 1)
	assert.Empty(t, llm.repairs)
}

func TestPipelinePassesErrorAndSpatialContextToRepair(t *testing.T) {
	renderer := &scriptedRenderer{outcomes: []bool{false, true}}
	llm := &fakeLLM{}
	req := newRequest(t, Budget{MaxRetries: 1, MaxCostUSD: 5})
	req.Model = "gpt-4o-mini"

	_, err := NewPipeline(llm, renderer, llm).Run(context.Background(), req, nil)
	require.NoError(t, err)

	require.Len(t, llm.repairs, 1)
	fix := llm.repairs[0]
	assert.Contains(t, fix.ErrorText, "Error: face exists (render 1)")
	assert.Contains(t, fix.ErrorText, "Traceback")
	assert.Equal(t, "MESH: band_1", fix.SpatialReport)
	assert.Equal(t, "gpt-4o-mini", fix.Model)
	assert.Contains(t, fix.Code, "def build")
}

func TestPipelineRepairFailure(t *testing.T) {
	renderer := &scriptedRenderer{}
	llm := &fakeLLM{repairErr: errors.New("HTTP 529: overloaded")}

	out, err := NewPipeline(llm, renderer, llm).Run(context.Background(), newRequest(t, Budget{MaxRetries: 3, MaxCostUSD: 5}), nil)

	require.ErrorIs(t, err, domain.ErrRepair)
	assert.Equal(t, domain.ErrorKindRepair, domain.ErrorKind(err))
	assert.Len(t, out.RetryLog, 1)
	assert.Equal(t, 1, renderer.calls())
}

func TestPipelineGenerationFailure(t *testing.T) {
	renderer := &scriptedRenderer{}
	llm := &fakeLLM{genErr: errors.New("no code")}

	out, err := NewPipeline(llm, renderer, llm).Run(context.Background(), newRequest(t, Budget{MaxRetries: 3, MaxCostUSD: 5}), nil)

	require.ErrorIs(t, err, domain.ErrGeneration)
	assert.Zero(t, renderer.calls())
	assert.Empty(t, out.RetryLog)
}

func TestPipelineRenderTimeoutConsumesAnAttempt(t *testing.T) {
	renderer := &scriptedRenderer{
		outcomes: []bool{false, true},
		errs:     map[int]error{0: fmt.Errorf("%w: render exceeded 5m0s", domain.ErrTimeout)},
	}
	llm := &fakeLLM{}

	out, err := NewPipeline(llm, renderer, llm).Run(context.Background(), newRequest(t, Budget{MaxRetries: 2, MaxCostUSD: 5}), nil)

	require.NoError(t, err)
	require.Len(t, out.RetryLog, 1)
	assert.Contains(t, out.RetryLog[0].ErrorSummary, "timed out")
}

func TestPipelineRenderOnlyTimeoutKind(t *testing.T) {
	renderer := &scriptedRenderer{errs: map[int]error{0: fmt.Errorf("%w: render exceeded 1s", domain.ErrTimeout)}}
	req := newRequest(t, Budget{})
	req.InitialCode = "/tmp/model.glb"

	_, err := NewPipeline(nil, renderer, nil).Run(context.Background(), req, nil)

	require.Error(t, err)
	assert.Equal(t, domain.ErrorKindTimeout, domain.ErrorKind(err))
}

func TestPipelineKeepOriginalFallback(t *testing.T) {
	renderer := &scriptedRenderer{}
	req := newRequest(t, Budget{MaxRetries: 0, MaxCostUSD: 5})
	req.InitialCode = "corrected"
	req.OriginalCode = "original"
	req.Policy = KeepOriginal

	out, err := NewPipeline(nil, renderer, nil).Run(context.Background(), req, nil)

	require.NoError(t, err)
	assert.True(t, out.KeptOriginal)
	assert.Equal(t, "original", out.Code)
	assert.Equal(t, KeptOriginalNote, out.Note)
	assert.ErrorIs(t, out.Failure, domain.ErrRender)
	assert.Len(t, out.RetryLog, 1)
}

func TestPipelineProgressIsMonotonic(t *testing.T) {
	renderer := &scriptedRenderer{outcomes: []bool{false, false, false, true}}
	llm := &fakeLLM{}
	rep := &recordingReporter{}

	_, err := NewPipeline(llm, renderer, llm).Run(context.Background(), newRequest(t, Budget{MaxRetries: 3, MaxCostUSD: 5}), rep)
	require.NoError(t, err)

	for i := 1; i < len(rep.progress); i++ {
		assert.GreaterOrEqual(t, rep.progress[i], rep.progress[i-1])
	}
}

func TestPipelineStopsOnCancelledContext(t *testing.T) {
	renderer := &scriptedRenderer{}
	llm := &fakeLLM{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewPipeline(llm, renderer, llm).Run(ctx, newRequest(t, Budget{MaxRetries: 3, MaxCostUSD: 5}), nil)

	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, renderer.calls())
}
