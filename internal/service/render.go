package service

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/timmy/ringforge/internal/domain"
	"github.com/timmy/ringforge/internal/logger"
)

const (
	spatialReportStart = "===SPATIAL_REPORT_START==="
	spatialReportEnd   = "===SPATIAL_REPORT_END==="
	pipelineMarker     = "[PIPELINE]"
)

//go:embed scripts/*.py.tmpl
var scriptFS embed.FS

var scriptTemplates = template.Must(
	template.New("scripts").Delims("{%", "%}").ParseFS(scriptFS, "scripts/*.py.tmpl"),
)

// RenderJob is one Blender invocation.
type RenderJob struct {
	// Script is the complete Python source handed to Blender.
	Script string
	// ScriptPath is where Script is written before launch.
	ScriptPath string
	// OutputPath is the file (or directory) the script must produce.
	OutputPath string
	// Timeout overrides the runner default when positive.
	Timeout time.Duration
}

// RenderResult is what a finished Blender process left behind.
type RenderResult struct {
	Success       bool     `json:"success"`
	ReturnCode    int      `json:"returncode"`
	Stdout        string   `json:"-"`
	Stderr        string   `json:"-"`
	PipelineLog   []string `json:"pipeline_log"`
	ErrorLines    []string `json:"error_lines"`
	OutputExists  bool     `json:"-"`
	OutputSize    int64    `json:"glb_size"`
	Elapsed       float64  `json:"elapsed"`
	ScriptPath    string   `json:"-"`
	SpatialReport string   `json:"-"`
}

// ErrorText summarizes a failed render for the repair prompt and retry log:
// the first 20 error lines followed by the last 1500 bytes of stderr.
func (r *RenderResult) ErrorText() string {
	lines := r.ErrorLines
	if len(lines) > 20 {
		lines = lines[:20]
	}
	text := strings.Join(lines, "\n")
	if tail := lastN(r.Stderr, 1500); tail != "" {
		text += "\n" + tail
	}
	if strings.TrimSpace(text) == "" && !r.OutputExists {
		text = "render produced no output"
	}
	return truncate(text, 3000)
}

// BlenderRunner runs Python scripts in headless Blender.
type BlenderRunner struct {
	executable       string
	timeout          time.Duration
	minArtifactBytes int64
}

// NewBlenderRunner creates a runner for the given executable.
// Parameters:
//   - executable: blender binary name or path.
//   - timeout: default wall-clock limit per invocation.
//   - minArtifactBytes: outputs at or below this size count as failures.
func NewBlenderRunner(executable string, timeout time.Duration, minArtifactBytes int64) *BlenderRunner {
	return &BlenderRunner{
		executable:       executable,
		timeout:          timeout,
		minArtifactBytes: minArtifactBytes,
	}
}

// Available reports whether the executable can be found.
func (b *BlenderRunner) Available() bool {
	if _, err := os.Stat(b.executable); err == nil {
		return true
	}
	_, err := exec.LookPath(b.executable)
	return err == nil
}

// Render writes the script and runs `blender -b --python <script>`. The
// process is killed only when its own timeout elapses; that case returns a
// failed result together with an error wrapping domain.ErrTimeout.
func (b *BlenderRunner) Render(ctx context.Context, job RenderJob) (*RenderResult, error) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}

	if err := os.MkdirAll(filepath.Dir(job.ScriptPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	if err := os.WriteFile(job.ScriptPath, []byte(job.Script), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write script: %w", err)
	}
	// a stale artifact from an earlier attempt must not count as success
	_ = os.RemoveAll(job.OutputPath)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, b.executable, "-b", "--python", job.ScriptPath)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.With(logger.Fields{"script": job.ScriptPath}).Info(ctx, "Running Blender")
	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	res := &RenderResult{
		ReturnCode: -1,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Elapsed:    float64(elapsed.Milliseconds()) / 1000,
		ScriptPath: job.ScriptPath,
	}
	if cmd.ProcessState != nil {
		res.ReturnCode = cmd.ProcessState.ExitCode()
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.ErrorLines = []string{fmt.Sprintf("Blender timed out after %s", timeout)}
		logger.With(logger.Fields{"script": job.ScriptPath}).
			WithDuration(elapsed.Milliseconds()).
			Warn(ctx, "Blender timed out")
		return res, fmt.Errorf("%w: render exceeded %s", domain.ErrTimeout, timeout)
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	var execErr *exec.Error
	if errors.As(runErr, &execErr) {
		res.ErrorLines = []string{execErr.Error()}
		return res, fmt.Errorf("%w: %v", domain.ErrRender, runErr)
	}

	b.inspect(res, job.OutputPath)
	logger.With(logger.Fields{"success": res.Success}).
		WithDuration(elapsed.Milliseconds()).
		WithSize(res.OutputSize).
		Info(ctx, "Blender finished with code %d", res.ReturnCode)
	return res, nil
}

// inspect parses the process output and checks the produced artifact.
func (b *BlenderRunner) inspect(res *RenderResult, outputPath string) {
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.Contains(line, pipelineMarker) {
			res.PipelineLog = append(res.PipelineLog, line)
		}
	}
	for _, line := range strings.Split(res.Stdout+"\n"+res.Stderr, "\n") {
		if strings.Contains(line, "Error") || strings.Contains(line, "Traceback") || strings.Contains(strings.ToLower(line), "error") {
			res.ErrorLines = append(res.ErrorLines, line)
		}
	}
	res.SpatialReport = ExtractSpatialReport(res.Stdout)

	size, ok := outputSize(outputPath)
	res.OutputExists = ok
	res.OutputSize = size
	res.Success = ok && size > b.minArtifactBytes
}

// outputSize returns the size of a file, or the summed size of the regular
// files in a directory.
func outputSize(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	if !info.IsDir() {
		return info.Size(), true
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0, false
	}
	var total int64
	for _, e := range entries {
		if fi, err := e.Info(); err == nil && fi.Mode().IsRegular() {
			total += fi.Size()
		}
	}
	return total, len(entries) > 0
}

// ExtractSpatialReport returns the text between the spatial report markers.
func ExtractSpatialReport(stdout string) string {
	_, after, ok := strings.Cut(stdout, spatialReportStart)
	if !ok {
		return ""
	}
	body, _, ok := strings.Cut(after, spatialReportEnd)
	if !ok {
		return ""
	}
	return strings.TrimSpace(body)
}

// BuildExportScript wraps generated ring code with scene clearing, the
// build() call, the spatial report and the GLB export.
func BuildExportScript(code, outputPath string) (string, error) {
	code = StripMainGuard(PreprocessCode(code))
	var buf bytes.Buffer
	err := scriptTemplates.ExecuteTemplate(&buf, "export.py.tmpl", map[string]any{
		"Code":        code,
		"OutputPath":  outputPath,
		"ReportStart": spatialReportStart,
		"ReportEnd":   spatialReportEnd,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render export script: %w", err)
	}
	return buf.String(), nil
}

// CameraAngle is one screenshot viewpoint; the camera looks at the origin.
type CameraAngle struct {
	Name    string
	X, Y, Z float64
}

// DefaultCameraAngles are the eight review views.
var DefaultCameraAngles = []CameraAngle{
	{"front", 0, 0, 5},
	{"back", 0, 0, -5},
	{"left", -5, 0, 0},
	{"right", 5, 0, 0},
	{"top", 0, 5, 0},
	{"bottom", 0, -5, 0},
	{"angle1", 3, 3, 3},
	{"angle2", -3, 2, -3},
}

// BuildScreenshotScript renders the GLB at inputPath from every angle into
// outputDir as <name>.png.
func BuildScreenshotScript(inputPath, outputDir string, resolution int, angles []CameraAngle) (string, error) {
	var buf bytes.Buffer
	err := scriptTemplates.ExecuteTemplate(&buf, "screenshot.py.tmpl", map[string]any{
		"InputPath":  inputPath,
		"OutputPath": outputDir,
		"Resolution": resolution,
		"Angles":     angles,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render screenshot script: %w", err)
	}
	return buf.String(), nil
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
