package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCode(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
		want string
	}{
		{name: "python fence", raw: "Here:\n```python\nimport bpy\n```\nDone", want: "import bpy"},
		{name: "bare fence", raw: "```\nx = 1\n```", want: "x = 1"},
		{name: "python fence wins", raw: "```\nnotes\n```\n```python\ny = 2\n```", want: "y = 2"},
		{name: "raw reply", raw: "  z = 3  \n", want: "z = 3"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractCode(tc.raw))
		})
	}
}

func TestExtractModulesSkipsHelpers(t *testing.T) {
	code := `import bpy
def nuke():
    pass
def build_band(r):
    pass
  def build_head():
    pass
def mk(name):
    pass
def build():
    build_band(1)
`
	assert.Equal(t, []string{"build_band", "build_head"}, ExtractModules(code))
	assert.Empty(t, ExtractModules("x = 1"))
}

func TestPreprocessCodeInjectsSafeFace(t *testing.T) {
	code := "import bpy\nimport bmesh\n\ndef build_band():\n    bm.faces.new([a, b, c])\n"
	out := PreprocessCode(code)

	helper := strings.Index(out, "def _safe_face")
	require.Greater(t, helper, strings.Index(out, "import bmesh"))
	assert.Contains(t, out, "_safe_face(bm, [a, b, c])")
	assert.NotContains(t, out, "bm.faces.new([a, b, c])")
}

func TestStripMainGuard(t *testing.T) {
	code := "def build():\n    pass\n\nif __name__ == \"__main__\":\n    build()\n"
	out := StripMainGuard(code)
	assert.NotContains(t, out, "__main__")
	assert.Contains(t, out, "# (build call moved to auto-export section)")
}

func TestNewSessionID(t *testing.T) {
	id := NewSessionID("s")
	parts := strings.Split(id, "_")
	require.Len(t, parts, 3)
	assert.Equal(t, "s", parts[0])
	assert.Len(t, parts[1], 10)
	assert.NotEqual(t, id, NewSessionID("s"))
}

func TestBuildExportScript(t *testing.T) {
	script, err := BuildExportScript("import bpy\ndef build():\n    pass\n", "/tmp/s1/model.glb")
	require.NoError(t, err)

	assert.Contains(t, script, "[PIPELINE] Scene cleared")
	assert.Contains(t, script, `_output = r"/tmp/s1/model.glb"`)
	assert.Contains(t, script, spatialReportStart)
	assert.Contains(t, script, spatialReportEnd)
	assert.Contains(t, script, "def _safe_face")
	assert.Less(t, strings.Index(script, "def build()"), strings.Index(script, "AUTO BUILD + EXPORT"))
}

func TestBuildScreenshotScript(t *testing.T) {
	script, err := BuildScreenshotScript("/cache/a.glb", "/tmp/shots", 512, DefaultCameraAngles)
	require.NoError(t, err)

	assert.Contains(t, script, `GLB_PATH = r"/cache/a.glb"`)
	assert.Contains(t, script, "RESOLUTION = 512")
	assert.Contains(t, script, `("front", (0, 0, 5)),`)
	assert.Contains(t, script, `("angle2", (-3, 2, -3)),`)
}

func TestExtractSpatialReport(t *testing.T) {
	stdout := "noise\n===SPATIAL_REPORT_START===\nMESH: band\n---\n===SPATIAL_REPORT_END===\ntail"
	assert.Equal(t, "MESH: band\n---", ExtractSpatialReport(stdout))
	assert.Empty(t, ExtractSpatialReport("===SPATIAL_REPORT_START=== unterminated"))
}

func TestRenderResultErrorText(t *testing.T) {
	lines := make([]string, 30)
	for i := range lines {
		lines[i] = "Error line"
	}
	res := &RenderResult{ErrorLines: lines, Stderr: strings.Repeat("x", 2000)}

	text := res.ErrorText()
	assert.Equal(t, 20, strings.Count(text, "Error line"))
	assert.True(t, strings.HasSuffix(text, strings.Repeat("x", 1500)))
	assert.NotContains(t, text, strings.Repeat("x", 1501))
	assert.LessOrEqual(t, len(text), 3000)
}

func TestBlenderRunnerInspect(t *testing.T) {
	dir := t.TempDir()
	glb := filepath.Join(dir, "model.glb")
	require.NoError(t, os.WriteFile(glb, make([]byte, 2048), 0o644))

	runner := NewBlenderRunner("blender", 0, 1024)
	res := &RenderResult{
		Stdout: "[PIPELINE] Scene cleared\nsomething\n===SPATIAL_REPORT_START===\nMESH: a\n===SPATIAL_REPORT_END===\n",
		Stderr: "Traceback (most recent call last)\nValueError: bad",
	}
	runner.inspect(res, glb)

	assert.True(t, res.Success)
	assert.Equal(t, int64(2048), res.OutputSize)
	assert.Equal(t, []string{"[PIPELINE] Scene cleared"}, res.PipelineLog)
	assert.Len(t, res.ErrorLines, 2)
	assert.Equal(t, "MESH: a", res.SpatialReport)
}

func TestBlenderRunnerInspectRejectsTinyOutput(t *testing.T) {
	dir := t.TempDir()
	glb := filepath.Join(dir, "model.glb")
	require.NoError(t, os.WriteFile(glb, make([]byte, 172), 0o644))

	res := &RenderResult{}
	NewBlenderRunner("blender", 0, 1024).inspect(res, glb)

	assert.True(t, res.OutputExists)
	assert.False(t, res.Success)
}
