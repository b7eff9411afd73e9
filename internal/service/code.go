package service

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const safeFaceHelper = `
# ===== AUTO-INJECTED SAFETY =====
def _safe_face(_bm_arg, _verts_arg):
    try:
        if len(_verts_arg) < 3:
            return None
        if len(set(id(v) for v in _verts_arg)) != len(_verts_arg):
            return None
        return _bm_arg.faces.new(_verts_arg)
    except (ValueError, IndexError, TypeError):
        return None
# ===== END SAFETY =====
`

var (
	facesNewRe  = regexp.MustCompile(`(\w+)\.faces\.new\((\[.*?\])\)`)
	mainGuardRe = regexp.MustCompile(`if\s+__name__\s*==\s*["']__main__["']\s*:\s*\n\s*build\(\)`)
)

// helperFunctions are utility defs that are not ring parts.
var helperFunctions = map[string]bool{
	"nuke": true, "build": true, "mk": true, "quad_bridge": true,
	"make_circle_verts": true, "set_smooth": true, "add_subsurf": true,
	"add_bevel": true, "add_solidify": true, "ngon": true, "safe_set": true,
	"_safe_face": true,
}

// ExtractCode pulls Python source out of an LLM reply. A ```python fence wins
// over a bare ``` fence; a reply without fences is taken as-is.
func ExtractCode(raw string) string {
	if _, after, ok := strings.Cut(raw, "```python"); ok {
		body, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(body)
	}
	if _, after, ok := strings.Cut(raw, "```"); ok {
		body, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(body)
	}
	return strings.TrimSpace(raw)
}

// ExtractModules lists the part-building functions defined in code.
func ExtractModules(code string) []string {
	modules := []string{}
	for _, line := range strings.Split(code, "\n") {
		ls := strings.TrimSpace(line)
		if !strings.HasPrefix(ls, "def ") || !strings.Contains(ls, "(") {
			continue
		}
		name, _, _ := strings.Cut(strings.TrimPrefix(ls, "def "), "(")
		name = strings.TrimSpace(name)
		if name != "" && !helperFunctions[name] {
			modules = append(modules, name)
		}
	}
	return modules
}

// PreprocessCode injects the _safe_face helper after the last import and
// routes every bm.faces.new([...]) call through it, so a degenerate face is
// skipped instead of aborting the whole build.
func PreprocessCode(code string) string {
	lines := strings.Split(code, "\n")
	lastImport := 0
	for i, line := range lines {
		s := strings.TrimSpace(line)
		if strings.HasPrefix(s, "import ") || strings.HasPrefix(s, "from ") {
			lastImport = i
		}
	}
	if len(lines) == 0 {
		lines = []string{""}
	}

	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:lastImport+1]...)
	out = append(out, safeFaceHelper)
	out = append(out, lines[lastImport+1:]...)

	return facesNewRe.ReplaceAllString(strings.Join(out, "\n"), "_safe_face($1, $2)")
}

// StripMainGuard removes the `if __name__ == "__main__": build()` call; the
// export wrapper calls build() itself.
func StripMainGuard(code string) string {
	return mainGuardRe.ReplaceAllString(code, "# (build call moved to auto-export section)")
}

// NewSessionID returns "<prefix>_<10 hex>_<unix seconds>".
func NewSessionID(prefix string) string {
	hexID := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s_%s_%d", prefix, hexID[:10], time.Now().Unix())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
