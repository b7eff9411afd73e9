package prompts

import (
	"fmt"
	"strings"
)

// ============================================================================
// System Prompts
// ============================================================================

// DefaultSystemPrompt is used when no master prompt file is configured.
// 主提示词：约束几何代码的生成规则
const DefaultSystemPrompt = `You are a jewelry CAD engineer who writes Blender Python scripts that build rings.

RULES:
- Build geometry with bmesh only. Never call bpy.ops.mesh or bpy.ops.transform.
- Start with a nuke() helper that clears the scene, then one build_<part>() function per part.
- All build_* functions share the same dimension variables so the parts line up.
- The head grows from the top of the band. Gems sit inside their settings.
- Use BEVEL and SUBSURF modifiers for metal quality.
- No materials, no cameras, no lights, no export code.
- Return ONLY Python code.`

// ValidatorSystemPrompt frames the screenshot review call.
const ValidatorSystemPrompt = `You are a luxury jewelry design critic and a senior 3D geometry engineer.`

// DefaultPrompt replaces an empty generation request.
const DefaultPrompt = "Generate a classic solitaire diamond ring."

// maxSpatialChars caps the geometry context embedded in any prompt.
const maxSpatialChars = 3000

// ============================================================================
// Generation Prompts
// ============================================================================

// BuildGenerationPrompt appends the structural reminders to a user request.
func BuildGenerationPrompt(userPrompt string) string {
	if strings.TrimSpace(userPrompt) == "" {
		userPrompt = DefaultPrompt
	}
	return userPrompt + `

REMINDERS:
- The head/setting grows directly from the band's top. They are ONE connected piece.
- Gems sit INSIDE their settings. Prongs grip the gem, they never pass through it.
- All build_* functions share the same dimension variables so parts line up.
- Use modifiers (Bevel, Subsurf) for quality.
- No materials, no cameras, no lights. Output ONLY geometry code.`
}

// BuildFixPrompt asks for a minimal repair of a script that crashed in Blender.
// Parameters:
//   - code: the failing script.
//   - errorText: error lines and stderr tail from the failed render.
//   - spatialReport: geometry dump from the last render that produced one, may be empty.
func BuildFixPrompt(code, errorText, spatialReport string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This Blender Python script crashed. Find the ROOT CAUSE and fix it in ONE attempt.\n\nSCRIPT:\n```python\n%s\n```\n\nERROR:\n%s\n", code, errorText)

	if spatialReport != "" {
		fmt.Fprintf(&b, `
SPATIAL CONTEXT (from previous attempt):
%s

The spatial data lists mesh positions, bounds and vertex counts from the last attempt.
`, truncate(spatialReport, maxSpatialChars))
	}

	b.WriteString(`
DIAGNOSIS:
1. Read the traceback and find the exact line and function that failed.
2. Classify it: SYNTAX, GEOMETRY (degenerate or duplicate face), API (wrong Blender call),
   TOPOLOGY (stale bmesh reference, missing ensure_lookup_table) or LOGIC.

FIX RULES:
1. Change the MINIMUM number of lines. Keep every other line identical.
2. Keep all function signatures and the ring geometry unchanged.
3. bmesh only. No materials, no lighting, no scene setup.
4. Return ONLY Python code. No explanations. No markdown fences.`)
	return b.String()
}

// ============================================================================
// Edit Prompts
// ============================================================================

// Edit operations accepted by BuildEditPrompt.
const (
	OperationEdit      = "edit"
	OperationRegenPart = "regen-part"
	OperationAddPart   = "add-part"
)

// EditRequest carries what BuildEditPrompt needs from an edit job.
type EditRequest struct {
	Operation       string
	Code            string
	Instruction     string
	TargetModule    string
	PartDescription string
	SpatialReport   string
}

// BuildEditPrompt renders the prompt for one edit operation together with a
// one-line description used in session history.
// Returns:
//   - string: the user prompt sent to the LLM.
//   - string: human-readable summary of the change.
//   - error: non-nil for an unknown operation.
func BuildEditPrompt(req EditRequest) (string, string, error) {
	header := fmt.Sprintf("Here is the COMPLETE current ring script:\n\n```python\n%s\n```\n%s", req.Code, spatialBlock(req.SpatialReport))

	switch req.Operation {
	case OperationEdit, "":
		if req.TargetModule != "" {
			prompt := header + fmt.Sprintf(`
The user wants to modify ONLY the function %[1]s: %[2]q

RULES:
1. Return the COMPLETE script with every function and import.
2. Modify ONLY %[1]s. Every other line stays byte-for-byte identical.
3. Keep the signature def %[1]s(...) and the shared dimension variables.
4. bmesh only. No materials, no lighting.
5. Return ONLY Python code. No explanations. No markdown fences.`, req.TargetModule, req.Instruction)
			return prompt, fmt.Sprintf("Edit: %s (target: %s)", truncate(req.Instruction, 80), req.TargetModule), nil
		}
		prompt := header + fmt.Sprintf(`
The user wants this change: %q

RULES:
1. Return the COMPLETE updated script.
2. Change ONLY what was requested. Do not rename, reorder or tidy unrelated code.
3. bmesh only, nuke+build pattern, BEVEL/SUBSURF for metal quality.
4. No materials, no lighting, no export code.
5. Return ONLY Python code. No explanations. No markdown fences.`, req.Instruction)
		return prompt, "Edit: " + truncate(req.Instruction, 80), nil

	case OperationRegenPart:
		desc := req.PartDescription
		if desc == "" {
			desc = fmt.Sprintf("Regenerate the %s with better aesthetics and integration", req.TargetModule)
		}
		prompt := header + fmt.Sprintf(`
The user wants to REGENERATE the %[1]q part of this ring: %[2]q

RULES:
1. Return the COMPLETE script with the %[1]s function(s) rewritten from scratch.
2. All other functions stay byte-for-byte identical.
3. The new part uses the SAME shared dimension variables and connects to adjacent parts.
4. bmesh only. No materials, no lighting.
5. Return ONLY Python code. No explanations. No markdown fences.`, req.TargetModule, desc)
		return prompt, fmt.Sprintf("Regen part: %s (%s)", req.TargetModule, truncate(desc, 60)), nil

	case OperationAddPart:
		prompt := header + fmt.Sprintf(`
The user wants to ADD A NEW PART to this ring: %q

RULES:
1. Return the COMPLETE script with one new build_* function for this part.
2. Existing functions stay byte-for-byte identical.
3. Call the new function from build() before the final join.
4. The part uses the shared dimension variables so it sits on the existing ring.
5. bmesh only. No materials, no lighting.
6. Return ONLY Python code. No explanations. No markdown fences.`, req.PartDescription)
		return prompt, "Add part: " + truncate(req.PartDescription, 80), nil
	}
	return "", "", fmt.Errorf("unknown edit operation %q", req.Operation)
}

// ============================================================================
// Validation Prompt
// ============================================================================

// BuildValidationPrompt asks the reviewer for a JSON verdict over the
// attached screenshots.
// 输出格式固定为 JSON：{"is_valid", "message", "corrected_code"}
func BuildValidationPrompt(code, userPrompt, masterPrompt string, numViews int) string {
	return fmt.Sprintf(`You are reviewing a ring that was just generated.

RULES THE CODE MUST FOLLOW:
%s

USER'S ORIGINAL REQUEST:
%s

THE CODE THAT GENERATED THIS RING:
`+"```python\n%s\n```"+`

You are shown %d rendered views of the ring from different angles.
Check every view for structural geometry defects only:
- gems floating in the air or buried inside the band
- band not closed, warped or uneven
- head or decorative parts disconnected from the band
- prongs passing through the gem or missing
- holes or missing sections

Ignore aesthetics and style preferences.

Reply with ONE JSON object and nothing else:
{"is_valid": true, "message": "<one sentence>", "corrected_code": ""}
When you find defects set "is_valid" to false and put the COMPLETE corrected
script in "corrected_code". Keep every part that is not defective identical.`,
		masterPrompt, userPrompt, code, numViews)
}

// ============================================================================
// Helpers
// ============================================================================

func spatialBlock(report string) string {
	if report == "" {
		return ""
	}
	return fmt.Sprintf("\nSPATIAL CONTEXT (current ring geometry):\n%s\n\nUse it to see where existing meshes sit and how parts connect.\n", truncate(report, maxSpatialChars))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
