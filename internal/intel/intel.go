package intel

import (
	"context"
	"strings"
)

// Observation is one interactable element the backend located for a
// natural-language description.
type Observation struct {
	Description string `json:"description"`
	Selector    string `json:"selector"`
	Action      string `json:"action"` // click, type, press_enter
}

// Intelligence is the externally supplied page capability. Every method is
// best-effort: an empty result is a normal return, not an error. Errors are
// reserved for transport-level failures.
type Intelligence interface {
	// Observe locates interactable elements matching the description.
	Observe(ctx context.Context, description string) ([]Observation, error)

	// Extract pulls data off the current page following the instruction.
	// schema may be empty; when set it describes the expected JSON shape.
	Extract(ctx context.Context, instruction, schema string) (string, error)

	// Act performs a single described action against the current page.
	Act(ctx context.Context, action string) error
}

// ExtractJSONObject strips markdown fences and surrounding prose from a
// model reply, leaving the outermost JSON object. Model output is never
// trusted to be clean JSON.
func ExtractJSONObject(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		return strings.TrimSpace(trimmed[start : end+1])
	}
	return trimmed
}
