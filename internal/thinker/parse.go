package thinker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"guppi/internal/types"
)

// ErrOutputParse means the model's output did not contain a usable
// intent object.
var ErrOutputParse = errors.New("thinker: unparseable model output")

// Intent is the structured decision a tier returns: the reasoning trace
// and exactly one action.
type Intent struct {
	Reasoning string       `json:"reasoning"`
	Action    types.Action `json:"action"`
}

// ParseIntent extracts the intent object from raw model output. Models
// wrap JSON in code fences or prose often enough that the parser hunts
// for the outermost object instead of trusting the whole string.
func ParseIntent(raw string) (Intent, error) {
	candidate := strings.TrimSpace(raw)

	// Strip a markdown fence if present.
	if strings.HasPrefix(candidate, "```") {
		candidate = strings.TrimPrefix(candidate, "```json")
		candidate = strings.TrimPrefix(candidate, "```")
		if i := strings.LastIndex(candidate, "```"); i >= 0 {
			candidate = candidate[:i]
		}
		candidate = strings.TrimSpace(candidate)
	}

	// Fall back to the outermost braces.
	if !strings.HasPrefix(candidate, "{") {
		start := strings.Index(candidate, "{")
		end := strings.LastIndex(candidate, "}")
		if start < 0 || end <= start {
			return Intent{}, fmt.Errorf("%w: no object found", ErrOutputParse)
		}
		candidate = candidate[start : end+1]
	}

	var intent Intent
	if err := json.Unmarshal([]byte(candidate), &intent); err != nil {
		return Intent{}, fmt.Errorf("%w: %v", ErrOutputParse, err)
	}
	if intent.Action.Tool == "" {
		return Intent{}, fmt.Errorf("%w: intent carries no action", ErrOutputParse)
	}
	return intent, nil
}
