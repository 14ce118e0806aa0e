package thinker

import (
	"strings"

	"guppi/internal/types"
)

// Tier names a decision backend class: fast is the cheap conversational
// model, slow is the deliberate one.
type Tier string

const (
	TierFast Tier = "fast"
	TierSlow Tier = "slow"
)

// privileged is the capability set the fast tier may propose but never
// execute. Any fast-tier intent naming one of these must be ratified by
// the slow tier before it runs.
var privileged = map[string]bool{
	"shell":          true,
	"write_file":     true,
	"compute_push":   true,
	"spawn_instance": true,
	"remote_exec":    true,
}

// Privileged reports whether a capability requires slow-tier sign-off.
func Privileged(tool string) bool { return privileged[tool] }

// TierFor selects the backend tier for an incoming event. Ambient chat
// traffic goes to the fast tier; anything deliberate (alarms, summons,
// own task outcomes, ghost recovery) gets the slow one.
func TierFor(ev types.Event) Tier {
	switch ev.Type {
	case types.EventNewMessage:
		if strings.HasPrefix(ev.Source, "chat:") {
			return TierFast
		}
		return TierSlow
	case types.EventSocialDigest:
		return TierFast
	default:
		return TierSlow
	}
}
