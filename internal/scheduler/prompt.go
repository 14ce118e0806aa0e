package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"guppi/internal/memory"
	"guppi/internal/types"
)

// PromptInput is everything context synthesis folds into one prompt.
// It is assembled by the scheduler and rendered by BuildPrompt, which
// is pure so tests can pin the exact synthesis rules.
type PromptInput struct {
	Identity types.Identity
	Event    types.Event
	// Extra holds further triggers drained from the inbox in the same
	// burst; they share this think cycle instead of causing their own.
	Extra []types.Event
	Turns     []types.Turn
	Episodes  []types.Episode
	Clipboard []memory.ClipEntry
	// Digests are the social digests missed while asleep; only populated
	// in orientation mode.
	Digests []types.SocialDigest
	// Orientation marks a wake after deep sleep: a short tail plus the
	// missed digests instead of the full recent window.
	Orientation bool
	AsleepFor   time.Duration
	Now         time.Time
}

const intentInstruction = "Decide your next action. Reply with exactly one JSON object: " +
	`{"reasoning": "...", "action": {"tool": "...", ...}}. ` +
	"Use the help tool to list capabilities."

// BuildPrompt renders the decision prompt.
func BuildPrompt(in PromptInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, an autonomous agent.\n", in.Identity.Display())
	if in.Identity.Parent != "" {
		fmt.Fprintf(&b, "You were spawned by %s.\n", in.Identity.Parent)
	}
	fmt.Fprintf(&b, "Current time: %s\n", in.Now.UTC().Format(time.RFC3339))

	if in.Orientation {
		fmt.Fprintf(&b, "\n== ORIENTATION ==\nYou were asleep for %s. Reorient before acting.\n",
			in.AsleepFor.Round(time.Minute))
		if len(in.Digests) > 0 {
			b.WriteString("While you slept, the social feed recorded:\n")
			for _, d := range in.Digests {
				fmt.Fprintf(&b, "- [%d msgs, %s] %s\n", d.MsgCount, d.Participants, d.Summary)
			}
		}
	}

	if len(in.Episodes) > 0 {
		b.WriteString("\n== PAST EPISODES ==\n")
		for _, ep := range in.Episodes {
			fmt.Fprintf(&b, "- (%s) %s\n", ep.CreatedAt.Format("2006-01-02"), ep.Summary)
		}
	}

	if len(in.Clipboard) > 0 {
		b.WriteString("\n== CLIPBOARD ==\n")
		for _, c := range in.Clipboard {
			fmt.Fprintf(&b, "- %s\n", c.Text)
		}
	}

	if len(in.Turns) > 0 {
		b.WriteString("\n== RECENT TURNS ==\n")
		for _, t := range in.Turns {
			fmt.Fprintf(&b, "[%s] %s -> %s", t.TimestampIntent.Format(time.RFC3339), t.Action.Tool, t.Status)
			if t.Results != nil && t.Results.Error != "" {
				fmt.Fprintf(&b, " (%s)", t.Results.Error)
			}
			b.WriteByte('\n')
			if t.Reasoning != "" {
				fmt.Fprintf(&b, "  reasoning: %s\n", t.Reasoning)
			}
			if t.Results != nil && t.Results.Stdout != "" {
				fmt.Fprintf(&b, "  output: %s\n", t.Results.Stdout)
			}
		}
	}

	b.WriteString("\n== TRIGGER ==\n")
	fmt.Fprintf(&b, "Event: %s from %s at %s\n", in.Event.Type, in.Event.Source,
		in.Event.Timestamp.Format(time.RFC3339))
	if len(in.Event.Content) > 0 {
		b.WriteString(renderContent(in.Event.Content))
		b.WriteByte('\n')
	}
	for _, ev := range in.Extra {
		fmt.Fprintf(&b, "Also: %s from %s", ev.Type, ev.Source)
		if len(ev.Content) > 0 {
			b.WriteString(" - " + renderContent(ev.Content))
		}
		b.WriteByte('\n')
	}

	b.WriteString("\n" + intentInstruction + "\n")
	return b.String()
}

func renderContent(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return "Content: " + s
	}
	return "Content: " + string(raw)
}
