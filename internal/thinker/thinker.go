// Package thinker adapts the two-tier LLM decision backend. The fast
// tier handles ambient conversation; the slow tier handles deliberate
// work and must ratify any privileged action the fast tier proposes.
package thinker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"guppi/internal/types"
)

// State is one step of the escalation machine. Every decision records
// its state sequence so the ratification invariant is auditable.
type State string

const (
	StateFastInvoked       State = "FastInvoked"
	StateSlowInvoked       State = "SlowInvoked"
	StateEscalationPending State = "EscalationPending"
	StateResolved          State = "Resolved"
)

// Backend produces raw model output for a tier.
type Backend interface {
	Generate(ctx context.Context, tier Tier, prompt string) (string, error)
}

// Decision is the outcome of one think cycle.
type Decision struct {
	Intent Intent
	// Tier is the tier whose intent won.
	Tier Tier
	// Escalated reports that the fast tier proposed a privileged action
	// and the slow tier ruled on it.
	Escalated bool
	// Repaired reports that the first output was unparseable and a
	// forced slow-tier retry produced this intent.
	Repaired bool
	// States is the escalation trace, ending in Resolved.
	States []State
}

// Thinker drives the escalation machine over a Backend.
type Thinker struct {
	backend Backend
	log     *zap.Logger
}

// New builds a Thinker.
func New(backend Backend, logger *zap.Logger) *Thinker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Thinker{backend: backend, log: logger}
}

const repairNotice = "\n\nSYSTEM NOTICE: your previous reply was not valid intent JSON. " +
	"Reply with exactly one JSON object: {\"reasoning\": \"...\", \"action\": {\"tool\": \"...\", ...}}."

const ratifyNotice = "\n\nSYSTEM NOTICE: the conversational tier proposed the privileged action " +
	"below. Ratify it by returning the same action, or override it with a safer one.\nProposed: %s"

// Decide runs one think cycle for an event at the given tier.
//
// Unparseable output gets exactly one forced slow-tier retry with a
// repair notice; if that also fails the decision degrades to a
// hibernate intent rather than stalling the loop. A privileged fast
// intent is never returned directly: the slow tier is invoked to
// ratify or override, and its intent wins.
func (t *Thinker) Decide(ctx context.Context, tier Tier, prompt string) (Decision, error) {
	d := Decision{Tier: tier}
	if tier == TierFast {
		d.States = append(d.States, StateFastInvoked)
	} else {
		d.States = append(d.States, StateSlowInvoked)
	}

	raw, err := t.backend.Generate(ctx, tier, prompt)
	if err != nil {
		return d, fmt.Errorf("thinker: %s tier: %w", tier, err)
	}

	intent, err := ParseIntent(raw)
	if errors.Is(err, ErrOutputParse) {
		t.log.Warn("unparseable intent, forcing slow-tier repair", zap.String("tier", string(tier)))
		d.Repaired = true
		d.Tier = TierSlow
		d.States = append(d.States, StateSlowInvoked)

		raw, err = t.backend.Generate(ctx, TierSlow, prompt+repairNotice)
		if err != nil {
			return d, fmt.Errorf("thinker: repair retry: %w", err)
		}
		intent, err = ParseIntent(raw)
		if errors.Is(err, ErrOutputParse) {
			// Both attempts produced garbage. Sleep instead of looping.
			t.log.Error("repair retry also unparseable, hibernating")
			d.Intent = hibernateIntent("decision backend produced unparseable output twice")
			d.States = append(d.States, StateResolved)
			return d, nil
		}
	}
	if err != nil {
		return d, err
	}
	d.Intent = intent

	if d.Tier == TierFast && Privileged(intent.Action.Tool) {
		return t.escalate(ctx, prompt, d)
	}

	d.States = append(d.States, StateResolved)
	return d, nil
}

func (t *Thinker) escalate(ctx context.Context, prompt string, d Decision) (Decision, error) {
	proposed := d.Intent
	t.log.Info("privileged fast intent, escalating",
		zap.String("tool", proposed.Action.Tool))

	d.Escalated = true
	d.Tier = TierSlow
	d.States = append(d.States, StateEscalationPending, StateSlowInvoked)

	proposedJSON, err := proposed.Action.MarshalJSON()
	if err != nil {
		return d, fmt.Errorf("thinker: encode proposed action: %w", err)
	}
	raw, err := t.backend.Generate(ctx, TierSlow, prompt+fmt.Sprintf(ratifyNotice, proposedJSON))
	if err != nil {
		return d, fmt.Errorf("thinker: ratification: %w", err)
	}
	intent, err := ParseIntent(raw)
	if err != nil {
		// A privileged action without ratification never runs.
		t.log.Error("ratification output unparseable, dropping privileged intent")
		d.Intent = hibernateIntent("privileged action could not be ratified")
		d.States = append(d.States, StateResolved)
		return d, nil
	}

	d.Intent = intent
	d.States = append(d.States, StateResolved)
	return d, nil
}

func hibernateIntent(reason string) Intent {
	return Intent{
		Reasoning: reason,
		Action:    types.Action{Tool: "hibernate", Params: map[string]any{"reason": reason}},
	}
}
