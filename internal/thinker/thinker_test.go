package thinker

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"guppi/internal/types"
)

// scriptedBackend replays canned outputs and records every invocation.
type scriptedBackend struct {
	outputs []string
	err     error
	calls   []struct {
		Tier   Tier
		Prompt string
	}
}

func (s *scriptedBackend) Generate(ctx context.Context, tier Tier, prompt string) (string, error) {
	s.calls = append(s.calls, struct {
		Tier   Tier
		Prompt string
	}{tier, prompt})
	if s.err != nil {
		return "", s.err
	}
	i := len(s.calls) - 1
	if i >= len(s.outputs) {
		i = len(s.outputs) - 1
	}
	return s.outputs[i], nil
}

func TestParseIntentPlain(t *testing.T) {
	intent, err := ParseIntent(`{"reasoning": "check disk", "action": {"tool": "shell", "command": "df -h"}}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if intent.Reasoning != "check disk" || intent.Action.Tool != "shell" {
		t.Errorf("intent = %+v", intent)
	}
	if intent.Action.Param("command") != "df -h" {
		t.Errorf("command = %q", intent.Action.Param("command"))
	}
}

func TestParseIntentFenced(t *testing.T) {
	raw := "Sure, here is my decision:\n```json\n{\"reasoning\": \"r\", \"action\": {\"tool\": \"help\"}}\n```\n"
	intent, err := ParseIntent(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if intent.Action.Tool != "help" {
		t.Errorf("tool = %q", intent.Action.Tool)
	}
}

func TestParseIntentEmbeddedInProse(t *testing.T) {
	raw := `I think the best move is {"reasoning": "r", "action": {"tool": "help"}} - done.`
	intent, err := ParseIntent(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if intent.Action.Tool != "help" {
		t.Errorf("tool = %q", intent.Action.Tool)
	}
}

func TestParseIntentGarbage(t *testing.T) {
	for _, raw := range []string{"", "no json here", `{"reasoning": "r"}`} {
		if _, err := ParseIntent(raw); !errors.Is(err, ErrOutputParse) {
			t.Errorf("ParseIntent(%q) = %v, want ErrOutputParse", raw, err)
		}
	}
}

func TestTierFor(t *testing.T) {
	cases := []struct {
		ev   types.Event
		want Tier
	}{
		{types.Event{Type: types.EventNewMessage, Source: "chat:general"}, TierFast},
		{types.Event{Type: types.EventNewMessage, Source: "inbox:direct"}, TierSlow},
		{types.Event{Type: types.EventSocialDigest}, TierFast},
		{types.Event{Type: types.EventScheduledAlarm}, TierSlow},
		{types.Event{Type: types.EventTaskCompleted}, TierSlow},
		{types.Event{Type: types.EventGhosted}, TierSlow},
		{types.Event{Type: types.EventSynchronousSummon}, TierSlow},
	}
	for _, c := range cases {
		if got := TierFor(c.ev); got != c.want {
			t.Errorf("TierFor(%s/%s) = %s, want %s", c.ev.Type, c.ev.Source, got, c.want)
		}
	}
}

func TestDecideFastUnprivileged(t *testing.T) {
	be := &scriptedBackend{outputs: []string{
		`{"reasoning": "say hi", "action": {"tool": "chat_post", "channel": "chat:general", "text": "hi"}}`,
	}}
	d, err := New(be, nil).Decide(context.Background(), TierFast, "prompt")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Escalated || d.Tier != TierFast {
		t.Errorf("decision = %+v", d)
	}
	want := []State{StateFastInvoked, StateResolved}
	if !reflect.DeepEqual(d.States, want) {
		t.Errorf("states = %v, want %v", d.States, want)
	}
}

func TestDecideEscalatesPrivilegedFastIntent(t *testing.T) {
	be := &scriptedBackend{outputs: []string{
		`{"reasoning": "clean up", "action": {"tool": "shell", "command": "rm -rf /tmp/junk"}}`,
		`{"reasoning": "ratified after review", "action": {"tool": "shell", "command": "rm -rf /tmp/junk"}}`,
	}}
	d, err := New(be, nil).Decide(context.Background(), TierFast, "prompt")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !d.Escalated || d.Tier != TierSlow {
		t.Errorf("decision = %+v", d)
	}
	want := []State{StateFastInvoked, StateEscalationPending, StateSlowInvoked, StateResolved}
	if !reflect.DeepEqual(d.States, want) {
		t.Errorf("states = %v, want %v", d.States, want)
	}
	if len(be.calls) != 2 || be.calls[1].Tier != TierSlow {
		t.Fatalf("calls = %+v", be.calls)
	}
	if !strings.Contains(be.calls[1].Prompt, "privileged action") {
		t.Error("ratification prompt missing the proposal notice")
	}
	if d.Intent.Reasoning != "ratified after review" {
		t.Errorf("winning intent = %+v, slow tier must rule", d.Intent)
	}
}

func TestDecideSlowTierOverridesProposal(t *testing.T) {
	be := &scriptedBackend{outputs: []string{
		`{"reasoning": "wipe it", "action": {"tool": "shell", "command": "rm -rf /"}}`,
		`{"reasoning": "absolutely not", "action": {"tool": "chat_post", "channel": "chat:general", "text": "declining"}}`,
	}}
	d, err := New(be, nil).Decide(context.Background(), TierFast, "prompt")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Intent.Action.Tool != "chat_post" {
		t.Errorf("override lost: %+v", d.Intent)
	}
}

func TestDecideSlowPrivilegedNeedsNoEscalation(t *testing.T) {
	be := &scriptedBackend{outputs: []string{
		`{"reasoning": "scheduled cleanup", "action": {"tool": "shell", "command": "true"}}`,
	}}
	d, err := New(be, nil).Decide(context.Background(), TierSlow, "prompt")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Escalated {
		t.Error("slow-tier intent escalated")
	}
	if len(be.calls) != 1 {
		t.Errorf("made %d backend calls", len(be.calls))
	}
}

func TestDecideRepairRetryOnGarbage(t *testing.T) {
	be := &scriptedBackend{outputs: []string{
		"I feel like chatting instead of emitting JSON",
		`{"reasoning": "fixed", "action": {"tool": "help"}}`,
	}}
	d, err := New(be, nil).Decide(context.Background(), TierFast, "prompt")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !d.Repaired || d.Tier != TierSlow {
		t.Errorf("decision = %+v", d)
	}
	if len(be.calls) != 2 || be.calls[1].Tier != TierSlow {
		t.Fatalf("calls = %+v", be.calls)
	}
	if !strings.Contains(be.calls[1].Prompt, "not valid intent JSON") {
		t.Error("repair prompt missing the notice")
	}
}

func TestDecideDoubleGarbageHibernates(t *testing.T) {
	be := &scriptedBackend{outputs: []string{"garbage", "more garbage"}}
	d, err := New(be, nil).Decide(context.Background(), TierFast, "prompt")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Intent.Action.Tool != "hibernate" {
		t.Errorf("intent = %+v, want hibernate", d.Intent)
	}
	if len(be.calls) != 2 {
		t.Errorf("made %d backend calls, want exactly 2", len(be.calls))
	}
}

func TestPrivilegedSet(t *testing.T) {
	for _, tool := range []string{"shell", "write_file", "compute_push", "spawn_instance", "remote_exec"} {
		if !Privileged(tool) {
			t.Errorf("%s must be privileged", tool)
		}
	}
	for _, tool := range []string{"chat_post", "help", "hibernate", "rag_search"} {
		if Privileged(tool) {
			t.Errorf("%s must not be privileged", tool)
		}
	}
}
