package types

import (
	"encoding/json"
	"testing"
)

func TestActionJSONFlattensParams(t *testing.T) {
	a := Action{Tool: "shell", Params: map[string]any{"command": "df -h"}}
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if m["tool"] != "shell" {
		t.Errorf("expected tool=shell, got %v", m["tool"])
	}
	if m["command"] != "df -h" {
		t.Errorf("expected command at top level, got %v", m["command"])
	}
	if _, nested := m["params"]; nested {
		t.Error("params must be flattened, not nested")
	}
}

func TestActionJSONRoundTrip(t *testing.T) {
	var a Action
	if err := json.Unmarshal([]byte(`{"tool":"write_file","path":"/tmp/x","content":"hi"}`), &a); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if a.Tool != "write_file" {
		t.Errorf("tool = %q", a.Tool)
	}
	if a.Param("path") != "/tmp/x" {
		t.Errorf("path = %q", a.Param("path"))
	}
	if _, ok := a.Params["tool"]; ok {
		t.Error("tool must not leak into Params")
	}
}

func TestActionUnmarshalRejectsMissingTool(t *testing.T) {
	var a Action
	if err := json.Unmarshal([]byte(`{"command":"ls"}`), &a); err == nil {
		t.Fatal("expected error for action without tool")
	}
}

func TestTurnStatusTerminal(t *testing.T) {
	if TurnPending.Terminal() {
		t.Error("pending must not be terminal")
	}
	if !TurnCompleted.Terminal() || !TurnFailed.Terminal() {
		t.Error("completed and failed are terminal")
	}
}

func TestIdentityDisplay(t *testing.T) {
	id := Identity{Name: "abe-03", Persona: "The Cartographer"}
	if got := id.Display(); got != "abe-03 (The Cartographer)" {
		t.Errorf("Display() = %q", got)
	}
	if got := (Identity{Name: "abe-03"}).Display(); got != "abe-03" {
		t.Errorf("Display() without persona = %q", got)
	}
}
