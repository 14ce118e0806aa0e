// Package types defines the shared data model for the GUPPI runtime:
// Turns, Events, action descriptors, memory tiers and identity records.
//
// The JSON forms in this package are the wire contract. Turn records are
// persisted to the hot log, streamed to the audit log, and read by every
// dashboard and CLI client, so field names here must not drift.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// TurnStatus tracks the lifecycle of a Turn. A Turn is created pending and
// transitions exactly once to completed or failed; there is no way back.
type TurnStatus string

const (
	TurnPending   TurnStatus = "pending"
	TurnCompleted TurnStatus = "completed"
	TurnFailed    TurnStatus = "failed"
)

// Terminal reports whether the status is one a Turn can never leave.
func (s TurnStatus) Terminal() bool {
	return s == TurnCompleted || s == TurnFailed
}

// EventType classifies the interrupts that wake the scheduler.
type EventType string

const (
	EventNewMessage        EventType = "NewMessage"
	EventTaskCompleted     EventType = "TaskCompleted"
	EventSocialDigest      EventType = "SocialDigest"
	EventScheduledAlarm    EventType = "ScheduledAlarm"
	EventSynchronousSummon EventType = "SynchronousSummon"

	// EventGhosted is synthesized when a Turn was abandoned mid-flight by
	// an abnormal process exit and discovered by the deadman switch or by
	// boot-time crash recovery.
	EventGhosted EventType = "Ghosted"
)

// Event is an interrupt delivered to the scheduler. Events are consumed
// immediately and are not persisted on their own: they fold into the Turn
// they trigger, or into the audit stream.
type Event struct {
	ID        string          `json:"id"`
	Agent     string          `json:"agent"`
	Timestamp time.Time       `json:"timestamp"`
	Type      EventType       `json:"event_type"`
	Source    string          `json:"source"`
	Content   json.RawMessage `json:"content,omitempty"`

	// ActionID correlates a TaskCompleted event back to the Turn whose
	// action produced it.
	ActionID string `json:"action_id,omitempty"`
}

// Action is the structured descriptor returned by the decision backend:
// a capability name plus its parameters. On the wire the parameters are
// flattened into the action object, matching the persisted Turn schema
// {"action": {"tool": "shell", "command": "df -h"}}.
type Action struct {
	Tool   string
	Params map[string]any
}

// Param returns a string parameter, or "" when absent or not a string.
func (a Action) Param(key string) string {
	if v, ok := a.Params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// MarshalJSON flattens Params alongside the tool name.
func (a Action) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(a.Params)+1)
	for k, v := range a.Params {
		if k == "tool" {
			continue
		}
		m[k] = v
	}
	m["tool"] = a.Tool
	return json.Marshal(m)
}

// UnmarshalJSON splits the tool name from the remaining parameters.
func (a *Action) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	tool, _ := m["tool"].(string)
	if tool == "" {
		return fmt.Errorf("action missing tool name")
	}
	delete(m, "tool")
	a.Tool = tool
	a.Params = m
	return nil
}

// Result captures the outcome of an executed action: subprocess output,
// a typed payload, or an error description.
type Result struct {
	Status  string         `json:"status,omitempty"`
	Stdout  string         `json:"stdout,omitempty"`
	Stderr  string         `json:"stderr,omitempty"`
	Code    *int           `json:"code,omitempty"`
	Error   string         `json:"error,omitempty"`
	Content map[string]any `json:"content,omitempty"`
}

// ErrorResult builds a failed Result from an error.
func ErrorResult(err error) *Result {
	return &Result{Status: "error", Error: err.Error()}
}

// Turn is one cycle of agency: the decision (intent) and its outcome.
// Exactly one writer, the scheduler, creates and patches Turns; once the
// status leaves pending the record is immutable.
type Turn struct {
	ID               string     `json:"id"`
	Type             string     `json:"type"`
	Agent            string     `json:"agent"`
	ParentEventID    string     `json:"parent_event_id"`
	TimestampIntent  time.Time  `json:"timestamp_intent"`
	TimestampOutcome *time.Time `json:"timestamp_outcome,omitempty"`
	Status           TurnStatus `json:"status"`
	Reasoning        string     `json:"reasoning"`
	Action           Action     `json:"action"`
	Results          *Result    `json:"results"`
}

// TurnRecordType is the type discriminator on persisted Turn records.
const TurnRecordType = "AgentTurn"

// Episode is a lossy summary of a contiguous run of Turns. SourceArchive
// names the tier-1 archive file holding the raw Turns so the summary can
// be unfolded on demand. Immutable once created.
type Episode struct {
	ID            string    `json:"id"`
	Agent         string    `json:"agent"`
	CreatedAt     time.Time `json:"created_at"`
	Model         string    `json:"model"`
	SourceArchive string    `json:"source_archive"`
	TurnCount     int       `json:"turn_count"`
	Summary       string    `json:"summary"`
}

// SemanticRecord is a vector keyed to the Episode that produced it. The
// embedding model identity travels with the record: an index must never
// mix vectors from different models.
type SemanticRecord struct {
	ID        string    `json:"id"`
	EpisodeID string    `json:"episode_id"`
	Model     string    `json:"model"`
	Vector    []float32 `json:"vector"`
	CreatedAt time.Time `json:"created_at"`
}

// Identity is the per-agent descriptor. It is also the contract handed to
// the provisioning collaborator when spawning a child instance.
type Identity struct {
	Name    string  `json:"name"`
	Parent  string  `json:"parent,omitempty"`
	Persona string  `json:"persona,omitempty"`
	Temp    float64 `json:"temp,omitempty"`
	TopK    float64 `json:"top_k,omitempty"`
}

// Display renders the identity the way it is shown on chat channels.
func (id Identity) Display() string {
	if id.Persona != "" {
		return fmt.Sprintf("%s (%s)", id.Name, id.Persona)
	}
	return id.Name
}

// SocialDigest is one entry on the ambient social digest stream.
type SocialDigest struct {
	StartTS      float64 `json:"start_ts"`
	EndTS        float64 `json:"end_ts"`
	MsgCount     int     `json:"msg_count"`
	Participants string  `json:"participants"`
	Summary      string  `json:"summary"`
	GeneratedAt  string  `json:"generated_at"`
}
