// Package kernel implements the event model and session state machine:
// the Frame/EventKind schema and the Start->Output->End->Done session FSM
// that the orchestrator drains to sequence everything else it emits.
package kernel

import (
	"encoding/json"
	"fmt"
)

// EventKind is implemented by every frame payload variant. Type returns the
// literal discriminator written to the frame's "type" field.
type EventKind interface {
	Type() string
}

// Frame is the single unit emitted, streamed, and persisted by the runtime.
type Frame struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	TimestampMs int64     `json:"timestamp_ms"`
	Seq         uint64    `json:"seq"`
	Kind        EventKind `json:"-"`
}

// MarshalJSON flattens the envelope fields and the kind's own fields into a
// single JSON object discriminated by "type", one line per frame on the wire.
func (f Frame) MarshalJSON() ([]byte, error) {
	if f.Kind == nil {
		return nil, fmt.Errorf("kernel: frame has nil kind")
	}
	kindBytes, err := json.Marshal(f.Kind)
	if err != nil {
		return nil, fmt.Errorf("kernel: marshal frame kind: %w", err)
	}
	var kindFields map[string]json.RawMessage
	if err := json.Unmarshal(kindBytes, &kindFields); err != nil {
		return nil, fmt.Errorf("kernel: decode frame kind: %w", err)
	}

	out := map[string]json.RawMessage{}
	for k, v := range kindFields {
		out[k] = v
	}
	out["id"], _ = json.Marshal(f.ID)
	out["session_id"], _ = json.Marshal(f.SessionID)
	out["timestamp_ms"], _ = json.Marshal(f.TimestampMs)
	out["seq"], _ = json.Marshal(f.Seq)
	out["type"], _ = json.Marshal(f.Kind.Type())
	return json.Marshal(out)
}

// UnmarshalJSON reconstructs the envelope and dispatches the remaining
// fields to the concrete kind named by "type".
func (f *Frame) UnmarshalJSON(data []byte) error {
	var envelope struct {
		ID          string `json:"id"`
		SessionID   string `json:"session_id"`
		TimestampMs int64  `json:"timestamp_ms"`
		Seq         uint64 `json:"seq"`
		Type        string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("kernel: decode frame envelope: %w", err)
	}
	kind, err := decodeKind(envelope.Type, data)
	if err != nil {
		return err
	}
	f.ID = envelope.ID
	f.SessionID = envelope.SessionID
	f.TimestampMs = envelope.TimestampMs
	f.Seq = envelope.Seq
	f.Kind = kind
	return nil
}

func decodeKind(typeTag string, data []byte) (EventKind, error) {
	var kind EventKind
	switch typeTag {
	case "session_started":
		kind = &SessionStarted{}
	case "session_ended":
		kind = &SessionEnded{}
	case "output_text_delta":
		kind = &OutputTextDelta{}
	case "tool_started":
		kind = &ToolStarted{}
	case "tool_stdout":
		kind = &ToolStdout{}
	case "tool_stderr":
		kind = &ToolStderr{}
	case "tool_ended":
		kind = &ToolEnded{}
	case "tool_failed":
		kind = &ToolFailed{}
	case "checkpoint_created":
		kind = &CheckpointCreated{}
	case "checkpoint_rewound":
		kind = &CheckpointRewound{}
	case "checkpoint_failed":
		kind = &CheckpointFailed{}
	case "tool_task_status":
		kind = &ToolTaskStatus{}
	case "tool_task_output_delta":
		kind = &ToolTaskOutputDelta{}
	case "tool_task_cancel_requested":
		kind = &ToolTaskCancelRequested{}
	case "tool_task_cancelled":
		kind = &ToolTaskCancelled{}
	case "provider_event":
		kind = &ProviderEvent{}
	default:
		return nil, fmt.Errorf("kernel: unknown frame type %q", typeTag)
	}
	if err := json.Unmarshal(data, kind); err != nil {
		return nil, fmt.Errorf("kernel: decode %s frame: %w", typeTag, err)
	}
	return kind, nil
}

// --- Session lifecycle ---

type SessionStarted struct {
	TypeTag string `json:"type"`
	Input   string `json:"input"`
}

func NewSessionStarted(input string) *SessionStarted {
	return &SessionStarted{TypeTag: "session_started", Input: input}
}
func (e *SessionStarted) Type() string { return "session_started" }

type SessionEnded struct {
	TypeTag string `json:"type"`
	Reason  string `json:"reason"`
}

func NewSessionEnded(reason string) *SessionEnded {
	return &SessionEnded{TypeTag: "session_ended", Reason: reason}
}
func (e *SessionEnded) Type() string { return "session_ended" }

// --- Output ---

type OutputTextDelta struct {
	TypeTag string `json:"type"`
	Delta   string `json:"delta"`
}

func NewOutputTextDelta(delta string) *OutputTextDelta {
	return &OutputTextDelta{TypeTag: "output_text_delta", Delta: delta}
}
func (e *OutputTextDelta) Type() string { return "output_text_delta" }

// --- Tool run ---

type ToolStarted struct {
	TypeTag   string          `json:"type"`
	ToolID    string          `json:"tool_id"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args"`
	TimeoutMs *int64          `json:"timeout_ms,omitempty"`
}

func (e *ToolStarted) Type() string { return "tool_started" }

type ToolStdout struct {
	TypeTag string `json:"type"`
	ToolID  string `json:"tool_id"`
	Chunk   string `json:"chunk"`
}

func (e *ToolStdout) Type() string { return "tool_stdout" }

type ToolStderr struct {
	TypeTag string `json:"type"`
	ToolID  string `json:"tool_id"`
	Chunk   string `json:"chunk"`
}

func (e *ToolStderr) Type() string { return "tool_stderr" }

type ToolEnded struct {
	TypeTag    string          `json:"type"`
	ToolID     string          `json:"tool_id"`
	ExitCode   int             `json:"exit_code"`
	DurationMs int64           `json:"duration_ms"`
	Artifacts  json.RawMessage `json:"artifacts,omitempty"`
}

func (e *ToolEnded) Type() string { return "tool_ended" }

type ToolFailed struct {
	TypeTag string `json:"type"`
	ToolID  string `json:"tool_id"`
	Error   string `json:"error"`
}

func (e *ToolFailed) Type() string { return "tool_failed" }

// --- Checkpoint ---

type CheckpointCreated struct {
	TypeTag     string   `json:"type"`
	CheckpointID string  `json:"checkpoint_id"`
	Label       string   `json:"label"`
	CreatedAtMs int64    `json:"created_at_ms"`
	Files       []string `json:"files"`
	Auto        bool     `json:"auto"`
	ToolName    string   `json:"tool_name,omitempty"`
}

func (e *CheckpointCreated) Type() string { return "checkpoint_created" }

type CheckpointRewound struct {
	TypeTag      string   `json:"type"`
	CheckpointID string   `json:"checkpoint_id"`
	RestoredFiles []string `json:"restored_files"`
}

func (e *CheckpointRewound) Type() string { return "checkpoint_rewound" }

type CheckpointFailed struct {
	TypeTag string `json:"type"`
	Action  string `json:"action"`
	Error   string `json:"error"`
}

func (e *CheckpointFailed) Type() string { return "checkpoint_failed" }

// --- Background task ---

type ToolTaskStatus struct {
	TypeTag     string          `json:"type"`
	TaskID      string          `json:"task_id"`
	Status      string          `json:"status"`
	ExitCode    *int            `json:"exit_code,omitempty"`
	StartedAtMs *int64          `json:"started_at_ms,omitempty"`
	EndedAtMs   *int64          `json:"ended_at_ms,omitempty"`
	Artifacts   json.RawMessage `json:"artifacts,omitempty"`
	Error       *string         `json:"error,omitempty"`
}

func (e *ToolTaskStatus) Type() string { return "tool_task_status" }

type ToolTaskOutputDelta struct {
	TypeTag   string          `json:"type"`
	TaskID    string          `json:"task_id"`
	Stream    string          `json:"stream"`
	Chunk     string          `json:"chunk"`
	Artifacts json.RawMessage `json:"artifacts,omitempty"`
}

func (e *ToolTaskOutputDelta) Type() string { return "tool_task_output_delta" }

type ToolTaskCancelRequested struct {
	TypeTag string `json:"type"`
	TaskID  string `json:"task_id"`
	Reason  string `json:"reason"`
}

func (e *ToolTaskCancelRequested) Type() string { return "tool_task_cancel_requested" }

type ToolTaskCancelled struct {
	TypeTag    string `json:"type"`
	TaskID     string `json:"task_id"`
	Reason     string `json:"reason"`
	WallTimeMs int64  `json:"wall_time_ms"`
}

func (e *ToolTaskCancelled) Type() string { return "tool_task_cancelled" }

// --- Provider passthrough ---

type ProviderEventStatus string

const (
	ProviderEventStatusEvent       ProviderEventStatus = "event"
	ProviderEventStatusDone        ProviderEventStatus = "done"
	ProviderEventStatusInvalidJSON ProviderEventStatus = "invalid_json"
)

type ProviderEvent struct {
	TypeTag        string              `json:"type"`
	Provider       string              `json:"provider"`
	Status         ProviderEventStatus `json:"status"`
	EventName      string              `json:"event_name,omitempty"`
	Data           json.RawMessage     `json:"data,omitempty"`
	Raw            string              `json:"raw,omitempty"`
	Errors         []string            `json:"errors,omitempty"`
	ResponseErrors []string            `json:"response_errors,omitempty"`
}

func (e *ProviderEvent) Type() string { return "provider_event" }
