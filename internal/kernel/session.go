package kernel

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Runtime constructs sessions. It carries no state of its own; it exists so
// callers depend on a handle rather than the bare constructor.
type Runtime struct{}

func NewRuntime() *Runtime { return &Runtime{} }

func (r *Runtime) StartSession(input string) *Session { return StartSession(input) }

// Stage is one of the four states a Session passes through: Start, Output,
// End, Done. next_event advances the stage and returns the frame for it, or
// reports done once Done is reached.
type Stage int

const (
	StageStart Stage = iota
	StageOutput
	StageEnd
	StageDone
)

// Session is a three-stage state machine owned exclusively by the
// orchestrator task that runs it. It holds the monotonic seq counter used to
// stamp every frame the kernel, tool runner, and checkpoint hook produce for
// its stream.
type Session struct {
	id    string
	input string
	seq   uint64
	stage Stage
}

// StartSession creates a fresh session over the given input, in stage Start.
func StartSession(input string) *Session {
	return &Session{id: uuid.NewString(), input: input, stage: StageStart}
}

// StartSessionWithID is StartSession for a caller that already allocated the
// session id — e.g. the HTTP adapter's create-then-send-input split,
// where the id is handed to the client before any input exists.
func StartSessionWithID(id, input string) *Session {
	return &Session{id: id, input: input, stage: StageStart}
}

func (s *Session) ID() string { return s.id }

// SetInput overwrites the input a not-yet-started session will report in its
// session_started frame and echo in its ack, used when a caller allocates
// the session (and its id) before the input driving it is known.
func (s *Session) SetInput(input string) { s.input = input }

func (s *Session) Seq() uint64 { return s.seq }

// SetSeq lets callers fast-forward the counter after emitting out-of-band
// frames (tool/checkpoint runs) so the kernel's own frames continue the same
// contiguous sequence.
func (s *Session) SetSeq(seq uint64) { s.seq = seq }

// NextSeq returns the next seq value and advances the counter, the single
// place every emitter in the runtime draws a seq from for this session.
func (s *Session) NextSeq() uint64 {
	v := s.seq
	s.seq++
	return v
}

// NextEvent advances the stage and returns the frame for it. It returns
// (nil, false) once the session has reached Done.
func (s *Session) NextEvent() (*Frame, bool) {
	switch s.stage {
	case StageStart:
		s.stage = StageOutput
		return s.EmitFrame(NewSessionStarted(s.input)), true
	case StageOutput:
		s.stage = StageEnd
		return s.EmitFrame(NewOutputTextDelta(fmt.Sprintf("ack: %s", s.input))), true
	case StageEnd:
		s.stage = StageDone
		return s.EmitFrame(NewSessionEnded("completed")), true
	default:
		return nil, false
	}
}

// EndWithReason emits a terminal session_ended frame with an explicit
// reason ("completed", "cancelled", "error: ...") bypassing the normal
// Output->End transition, used when the orchestrator needs to end the
// session early.
func (s *Session) EndWithReason(reason string) *Frame {
	s.stage = StageDone
	return s.EmitFrame(NewSessionEnded(reason))
}

// EmitFrame stamps kind with a fresh id, the session's id, the current
// wall-clock time, and the next seq value. It is the single place outside
// NextEvent that produces frames for this session's stream — used by the
// tool runner and checkpoint hook so their frames share the session's
// contiguous seq counter.
func (s *Session) EmitFrame(kind EventKind) *Frame {
	return &Frame{
		ID:          uuid.NewString(),
		SessionID:   s.id,
		TimestampMs: nowMs(),
		Seq:         s.NextSeq(),
		Kind:        kind,
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
