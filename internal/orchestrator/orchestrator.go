// Package orchestrator drives one session end-to-end: start the kernel
// session, classify the input, route it to the tool runner / checkpoint
// hook / command registry, drain the kernel's own frames, and snapshot —
// emitting every frame through the same broadcast+buffer+log pipeline.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/rip-run/rip/internal/broadcast"
	"github.com/rip-run/rip/internal/eventlog"
	"github.com/rip-run/rip/internal/kernel"
	"github.com/rip-run/rip/internal/tasks"
	"github.com/rip-run/rip/internal/tools"
)

// Session wires together everything one orchestrated run needs. Mu is
// optional: when the owning engine also lets background tasks (internal/
// tasks) emit onto this same session's stream after Run returns, it sets Mu
// to a shared lock so both emission paths serialize against the session's
// seq counter and FrameStore.Push, neither of which is internally
// synchronized. Left nil, Run takes no locks (single orchestrator
// goroutine).
type Session struct {
	Runtime    *kernel.Runtime
	ToolRunner *tools.Runner
	Commands   *kernel.CommandRegistry
	Hooks      *kernel.HookEngine
	Tasks      *tasks.Manager
	TaskSink   tasks.EventSink
	Hub        *broadcast.Hub
	Store      *broadcast.FrameStore
	EventLog   *eventlog.EventLog
	SnapshotDir string
	Logger     *slog.Logger
	Mu         *sync.Mutex

	// Observer, when set, sees every frame this session emits, in emission
	// order, under the same lock as the emit itself. The engine points it at
	// the session's RunMetrics.
	Observer func(*kernel.Frame)
}

type toolCommand struct {
	Tool       string          `json:"tool"`
	Args       json.RawMessage `json:"args"`
	TimeoutMs  *int64          `json:"timeout_ms"`
	Background bool            `json:"background"`
}

type checkpointEnvelope struct {
	Checkpoint checkpointCommand `json:"checkpoint"`
}

type checkpointCommand struct {
	Action string   `json:"action"`
	Label  string   `json:"label"`
	Files  []string `json:"files"`
	ID     string   `json:"id"`
}

type taskEnvelope struct {
	Task taskCommand `json:"task"`
}

type taskCommand struct {
	Action string `json:"action"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type actionKind int

const (
	actionPrompt actionKind = iota
	actionTool
	actionCheckpoint
	actionTask
	actionCommand
)

type action struct {
	kind       actionKind
	tool       toolCommand
	checkpoint checkpointCommand
	task       taskCommand
	cmdName    string
	cmdArgs    string
}

// parseAction classifies input: a JSON-object-shaped input first tries
// {"checkpoint":{...}}, then {"task":{...}}, then {"tool":...}; a leading
// "/" is a command-registry invocation; anything else is a prompt.
func parseAction(input string) action {
	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "{") {
		var envelope checkpointEnvelope
		if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil && envelope.Checkpoint.Action != "" {
			return action{kind: actionCheckpoint, checkpoint: envelope.Checkpoint}
		}
		var taskEnv taskEnvelope
		if err := json.Unmarshal([]byte(trimmed), &taskEnv); err == nil && taskEnv.Task.Action != "" {
			return action{kind: actionTask, task: taskEnv.Task}
		}
		var cmd toolCommand
		if err := json.Unmarshal([]byte(trimmed), &cmd); err == nil && cmd.Tool != "" {
			return action{kind: actionTool, tool: cmd}
		}
	}
	if strings.HasPrefix(trimmed, "/") {
		rest := strings.TrimPrefix(trimmed, "/")
		name, args, _ := strings.Cut(rest, " ")
		return action{kind: actionCommand, cmdName: name, cmdArgs: args}
	}
	return action{kind: actionPrompt}
}

// Run executes one orchestrated turn for input against a fresh session,
// returning the session id used.
func (s *Session) Run(ctx context.Context, input string) string {
	session := s.Runtime.StartSession(input)
	return s.RunSession(ctx, session, input)
}

// RunSession is Run against a caller-provided session, so the session id can
// be allocated and handed to a client before the input that drives it is
// known, as the HTTP adapter's create-then-send-input flow requires.
//
// Every step that draws seqs from the session (kernel NextEvent, tool and
// checkpoint runs, command result frames) runs entirely inside the shared
// critical section when Mu is set: a concurrent background-task emitter
// stamps frames from the same counter, so seq allocation and emission have
// to be one atomic unit or the stream's seqs race.
func (s *Session) RunSession(ctx context.Context, session *kernel.Session, input string) string {
	act := parseAction(input)

	s.emitNextKernelEvent(session)

	if out := s.runHooks(kernel.HookContext{SessionID: session.ID(), Event: kernel.HookEventSessionStart}); out.Aborted {
		unlock := s.lock()
		s.emitLocked(session.EndWithReason("aborted: " + out.Reason))
		unlock()
		s.writeSnapshot(session)
		return session.ID()
	}

	switch act.kind {
	case actionTool:
		if out := s.runHooks(kernel.HookContext{SessionID: session.ID(), Event: kernel.HookEventBeforeTool, ToolName: act.tool.Tool}); out.Aborted {
			unlock := s.lock()
			s.emitLocked(session.EmitFrame(kernel.NewOutputTextDelta("tool blocked: " + out.Reason)))
			unlock()
			break
		}
		if act.tool.Background {
			s.spawnBackgroundTask(ctx, session, act.tool)
			break
		}
		unlock := s.lock()
		frames := s.ToolRunner.Run(ctx, session, tools.ToolInvocation{
			Name:      act.tool.Tool,
			Args:      act.tool.Args,
			TimeoutMs: act.tool.TimeoutMs,
		})
		s.emitLocked(frames...)
		unlock()
		s.runHooks(kernel.HookContext{SessionID: session.ID(), Event: kernel.HookEventAfterTool, ToolName: act.tool.Tool})

	case actionCheckpoint:
		unlock := s.lock()
		var frames []*kernel.Frame
		switch act.checkpoint.Action {
		case "create":
			frames = s.ToolRunner.CreateCheckpoint(ctx, session, act.checkpoint.Label, act.checkpoint.Files)
		case "rewind":
			frames = s.ToolRunner.RewindCheckpoint(ctx, session, act.checkpoint.ID)
		}
		s.emitLocked(frames...)
		unlock()

	case actionTask:
		s.runTaskCommand(session, act.task)

	case actionCommand:
		result, err := s.Commands.Execute(act.cmdName, kernel.CommandContext{SessionID: session.ID(), Args: act.cmdArgs})
		text := result
		if err != nil {
			text = fmt.Sprintf("command error: %v", err)
		}
		unlock := s.lock()
		s.emitLocked(session.EmitFrame(kernel.NewOutputTextDelta(text)))
		unlock()

	case actionPrompt:
		// No extra events: a real provider integration would stream
		// output_text_delta frames from here.
	}

	for s.emitNextKernelEvent(session) {
	}

	s.runHooks(kernel.HookContext{SessionID: session.ID(), Event: kernel.HookEventSessionEnd})
	s.writeSnapshot(session)

	return session.ID()
}

// spawnBackgroundTask routes a {"tool":...,"background":true} command to the
// background task manager instead of the synchronous runner. The spawned
// task emits its own tool_task_status/output frames through the session's
// sink; here only the acknowledgement (or refusal) becomes a frame.
func (s *Session) spawnBackgroundTask(ctx context.Context, session *kernel.Session, cmd toolCommand) {
	emitDelta := func(text string) {
		unlock := s.lock()
		s.emitLocked(session.EmitFrame(kernel.NewOutputTextDelta(text)))
		unlock()
	}

	if s.Tasks == nil {
		emitDelta("background tasks are not available")
		return
	}
	if cmd.Tool != "bash" && cmd.Tool != "shell" {
		emitDelta(fmt.Sprintf("tool %q cannot run in the background", cmd.Tool))
		return
	}
	var args tasks.Args
	if err := json.Unmarshal(cmd.Args, &args); err != nil {
		emitDelta(fmt.Sprintf("invalid task args: %v", err))
		return
	}

	handle, err := s.Tasks.Spawn(ctx, cmd.Tool, args, s.taskSink(session))
	if err != nil {
		emitDelta(fmt.Sprintf("task spawn failed: %v", err))
		return
	}
	emitDelta("task started: " + handle.TaskID)
}

// runTaskCommand handles the {"task":{...}} verb; "cancel" is the only
// action. The cancel_requested/cancelled/status frames come from the task's
// own goroutines once the signal lands.
func (s *Session) runTaskCommand(session *kernel.Session, cmd taskCommand) {
	emitDelta := func(text string) {
		unlock := s.lock()
		s.emitLocked(session.EmitFrame(kernel.NewOutputTextDelta(text)))
		unlock()
	}

	switch {
	case s.Tasks == nil:
		emitDelta("background tasks are not available")
	case cmd.Action != "cancel":
		emitDelta(fmt.Sprintf("unknown task action %q", cmd.Action))
	default:
		handle, ok := s.Tasks.Get(cmd.ID)
		if !ok {
			emitDelta("task not found: " + cmd.ID)
			return
		}
		reason := cmd.Reason
		if reason == "" {
			reason = "cancelled by client"
		}
		handle.Cancel(reason)
		emitDelta("cancel requested: " + cmd.ID)
	}
}

// taskSink returns the sink a spawned task emits through: the
// engine-provided one when set (it shares this session's lock and seq
// counter), otherwise one built over this Session directly.
func (s *Session) taskSink(session *kernel.Session) tasks.EventSink {
	if s.TaskSink != nil {
		return s.TaskSink
	}
	return &sessionSink{owner: s, session: session}
}

// sessionSink adapts a Session into a tasks.EventSink: each task frame is
// stamped from the session's seq counter and emitted through the same
// broadcast+buffer+log pipeline, inside the shared critical section.
type sessionSink struct {
	owner   *Session
	session *kernel.Session
}

func (k *sessionSink) Emit(kind kernel.EventKind) *kernel.Frame {
	unlock := k.owner.lock()
	defer unlock()
	frame := k.session.EmitFrame(kind)
	k.owner.emitLocked(frame)
	return frame
}

// runHooks runs the registered hooks for ctx's event; with no hook engine
// installed everything proceeds.
func (s *Session) runHooks(ctx kernel.HookContext) kernel.HookOutcome {
	if s.Hooks == nil {
		return kernel.Continue()
	}
	return s.Hooks.Run(ctx)
}

func (s *Session) writeSnapshot(session *kernel.Session) {
	if s.SnapshotDir == "" {
		return
	}
	unlock := s.lock()
	frames := s.Store.All()
	unlock()
	if err := eventlog.WriteSnapshot(s.SnapshotDir, session.ID(), frames); err != nil {
		s.Logger.Error("write snapshot failed", "session_id", session.ID(), "error", err)
	}
}

// emitNextKernelEvent advances the kernel FSM one stage and emits its frame
// inside the critical section, reporting whether a frame was produced.
func (s *Session) emitNextKernelEvent(session *kernel.Session) bool {
	unlock := s.lock()
	defer unlock()
	frame, ok := session.NextEvent()
	if !ok {
		return false
	}
	s.emitLocked(frame)
	return true
}

func (s *Session) lock() func() {
	if s.Mu == nil {
		return func() {}
	}
	s.Mu.Lock()
	return s.Mu.Unlock
}

// emitLocked publishes to the broadcast hub, pushes onto the in-memory
// FrameStore, then appends to the event log. Broadcast and log failures are
// both best-effort: logged, never fatal to the run. The caller holds the
// shared lock when one is set.
func (s *Session) emitLocked(frames ...*kernel.Frame) {
	for _, frame := range frames {
		s.Hub.Publish(frame)
		s.Store.Push(frame)
		if err := s.EventLog.Append(frame); err != nil {
			s.Logger.Error("event log append failed", "session_id", frame.SessionID, "seq", frame.Seq, "error", err)
		}
		if s.Observer != nil {
			s.Observer(frame)
		}
	}
}
