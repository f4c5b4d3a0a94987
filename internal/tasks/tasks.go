// Package tasks implements the background task manager: long-running shell
// commands spawned outside the synchronous tools.Runner.Run path, each with
// its own process group, two streamed log artifacts, and cooperative
// cancellation.
package tasks

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rip-run/rip/internal/kernel"
)

// Status is one of the background task's in-flight or terminal states
// (Queued -> Running -> {Exited, Failed, Cancelled}).
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusExited    Status = "exited"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Record is the task bookkeeping state the manager exposes to callers
// (e.g. a future status-query tool); it mirrors the fields the
// tool_task_status frame carries.
type Record struct {
	TaskID      string
	Status      Status
	StartedAtMs *int64
	EndedAtMs   *int64
	ExitCode    *int
	Artifacts   json.RawMessage
	Error       *string
}

// EventSink is how a task emits frames onto a session's stream. Because
// stdout/stderr pumps and the reap goroutine all run concurrently, and may
// run after the orchestrator's own synchronous emission for the session
// has finished, implementations must serialize access to the session's seq
// counter and its dependent sinks (broadcast, frame store, log) themselves
// — see internal/ripd's sessionEmitter.
type EventSink interface {
	Emit(kind kernel.EventKind) *kernel.Frame
}

// Args is the input to a spawned task: the same shape bash/shell take
// synchronously, run asynchronously instead.
type Args struct {
	Command   string            `json:"command"`
	CWD       string            `json:"cwd"`
	Env       map[string]string `json:"env"`
}

// Handle tracks one running or completed background task.
type Handle struct {
	TaskID string

	mu     sync.Mutex
	record Record

	cancelOnce sync.Once
	cancelCh   chan string
	doneCh     chan struct{}
}

func newHandle(taskID string) *Handle {
	return &Handle{
		TaskID:   taskID,
		record:   Record{TaskID: taskID, Status: StatusQueued},
		cancelCh: make(chan string, 1),
		doneCh:   make(chan struct{}),
	}
}

// Record returns a snapshot of the task's current bookkeeping state.
func (h *Handle) Record() Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record
}

func (h *Handle) setRecord(mutate func(*Record)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	mutate(&h.record)
}

// Cancel requests cancellation with reason, a no-op if already requested or
// the task has already finished.
func (h *Handle) Cancel(reason string) {
	h.cancelOnce.Do(func() {
		select {
		case h.cancelCh <- reason:
		default:
		}
	})
}

// Wait blocks until the task reaches a terminal state.
func (h *Handle) Wait() {
	<-h.doneCh
}

// Manager spawns and tracks background tasks for a workspace. One Manager
// is shared process-wide. Unlike tools.Runner it imposes no concurrency cap
// of its own: each spawned task owns its goroutines for the life of the
// child process.
type Manager struct {
	WorkspaceRoot    string
	ArtifactMaxBytes int64
	OutputMaxBytes   int

	mu      sync.Mutex
	handles map[string]*Handle
}

// OutputEventMaxBytes bounds the preview chunk size of a single
// tool_task_output_delta frame.
const OutputEventMaxBytes = 64 * 1024

// NewManager builds a Manager rooted at workspaceRoot. artifactMaxBytes
// caps how much of a task's stdout/stderr is retained as a log artifact;
// zero means unbounded.
func NewManager(workspaceRoot string, artifactMaxBytes int64) *Manager {
	return &Manager{
		WorkspaceRoot:    workspaceRoot,
		ArtifactMaxBytes: artifactMaxBytes,
		OutputMaxBytes:   OutputEventMaxBytes,
		handles:          make(map[string]*Handle),
	}
}

// Get returns the handle for taskID, if known.
func (m *Manager) Get(taskID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[taskID]
	return h, ok
}

func (m *Manager) register(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles[h.TaskID] = h
}

func newTaskID() string { return uuid.NewString() }

func nowMs() int64 { return time.Now().UnixMilli() }

// failTask records a Failed status and emits tool_task_status without ever
// having reached Running — used for setup errors (missing log writer,
// spawn failure) that occur before the child process exists.
func failTask(h *Handle, sink EventSink, errMsg string) {
	ended := nowMs()
	h.setRecord(func(r *Record) {
		r.Status = StatusFailed
		r.EndedAtMs = &ended
		r.Error = &errMsg
	})
	errCopy := errMsg
	sink.Emit(&kernel.ToolTaskStatus{
		TaskID:    h.TaskID,
		Status:    string(StatusFailed),
		EndedAtMs: &ended,
		Error:     &errCopy,
	})
}

func intPtr(v int) *int { return &v }
