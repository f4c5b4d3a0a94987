package ripd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/rip-run/rip/internal/broadcast"
	"github.com/rip-run/rip/internal/eventlog"
	"github.com/rip-run/rip/internal/kernel"
	"github.com/rip-run/rip/internal/orchestrator"
	"github.com/rip-run/rip/internal/tasks"
	"github.com/rip-run/rip/internal/tools"
)

// ToolMaxConcurrency is the default cap on concurrently running tool
// invocations.
const ToolMaxConcurrency = 4

// FrameStoreCapacity bounds how much in-memory history each session's
// FrameStore retains.
const FrameStoreCapacity = 4096

// DefaultDataDir resolves RIP_DATA_DIR, falling back to "data".
func DefaultDataDir() string {
	if v := os.Getenv("RIP_DATA_DIR"); v != "" {
		return v
	}
	return "data"
}

// DefaultWorkspaceRoot resolves RIP_WORKSPACE_ROOT, falling back to the
// current directory.
func DefaultWorkspaceRoot() string {
	if v := os.Getenv("RIP_WORKSPACE_ROOT"); v != "" {
		return v
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

// SessionHandle is a created-but-not-necessarily-started session: its id is
// allocated up front (the create/send-input split lets a client get
// an id before any input exists), along with everything needed to run and
// subscribe to it.
type SessionHandle struct {
	SessionID string

	hub     *broadcast.Hub
	store   *broadcast.FrameStore
	kernel  *kernel.Session
	emitter *sessionEmitter
	metrics *RunMetrics
}

// Subscribe opens a live feed of every frame published for this session
// from this point on.
func (h *SessionHandle) Subscribe() *broadcast.Subscriber { return h.hub.Subscribe() }

// Store returns the session's in-memory ring buffer, e.g. for an attach
// client's initial backfill.
func (h *SessionHandle) Store() *broadcast.FrameStore { return h.store }

// Metrics returns the session's passive run-metrics observer, fed by every
// frame the session emits.
func (h *SessionHandle) Metrics() *RunMetrics { return h.metrics }

// SessionEngine is the composition root: one Runtime, one tool registry and
// runner, one task manager, one event log, shared by every session it
// creates.
type SessionEngine struct {
	DataDir      string
	WorkspaceRoot string

	runtime    *kernel.Runtime
	toolRunner *tools.Runner
	commands   *kernel.CommandRegistry
	hooks      *kernel.HookEngine
	taskMgr    *tasks.Manager
	eventLog   *eventlog.EventLog
	snapshotDir string
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*SessionHandle
}

// NewSessionEngine builds the engine rooted at dataDir/workspaceRoot:
// registry + builtin tools + checkpoint hook + tool runner + event log +
// snapshot dir.
func NewSessionEngine(dataDir, workspaceRoot string, logger *slog.Logger) (*SessionEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registry := tools.NewToolRegistry()
	toolConfig := tools.DefaultBuiltinToolConfig(workspaceRoot)
	tools.RegisterBuiltinTools(registry, toolConfig)

	checkpointHook := tools.NewWorkspaceCheckpointHook(workspaceRoot)
	toolRunner := tools.NewRunner(registry, checkpointHook, ToolMaxConcurrency, logger)

	eventLog, err := eventlog.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("ripd: event log init: %w", err)
	}
	snapshotDir := filepath.Join(dataDir, "snapshots")

	taskMgr := tasks.NewManager(workspaceRoot, toolConfig.ArtifactMaxBytes)

	return &SessionEngine{
		DataDir:       dataDir,
		WorkspaceRoot: workspaceRoot,
		runtime:       kernel.NewRuntime(),
		toolRunner:    toolRunner,
		commands:      kernel.NewCommandRegistry(),
		hooks:         kernel.NewHookEngine(),
		taskMgr:       taskMgr,
		eventLog:      eventLog,
		snapshotDir:   snapshotDir,
		logger:        logger,
		sessions:      make(map[string]*SessionHandle),
	}, nil
}

// NewDefaultSessionEngine builds an engine from RIP_DATA_DIR/
// RIP_WORKSPACE_ROOT.
func NewDefaultSessionEngine(logger *slog.Logger) (*SessionEngine, error) {
	return NewSessionEngine(DefaultDataDir(), DefaultWorkspaceRoot(), logger)
}

// TaskManager exposes the shared background task manager; the HTTP adapter
// reaches Handle.Cancel through it for the task-cancel route, alongside the
// orchestrator's own {"task":{"action":"cancel"}} input verb.
func (e *SessionEngine) TaskManager() *tasks.Manager { return e.taskMgr }

// Commands exposes the shared command registry for callers (e.g. cmd/rip)
// that want to register additional slash commands before serving.
func (e *SessionEngine) Commands() *kernel.CommandRegistry { return e.commands }

// Hooks exposes the shared lifecycle hook engine so callers can register
// hooks (session start/end gates, per-tool policy) before serving.
func (e *SessionEngine) Hooks() *kernel.HookEngine { return e.hooks }

// SnapshotDir exposes the snapshot directory so the authority process can
// point a Janitor at it.
func (e *SessionEngine) SnapshotDir() string { return e.snapshotDir }

// CreateSession allocates a session id and its stream plumbing without
// running anything yet.
func (e *SessionEngine) CreateSession() *SessionHandle {
	sessionID := uuid.NewString()
	hub := broadcast.NewHub()
	store := broadcast.NewFrameStore(FrameStoreCapacity)

	kernelSession := kernel.StartSessionWithID(sessionID, "")
	metrics := &RunMetrics{}
	emitter := newSessionEmitter(kernelSession, hub, store, e.eventLog, metrics, e.logger)

	handle := &SessionHandle{SessionID: sessionID, hub: hub, store: store, kernel: kernelSession, emitter: emitter, metrics: metrics}
	e.mu.Lock()
	e.sessions[sessionID] = handle
	e.mu.Unlock()
	return handle
}

// Get returns a previously created session handle, if still tracked.
func (e *SessionEngine) Get(sessionID string) (*SessionHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.sessions[sessionID]
	return h, ok
}

// SpawnSession runs input against handle's session in its own goroutine.
func (e *SessionEngine) SpawnSession(handle *SessionHandle, input string) {
	go e.runSession(handle, input)
}

func (e *SessionEngine) runSession(handle *SessionHandle, input string) {
	orchSession := &orchestrator.Session{
		Runtime:     e.runtime,
		ToolRunner:  e.toolRunner,
		Commands:    e.commands,
		Hooks:       e.hooks,
		Tasks:       e.taskMgr,
		TaskSink:    handle.emitter,
		Hub:         handle.hub,
		Store:       handle.store,
		EventLog:    e.eventLog,
		SnapshotDir: e.snapshotDir,
		Logger:      e.logger,
		Mu:          handle.emitter.mutex(),
		Observer:    handle.metrics.Observe,
	}
	// Reuse the same *kernel.Session the handle's emitter already holds so
	// the orchestrator's frames and any background task's frames share one
	// contiguous seq counter for this session (see sessionEmitter).
	handle.kernel.SetInput(input)
	orchSession.RunSession(context.Background(), handle.kernel, input)
	e.logger.Info("session complete", "session_id", handle.SessionID, "metrics", string(handle.metrics.ToJSON()))
}

// CancelSession stops tracking sessionID and closes its broadcast hub.
// There is no
// in-flight-run cancellation signal here: once spawned, a session's prompt
// turn runs to completion; cancellation only applies to background tasks
// spawned under it (internal/tasks.Handle.Cancel), which the HTTP/CLI layer
// reaches through TaskManager directly.
func (e *SessionEngine) CancelSession(sessionID string) bool {
	e.mu.Lock()
	handle, ok := e.sessions[sessionID]
	if ok {
		delete(e.sessions, sessionID)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	handle.hub.Close()
	return true
}

// Close releases the engine's event log file handle.
func (e *SessionEngine) Close() error {
	return e.eventLog.Close()
}
