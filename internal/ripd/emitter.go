package ripd

import (
	"log/slog"
	"sync"

	"github.com/rip-run/rip/internal/broadcast"
	"github.com/rip-run/rip/internal/eventlog"
	"github.com/rip-run/rip/internal/kernel"
)

// sessionEmitter is the one place a session's seq counter, hub, frame store,
// and event log are touched from more than one goroutine: the orchestrator's
// synchronous Run and a background task's (internal/tasks) stdout/stderr
// pump and reap goroutines both call Emit for the same session, and neither
// kernel.Session.NextSeq nor broadcast.FrameStore.Push guards itself against
// concurrent callers. It implements tasks.EventSink.
type sessionEmitter struct {
	mu      sync.Mutex
	session *kernel.Session
	hub     *broadcast.Hub
	store   *broadcast.FrameStore
	log     *eventlog.EventLog
	metrics *RunMetrics
	logger  *slog.Logger
}

func newSessionEmitter(session *kernel.Session, hub *broadcast.Hub, store *broadcast.FrameStore, log *eventlog.EventLog, metrics *RunMetrics, logger *slog.Logger) *sessionEmitter {
	return &sessionEmitter{session: session, hub: hub, store: store, log: log, metrics: metrics, logger: logger}
}

// Emit stamps kind onto the session's stream and publishes it through every
// sink, serialized against any concurrent caller sharing this emitter.
func (e *sessionEmitter) Emit(kind kernel.EventKind) *kernel.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	frame := e.session.EmitFrame(kind)
	e.hub.Publish(frame)
	e.store.Push(frame)
	if err := e.log.Append(frame); err != nil {
		e.logger.Error("event log append failed", "session_id", frame.SessionID, "seq", frame.Seq, "error", err)
	}
	if e.metrics != nil {
		e.metrics.Observe(frame)
	}
	return frame
}

// mutex exposes the shared lock so orchestrator.Session can serialize its
// own (non-task) emission path against the same guard.
func (e *sessionEmitter) mutex() *sync.Mutex { return &e.mu }
