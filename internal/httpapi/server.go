// Package httpapi is a thin chi-routed HTTP/SSE adapter over internal/ripd:
// create/input/events/cancel routes and the discovery probe, nothing else.
// The wire surface stays an adapter over the core, not something the core
// is built around.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rip-run/rip/internal/broadcast"
	"github.com/rip-run/rip/internal/ripd"
)

// sseKeepAlive is how long a stream may sit idle before a comment ping is
// written so intermediaries don't reap the connection.
const sseKeepAlive = 15 * time.Second

// Server wraps a *ripd.SessionEngine with the HTTP surface a CLI/attach
// client talks to.
type Server struct {
	engine *ripd.SessionEngine
	logger *slog.Logger
	router chi.Router
}

// NewServer builds the router: panic recovery middleware plus the four
// session routes and the discovery probe.
func NewServer(engine *ripd.SessionEngine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: engine, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.createSession)
		r.Post("/{id}/input", s.sendInput)
		r.Get("/{id}/events", s.streamEvents)
		r.Post("/{id}/cancel", s.cancelSession)
	})
	r.Post("/tasks/{taskID}/cancel", s.cancelTask)
	r.Get("/openapi.json", s.stubOpenAPI)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

type sessionCreated struct {
	SessionID string `json:"session_id"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	handle := s.engine.CreateSession()
	writeJSON(w, http.StatusCreated, sessionCreated{SessionID: handle.SessionID})
}

type inputPayload struct {
	Input string `json:"input"`
}

func (s *Server) sendInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	handle, ok := s.engine.Get(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var payload inputPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.engine.SpawnSession(handle, payload.Input)
	w.WriteHeader(http.StatusAccepted)
}

// streamEvents writes each published frame as one SSE "data:" line,
// flushing after every write so a slow client never buffers stale output,
// and pings the stream when it has been idle for sseKeepAlive.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	handle, ok := s.engine.Get(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := handle.Subscribe()
	defer sub.Close()

	ctx := r.Context()

	for {
		recvCtx, cancelRecv := context.WithTimeout(ctx, sseKeepAlive)
		frame, lag, err := sub.Recv(recvCtx)
		cancelRecv()
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case errors.Is(err, io.EOF):
			return
		case errors.Is(err, broadcast.ErrLagged):
			s.logger.Warn("sse: subscriber lagged, frames dropped", "session_id", id, "dropped", lag)
			continue
		case err != nil:
			s.logger.Error("sse: recv failed", "session_id", id, "error", err)
			return
		}

		data, err := json.Marshal(frame)
		if err != nil {
			s.logger.Error("sse: marshal frame failed", "session_id", id, "error", err)
			continue
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		if _, err := w.Write(data); err != nil {
			return
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.engine.CancelSession(id) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

type taskCancelPayload struct {
	Reason string `json:"reason"`
}

// cancelTask signals a background task to stop; the resulting
// cancel_requested/cancelled/status frames arrive on the owning session's
// event stream, not in this response.
func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	handle, ok := s.engine.TaskManager().Get(taskID)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var payload taskCancelPayload
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}
	reason := payload.Reason
	if reason == "" {
		reason = "cancelled by client"
	}
	handle.Cancel(reason)
	w.WriteHeader(http.StatusAccepted)
}

// stubOpenAPI answers the authority discovery protocol's readiness probe
// (clients ping GET /openapi.json); any 2xx satisfies it.
func (s *Server) stubOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{}`))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
