// Package ripd is the engine composition root: it wires kernel, tools,
// tasks, broadcast, and eventlog into one SessionEngine, the single place
// that knows how to build and run a session end to end.
package ripd

import (
	"log/slog"
	"os"
)

// NewLogger builds the process-wide structured logger: JSON output on
// stdout, level adjustable via RIP_LOG_LEVEL (debug/info/warn/error,
// default info).
func NewLogger() *slog.Logger {
	level := slog.LevelInfo
	switch os.Getenv("RIP_LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
