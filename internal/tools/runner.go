package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rip-run/rip/internal/kernel"
	"golang.org/x/sync/semaphore"
)

// Runner enforces the concurrency cap, the workspace single-writer lock,
// auto-checkpointing, timeouts, and the frame-emission contract, delegating
// the actual tool work to the registry.
type Runner struct {
	Registry   *ToolRegistry
	Checkpoint CheckpointHook
	Logger     *slog.Logger

	toolSem      *semaphore.Weighted
	workspaceSem *semaphore.Weighted
}

// NewRunner builds a Runner with the given concurrency cap (default 4) and
// workspace lock (always weight 1, single writer).
func NewRunner(registry *ToolRegistry, checkpoint CheckpointHook, maxConcurrency int64, logger *slog.Logger) *Runner {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		Registry:     registry,
		Checkpoint:   checkpoint,
		Logger:       logger,
		toolSem:      semaphore.NewWeighted(maxConcurrency),
		workspaceSem: semaphore.NewWeighted(1),
	}
}

// Run executes inv against session, returning every frame produced in
// emission order. session's seq counter is advanced by each emitted frame.
func (r *Runner) Run(ctx context.Context, session *kernel.Session, inv ToolInvocation) []*kernel.Frame {
	var frames []*kernel.Frame
	emit := func(kind kernel.EventKind) {
		frames = append(frames, session.EmitFrame(kind))
	}

	handler, ok := r.Registry.Lookup(inv.Name)
	mutates := RequiresWorkspaceLock(inv.Name)

	// Auto-checkpoint before tool_started, only for mutating tools with a
	// hook installed. Hook absent means the default: skip. Args that fail
	// the tool's own schema produce checkpoint_failed, not a checkpoint of
	// nothing; the handler still runs afterwards and reports exit code 2.
	if mutates && r.Checkpoint != nil {
		if err := r.Registry.ValidateArgs(inv.Name, inv.Args); err != nil {
			emit(&kernel.CheckpointFailed{Action: "create", Error: err.Error()})
		} else {
			req := CheckpointRequest{
				SessionID: session.ID(),
				Label:     fmt.Sprintf("auto:%s", inv.Name),
				Files:     affectedPathsFromArgs(inv.Args),
				Auto:      true,
				ToolName:  inv.Name,
			}
			result, err := r.Checkpoint.Create(ctx, req)
			if err != nil {
				emit(&kernel.CheckpointFailed{Action: "create", Error: err.Error()})
			} else {
				emit(&kernel.CheckpointCreated{
					CheckpointID: result.CheckpointID,
					Label:        req.Label,
					CreatedAtMs:  result.CreatedAtMs,
					Files:        result.Files,
					Auto:         true,
					ToolName:     inv.Name,
				})
			}
		}
	}

	toolID := newID()
	emit(&kernel.ToolStarted{ToolID: toolID, Name: inv.Name, Args: inv.Args, TimeoutMs: inv.TimeoutMs})

	if !ok {
		emit(&kernel.ToolFailed{ToolID: toolID, Error: ErrToolNotFound.Error()})
		emit(&kernel.ToolEnded{ToolID: toolID, ExitCode: 2, DurationMs: 0})
		return frames
	}

	if err := r.toolSem.Acquire(ctx, 1); err != nil {
		emit(&kernel.ToolFailed{ToolID: toolID, Error: err.Error()})
		emit(&kernel.ToolEnded{ToolID: toolID, ExitCode: 1, DurationMs: 0})
		return frames
	}
	defer r.toolSem.Release(1)

	if mutates {
		if err := r.workspaceSem.Acquire(ctx, 1); err != nil {
			emit(&kernel.ToolFailed{ToolID: toolID, Error: err.Error()})
			emit(&kernel.ToolEnded{ToolID: toolID, ExitCode: 1, DurationMs: 0})
			return frames
		}
		defer r.workspaceSem.Release(1)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if inv.TimeoutMs != nil && *inv.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(*inv.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	output, err := handler(runCtx, inv)
	durationMs := time.Since(start).Milliseconds()

	if runCtx.Err() == context.DeadlineExceeded {
		emit(&kernel.ToolFailed{ToolID: toolID, Error: "tool timed out"})
		emit(&kernel.ToolEnded{ToolID: toolID, ExitCode: 124, DurationMs: durationMs})
		return frames
	}

	if err != nil {
		emit(&kernel.ToolFailed{ToolID: toolID, Error: err.Error()})
		emit(&kernel.ToolEnded{ToolID: toolID, ExitCode: 2, DurationMs: durationMs})
		return frames
	}

	for _, line := range output.Stdout {
		if line == "" {
			continue
		}
		emit(&kernel.ToolStdout{ToolID: toolID, Chunk: line})
	}
	for _, line := range output.Stderr {
		if line == "" {
			continue
		}
		emit(&kernel.ToolStderr{ToolID: toolID, Chunk: line})
	}
	emit(&kernel.ToolEnded{ToolID: toolID, ExitCode: output.ExitCode, DurationMs: durationMs, Artifacts: output.Artifacts})

	return frames
}

// CreateCheckpoint delegates to the hook; absent hook emits checkpoint_failed.
func (r *Runner) CreateCheckpoint(ctx context.Context, session *kernel.Session, label string, files []string) []*kernel.Frame {
	var frames []*kernel.Frame
	if r.Checkpoint == nil {
		frames = append(frames, session.EmitFrame(&kernel.CheckpointFailed{Action: "create", Error: "no checkpoint hook installed"}))
		return frames
	}
	result, err := r.Checkpoint.Create(ctx, CheckpointRequest{SessionID: session.ID(), Label: label, Files: files, Auto: false})
	if err != nil {
		frames = append(frames, session.EmitFrame(&kernel.CheckpointFailed{Action: "create", Error: err.Error()}))
		return frames
	}
	frames = append(frames, session.EmitFrame(&kernel.CheckpointCreated{
		CheckpointID: result.CheckpointID,
		Label:        label,
		CreatedAtMs:  result.CreatedAtMs,
		Files:        result.Files,
		Auto:         false,
	}))
	return frames
}

// RewindCheckpoint delegates to the hook; absent hook emits checkpoint_failed.
func (r *Runner) RewindCheckpoint(ctx context.Context, session *kernel.Session, checkpointID string) []*kernel.Frame {
	var frames []*kernel.Frame
	if r.Checkpoint == nil {
		frames = append(frames, session.EmitFrame(&kernel.CheckpointFailed{Action: "rewind", Error: "no checkpoint hook installed"}))
		return frames
	}
	result, err := r.Checkpoint.Rewind(ctx, session.ID(), checkpointID)
	if err != nil {
		frames = append(frames, session.EmitFrame(&kernel.CheckpointFailed{Action: "rewind", Error: err.Error()}))
		return frames
	}
	frames = append(frames, session.EmitFrame(&kernel.CheckpointRewound{
		CheckpointID:  result.CheckpointID,
		RestoredFiles: result.RestoredFiles,
	}))
	return frames
}

// affectedPathsFromArgs is a best-effort extraction of the "path" argument
// shared by most builtins, used to populate the auto-checkpoint request.
// Tools without a single path argument (bash/shell, apply_patch across many
// files) simply produce an empty list; the checkpoint is still taken, just
// without a precise file set.
func affectedPathsFromArgs(args json.RawMessage) []string {
	var payload struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &payload); err != nil || payload.Path == "" {
		return nil
	}
	return []string{payload.Path}
}
