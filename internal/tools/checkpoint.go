package tools

import "context"

// CheckpointRequest is built by the runner before a mutating tool runs
// (auto=true) or on an explicit checkpoint command (auto=false).
type CheckpointRequest struct {
	SessionID string
	Label     string
	Files     []string
	Auto      bool
	ToolName  string
}

// CheckpointResult is returned by a successful Create.
type CheckpointResult struct {
	CheckpointID string
	CreatedAtMs  int64
	Files        []string
}

// RewindResult is returned by a successful Rewind.
type RewindResult struct {
	CheckpointID  string
	RestoredFiles []string
}

// CheckpointHook is installed by the engine to back checkpoint creation and
// rewind. When absent, the runner emits checkpoint_failed for any
// checkpoint-shaped request instead of attempting one.
type CheckpointHook interface {
	Create(ctx context.Context, req CheckpointRequest) (CheckpointResult, error)
	Rewind(ctx context.Context, sessionID string, checkpointID string) (RewindResult, error)
}
