package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkspaceCheckpointCreateRewind(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(target, []byte("before"), 0o644))

	hook := NewWorkspaceCheckpointHook(root)
	result, err := hook.Create(context.Background(), CheckpointRequest{
		SessionID: "sess-1",
		Label:     "manual",
		Files:     []string{"a.txt"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.CheckpointID)

	require.NoError(t, os.WriteFile(target, []byte("after"), 0o644))

	rewound, err := hook.Rewind(context.Background(), "sess-1", result.CheckpointID)
	require.NoError(t, err)
	require.Equal(t, result.CheckpointID, rewound.CheckpointID)

	restored, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "before", string(restored))
}

func TestWorkspaceCheckpointRestoresAbsence(t *testing.T) {
	root := t.TempDir()
	hook := NewWorkspaceCheckpointHook(root)

	result, err := hook.Create(context.Background(), CheckpointRequest{
		SessionID: "sess-2",
		Label:     "auto:write",
		Files:     []string{"new.txt"},
		Auto:      true,
		ToolName:  "write",
	})
	require.NoError(t, err)

	newFile := filepath.Join(root, "new.txt")
	require.NoError(t, os.WriteFile(newFile, []byte("created by tool"), 0o644))

	_, err = hook.Rewind(context.Background(), "sess-2", result.CheckpointID)
	require.NoError(t, err)

	_, statErr := os.Stat(newFile)
	require.True(t, os.IsNotExist(statErr))
}

func TestWorkspaceCheckpointRejectsWrongSession(t *testing.T) {
	root := t.TempDir()
	hook := NewWorkspaceCheckpointHook(root)

	result, err := hook.Create(context.Background(), CheckpointRequest{SessionID: "sess-a", Files: nil})
	require.NoError(t, err)

	_, err = hook.Rewind(context.Background(), "sess-b", result.CheckpointID)
	require.Error(t, err)
}
