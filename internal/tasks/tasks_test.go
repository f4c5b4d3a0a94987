package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rip-run/rip/internal/kernel"
)

// fakeSink records every frame kind emitted to it, in order, guarded by a
// mutex the way internal/ripd's sessionEmitter guards the real session
// stream — exercised here so tests can assert on emission order without a
// full SessionEngine.
type fakeSink struct {
	mu    sync.Mutex
	kinds []kernel.EventKind
}

func (f *fakeSink) Emit(kind kernel.EventKind) *kernel.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	return &kernel.Frame{Kind: kind}
}

func (f *fakeSink) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.kinds))
	for i, k := range f.kinds {
		out[i] = k.Type()
	}
	return out
}

func TestSpawnRunsCommandToCompletion(t *testing.T) {
	workspace := t.TempDir()
	mgr := NewManager(workspace, 0)
	sink := &fakeSink{}

	handle, err := mgr.Spawn(context.Background(), "bash", Args{Command: "echo hi"}, sink)
	require.NoError(t, err)
	handle.Wait()

	record := handle.Record()
	require.Equal(t, StatusExited, record.Status)
	require.NotNil(t, record.ExitCode)
	require.Equal(t, 0, *record.ExitCode)
	require.Contains(t, sink.types(), "tool_task_output_delta")
	require.Equal(t, "tool_task_status", sink.types()[len(sink.types())-1])
}

func TestSpawnReportsNonZeroExit(t *testing.T) {
	workspace := t.TempDir()
	mgr := NewManager(workspace, 0)
	sink := &fakeSink{}

	handle, err := mgr.Spawn(context.Background(), "bash", Args{Command: "exit 7"}, sink)
	require.NoError(t, err)
	handle.Wait()

	record := handle.Record()
	require.Equal(t, StatusExited, record.Status)
	require.NotNil(t, record.ExitCode)
	require.Equal(t, 7, *record.ExitCode)
}

func TestSpawnRejectsEscapingCWD(t *testing.T) {
	workspace := t.TempDir()
	mgr := NewManager(workspace, 0)
	sink := &fakeSink{}

	handle, err := mgr.Spawn(context.Background(), "bash", Args{Command: "echo hi", CWD: "../escape"}, sink)
	require.NoError(t, err)
	handle.Wait()

	record := handle.Record()
	require.Equal(t, StatusFailed, record.Status)
	require.NotNil(t, record.Error)
}

func TestCancelLongRunningTaskKillsProcessGroup(t *testing.T) {
	workspace := t.TempDir()
	mgr := NewManager(workspace, 0)
	sink := &fakeSink{}

	handle, err := mgr.Spawn(context.Background(), "bash", Args{Command: "sleep 30"}, sink)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return handle.Record().Status == StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	handle.Cancel("user requested cancellation")
	handle.Wait()

	record := handle.Record()
	require.Equal(t, StatusCancelled, record.Status)

	types := sink.types()
	require.Contains(t, types, "tool_task_cancel_requested")
	require.Contains(t, types, "tool_task_cancelled")
	require.Equal(t, "tool_task_status", types[len(types)-1])
}

func TestCancelAfterCompletionIsNoop(t *testing.T) {
	workspace := t.TempDir()
	mgr := NewManager(workspace, 0)
	sink := &fakeSink{}

	handle, err := mgr.Spawn(context.Background(), "bash", Args{Command: "true"}, sink)
	require.NoError(t, err)
	handle.Wait()

	require.NotPanics(t, func() { handle.Cancel("too late") })
	require.Equal(t, StatusExited, handle.Record().Status)
}

func TestManagerGetReturnsRegisteredHandle(t *testing.T) {
	workspace := t.TempDir()
	mgr := NewManager(workspace, 0)
	sink := &fakeSink{}

	handle, err := mgr.Spawn(context.Background(), "bash", Args{Command: "true"}, sink)
	require.NoError(t, err)
	handle.Wait()

	got, ok := mgr.Get(handle.TaskID)
	require.True(t, ok)
	require.Same(t, handle, got)

	_, ok = mgr.Get("does-not-exist")
	require.False(t, ok)
}
