package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rip-run/rip/internal/broadcast"
	"github.com/rip-run/rip/internal/eventlog"
	"github.com/rip-run/rip/internal/kernel"
	"github.com/rip-run/rip/internal/tasks"
	"github.com/rip-run/rip/internal/testutil"
	"github.com/rip-run/rip/internal/tools"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	sess      *Session
	workspace string
	dataDir   string
	snapDir   string
}

// newFixture wires a Session over a temp workspace and data dir. withHook
// installs the real workspace checkpoint hook; without it, auto-checkpointing
// is skipped (the core default for an absent hook).
func newFixture(t *testing.T, withHook bool) *fixture {
	t.Helper()
	workspace := t.TempDir()
	dataDir := t.TempDir()

	log, err := eventlog.Open(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	registry := tools.NewToolRegistry()
	tools.RegisterBuiltinTools(registry, tools.DefaultBuiltinToolConfig(workspace))

	var hook tools.CheckpointHook
	if withHook {
		hook = tools.NewWorkspaceCheckpointHook(workspace)
	}

	snapDir := filepath.Join(dataDir, "snapshots")
	sess := &Session{
		Runtime:     kernel.NewRuntime(),
		ToolRunner:  tools.NewRunner(registry, hook, 4, nil),
		Commands:    kernel.NewCommandRegistry(),
		Hub:         broadcast.NewHub(),
		Store:       broadcast.NewFrameStore(1024),
		EventLog:    log,
		SnapshotDir: snapDir,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return &fixture{sess: sess, workspace: workspace, dataDir: dataDir, snapDir: snapDir}
}

func frameTypes(frames []*kernel.Frame) []string {
	types := make([]string, len(frames))
	for i, f := range frames {
		types[i] = f.Kind.Type()
	}
	return types
}

func requireContiguousSeqs(t *testing.T, frames []*kernel.Frame) {
	t.Helper()
	for i, f := range frames {
		require.EqualValues(t, i, f.Seq, "frame %d (%s)", i, f.Kind.Type())
	}
}

func TestPromptProducesAckFrames(t *testing.T) {
	fix := newFixture(t, false)

	sessionID := fix.sess.Run(context.Background(), "hello")

	frames := fix.sess.Store.All()
	require.Equal(t, []string{"session_started", "output_text_delta", "session_ended"}, frameTypes(frames))
	requireContiguousSeqs(t, frames)

	started := frames[0].Kind.(*kernel.SessionStarted)
	require.Equal(t, "hello", started.Input)
	delta := frames[1].Kind.(*kernel.OutputTextDelta)
	require.Equal(t, "ack: hello", delta.Delta)
	ended := frames[2].Kind.(*kernel.SessionEnded)
	require.Equal(t, "completed", ended.Reason)

	for _, f := range frames {
		require.Equal(t, sessionID, f.SessionID)
		require.NotEmpty(t, f.ID)
	}
}

func TestToolCommandRunsBuiltinWithAutoCheckpoint(t *testing.T) {
	fix := newFixture(t, true)

	input := `{"tool":"write","args":{"path":"note.txt","content":"hi"}}`
	sessionID := fix.sess.Run(context.Background(), input)

	frames := fix.sess.Store.All()
	require.Equal(t, []string{
		"session_started",
		"checkpoint_created",
		"tool_started",
		"tool_stdout",
		"tool_ended",
		"output_text_delta",
		"session_ended",
	}, frameTypes(frames))
	requireContiguousSeqs(t, frames)

	created := frames[1].Kind.(*kernel.CheckpointCreated)
	require.True(t, created.Auto)
	require.Equal(t, "auto:write", created.Label)
	require.Equal(t, "write", created.ToolName)

	started := frames[2].Kind.(*kernel.ToolStarted)
	require.Equal(t, "write", started.Name)

	stdout := frames[3].Kind.(*kernel.ToolStdout)
	require.Contains(t, stdout.Chunk, "wrote 2 bytes")

	endedTool := frames[4].Kind.(*kernel.ToolEnded)
	require.Equal(t, 0, endedTool.ExitCode)

	require.Equal(t, "hi", testutil.ReadFile(t, fix.workspace, "note.txt"))

	// Every emitted frame is durably appended in seq order.
	logged, err := eventlog.LoadEvents(fix.dataDir, sessionID)
	require.NoError(t, err)
	require.Equal(t, frameTypes(frames), frameTypes(logged))
	requireContiguousSeqs(t, logged)
}

func TestCheckpointCommandCreatesAndFailsRewindOnUnknownID(t *testing.T) {
	fix := newFixture(t, true)
	testutil.WriteTree(t, fix.workspace, map[string]string{"note.txt": "original"})

	fix.sess.Run(context.Background(), `{"checkpoint":{"action":"create","label":"before-edit","files":["note.txt"]}}`)

	frames := fix.sess.Store.All()
	require.Equal(t, []string{
		"session_started",
		"checkpoint_created",
		"output_text_delta",
		"session_ended",
	}, frameTypes(frames))

	created := frames[1].Kind.(*kernel.CheckpointCreated)
	require.False(t, created.Auto)
	require.Equal(t, "before-edit", created.Label)
	require.NotEmpty(t, created.CheckpointID)

	fix2 := newFixture(t, true)
	fix2.sess.Run(context.Background(), `{"checkpoint":{"action":"rewind","id":"no-such-checkpoint"}}`)
	frames2 := fix2.sess.Store.All()
	require.Equal(t, []string{
		"session_started",
		"checkpoint_failed",
		"output_text_delta",
		"session_ended",
	}, frameTypes(frames2))
	failed := frames2[1].Kind.(*kernel.CheckpointFailed)
	require.Equal(t, "rewind", failed.Action)
}

func TestCheckpointCommandWithoutHookFails(t *testing.T) {
	fix := newFixture(t, false)

	fix.sess.Run(context.Background(), `{"checkpoint":{"action":"create","label":"x"}}`)

	frames := fix.sess.Store.All()
	require.Equal(t, "checkpoint_failed", frames[1].Kind.Type())
	failed := frames[1].Kind.(*kernel.CheckpointFailed)
	require.Equal(t, "create", failed.Action)
}

func TestCommandRouteEmitsResultDelta(t *testing.T) {
	fix := newFixture(t, false)
	fix.sess.Commands.Register(kernel.Command{
		Name: "echo",
		Handler: func(ctx kernel.CommandContext) (string, error) {
			return ctx.Args, nil
		},
	})

	fix.sess.Run(context.Background(), "/echo one two")

	frames := fix.sess.Store.All()
	require.Equal(t, []string{
		"session_started",
		"output_text_delta",
		"output_text_delta",
		"session_ended",
	}, frameTypes(frames))
	require.Equal(t, "one two", frames[1].Kind.(*kernel.OutputTextDelta).Delta)
}

func TestCommandRouteSurfacesErrors(t *testing.T) {
	fix := newFixture(t, false)
	fix.sess.Commands.Register(kernel.Command{
		Name: "boom",
		Handler: func(ctx kernel.CommandContext) (string, error) {
			return "", fmt.Errorf("nope")
		},
	})

	fix.sess.Run(context.Background(), "/boom")

	frames := fix.sess.Store.All()
	require.Contains(t, frames[1].Kind.(*kernel.OutputTextDelta).Delta, "command error")
}

func TestSnapshotWrittenAfterRun(t *testing.T) {
	fix := newFixture(t, false)

	sessionID := fix.sess.Run(context.Background(), "hello")

	snapshot, err := eventlog.ReadSnapshot(fix.snapDir, sessionID)
	require.NoError(t, err)
	require.Equal(t, frameTypes(fix.sess.Store.All()), frameTypes(snapshot))
}

func TestSubscriberReceivesFramesInSeqOrder(t *testing.T) {
	fix := newFixture(t, false)
	sub := fix.sess.Hub.Subscribe()
	defer sub.Close()

	fix.sess.Run(context.Background(), "hello")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var last *kernel.Frame
	for i := 0; i < 3; i++ {
		frame, lag, err := sub.Recv(ctx)
		require.NoError(t, err)
		require.Zero(t, lag)
		if last != nil {
			require.Greater(t, frame.Seq, last.Seq)
		}
		last = frame
	}
	require.Equal(t, "session_ended", last.Kind.Type())
}

func TestSessionStartHookAbortEndsSessionEarly(t *testing.T) {
	fix := newFixture(t, false)
	fix.sess.Hooks = kernel.NewHookEngine()
	fix.sess.Hooks.Register(kernel.Hook{
		Name:  "deny-all",
		Event: kernel.HookEventSessionStart,
		Handler: func(ctx kernel.HookContext) kernel.HookOutcome {
			return kernel.Abort("maintenance window")
		},
	})

	fix.sess.Run(context.Background(), "hello")

	frames := fix.sess.Store.All()
	require.Equal(t, []string{"session_started", "session_ended"}, frameTypes(frames))
	require.Equal(t, "aborted: maintenance window", frames[1].Kind.(*kernel.SessionEnded).Reason)
}

func TestBeforeToolHookAbortSkipsToolRun(t *testing.T) {
	fix := newFixture(t, false)
	fix.sess.Hooks = kernel.NewHookEngine()
	fix.sess.Hooks.Register(kernel.Hook{
		Name:  "no-writes",
		Event: kernel.HookEventBeforeTool,
		Handler: func(ctx kernel.HookContext) kernel.HookOutcome {
			if ctx.ToolName == "write" {
				return kernel.Abort("writes disabled")
			}
			return kernel.Continue()
		},
	})

	fix.sess.Run(context.Background(), `{"tool":"write","args":{"path":"note.txt","content":"hi"}}`)

	frames := fix.sess.Store.All()
	require.Equal(t, []string{
		"session_started",
		"output_text_delta",
		"output_text_delta",
		"session_ended",
	}, frameTypes(frames))
	require.Equal(t, "tool blocked: writes disabled", frames[1].Kind.(*kernel.OutputTextDelta).Delta)
	require.NoFileExists(t, filepath.Join(fix.workspace, "note.txt"))
}

func TestBackgroundTaskSpawnAndCancelThroughInput(t *testing.T) {
	fix := newFixture(t, false)
	fix.sess.Tasks = tasks.NewManager(fix.workspace, 0)
	fix.sess.Mu = &sync.Mutex{}

	sub := fix.sess.Hub.Subscribe()
	defer sub.Close()

	fix.sess.Run(context.Background(), `{"tool":"bash","args":{"command":"echo hello_from_task; sleep 10"},"background":true}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var taskID string
	sawOutput := false
	for taskID == "" || !sawOutput {
		frame, _, err := sub.Recv(ctx)
		require.NoError(t, err)
		switch k := frame.Kind.(type) {
		case *kernel.ToolTaskStatus:
			if k.Status == "running" {
				taskID = k.TaskID
			}
		case *kernel.ToolTaskOutputDelta:
			if strings.Contains(k.Chunk, "hello_from_task") {
				require.Equal(t, "stdout", k.Stream)
				sawOutput = true
			}
		}
	}

	fix.sess.Run(context.Background(), fmt.Sprintf(`{"task":{"action":"cancel","id":%q,"reason":"test"}}`, taskID))

	sawCancelRequested, sawCancelled, sawStatus := false, false, false
	for !sawStatus {
		frame, _, err := sub.Recv(ctx)
		require.NoError(t, err)
		switch k := frame.Kind.(type) {
		case *kernel.ToolTaskCancelRequested:
			require.Equal(t, "test", k.Reason)
			sawCancelRequested = true
		case *kernel.ToolTaskCancelled:
			require.Equal(t, "test", k.Reason)
			sawCancelled = true
		case *kernel.ToolTaskStatus:
			if k.Status == "cancelled" {
				sawStatus = true
			}
		}
	}
	require.True(t, sawCancelRequested)
	require.True(t, sawCancelled)

	handle, ok := fix.sess.Tasks.Get(taskID)
	require.True(t, ok)
	handle.Wait()
	require.Equal(t, tasks.StatusCancelled, handle.Record().Status)
}

func TestBackgroundSpawnRefusesNonShellTools(t *testing.T) {
	fix := newFixture(t, false)
	fix.sess.Tasks = tasks.NewManager(fix.workspace, 0)

	fix.sess.Run(context.Background(), `{"tool":"write","args":{"path":"a.txt","content":"x"},"background":true}`)

	frames := fix.sess.Store.All()
	require.Equal(t, []string{
		"session_started",
		"output_text_delta",
		"output_text_delta",
		"session_ended",
	}, frameTypes(frames))
	require.Contains(t, frames[1].Kind.(*kernel.OutputTextDelta).Delta, "cannot run in the background")
}

func TestTaskCancelUnknownIDReportsNotFound(t *testing.T) {
	fix := newFixture(t, false)
	fix.sess.Tasks = tasks.NewManager(fix.workspace, 0)

	fix.sess.Run(context.Background(), `{"task":{"action":"cancel","id":"nope"}}`)

	frames := fix.sess.Store.All()
	require.Contains(t, frames[1].Kind.(*kernel.OutputTextDelta).Delta, "task not found")
}

func TestObserverSeesEveryEmittedFrame(t *testing.T) {
	fix := newFixture(t, false)
	var seen []string
	fix.sess.Observer = func(frame *kernel.Frame) {
		seen = append(seen, frame.Kind.Type())
	}

	fix.sess.Run(context.Background(), "hello")

	require.Equal(t, frameTypes(fix.sess.Store.All()), seen)
}

func TestParseActionClassifiesInput(t *testing.T) {
	cases := []struct {
		input string
		want  actionKind
	}{
		{`{"tool":"write","args":{"path":"a.txt","content":"x"}}`, actionTool},
		{`{"tool":"bash","args":{"command":"sleep 5"},"background":true}`, actionTool},
		{`{"task":{"action":"cancel","id":"t-1","reason":"r"}}`, actionTask},
		{`{"checkpoint":{"action":"create","label":"l"}}`, actionCheckpoint},
		{`  {"checkpoint":{"action":"rewind","id":"cp-1"}}`, actionCheckpoint},
		{"/status now", actionCommand},
		{"hello there", actionPrompt},
		{"{not json at all", actionPrompt},
		{`{"neither":"tool nor checkpoint"}`, actionPrompt},
	}
	for _, tc := range cases {
		got := parseAction(tc.input)
		require.Equal(t, tc.want, got.kind, "input %q", tc.input)
	}

	cmd := parseAction("/echo one two")
	require.Equal(t, "echo", cmd.cmdName)
	require.Equal(t, "one two", cmd.cmdArgs)
}
