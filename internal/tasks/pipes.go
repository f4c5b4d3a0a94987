package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/rip-run/rip/internal/kernel"
)

// resolveShellProgram mirrors tools.resolveShellProgram (kept independent
// to avoid an import cycle between internal/tools and internal/tasks): only
// the literal "bash" is special-cased, everything else falls back to $SHELL
// or /bin/sh.
func resolveShellProgram(toolName string) string {
	if toolName == "bash" {
		return "bash"
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func resolveCWD(workspaceRoot, rel string) (string, error) {
	if rel == "" {
		return workspaceRoot, nil
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path escapes workspace root: %s", rel)
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".." {
			return "", fmt.Errorf("path escapes workspace root: %s", rel)
		}
	}
	return filepath.Join(workspaceRoot, rel), nil
}

// Spawn starts toolName ("bash" or "shell") as a long-running background
// task under the manager, wires up stdout/stderr log artifacts, and
// returns immediately with a handle while the task runs in its own
// goroutines. sink is the event emitter for the owning session's stream.
func (m *Manager) Spawn(ctx context.Context, toolName string, args Args, sink EventSink) (*Handle, error) {
	taskID := newTaskID()
	handle := newHandle(taskID)
	m.register(handle)

	cwd, err := resolveCWD(m.WorkspaceRoot, args.CWD)
	if err != nil {
		failTask(handle, sink, err.Error())
		close(handle.doneCh)
		return handle, nil
	}

	stdoutWriter, err := NewLogWriter(m.WorkspaceRoot, taskID, "stdout", m.ArtifactMaxBytes)
	if err != nil {
		failTask(handle, sink, err.Error())
		close(handle.doneCh)
		return handle, nil
	}
	stderrWriter, err := NewLogWriter(m.WorkspaceRoot, taskID, "stderr", m.ArtifactMaxBytes)
	if err != nil {
		failTask(handle, sink, err.Error())
		close(handle.doneCh)
		return handle, nil
	}

	program := resolveShellProgram(toolName)
	cmd := exec.Command(program, "-c", args.Command)
	cmd.Dir = cwd
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if len(args.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range args.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		failTask(handle, sink, fmt.Sprintf("spawn failed: %v", err))
		close(handle.doneCh)
		return handle, nil
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		failTask(handle, sink, fmt.Sprintf("spawn failed: %v", err))
		close(handle.doneCh)
		return handle, nil
	}

	spawnTimeMs := nowMs()
	if err := cmd.Start(); err != nil {
		failTask(handle, sink, fmt.Sprintf("spawn failed: %v", err))
		close(handle.doneCh)
		return handle, nil
	}

	handle.setRecord(func(r *Record) {
		r.Status = StatusRunning
		r.StartedAtMs = &spawnTimeMs
	})
	sink.Emit(&kernel.ToolTaskStatus{
		TaskID:      taskID,
		Status:      string(StatusRunning),
		StartedAtMs: &spawnTimeMs,
	})

	go m.runPipesTask(cmd, stdoutPipe, stderrPipe, stdoutWriter, stderrWriter, handle, sink, spawnTimeMs)

	return handle, nil
}

// runPipesTask pumps stdout/stderr concurrently, races the child's exit
// against cancellation, kills the process group on cancel, and emits the
// terminal status transitions.
func (m *Manager) runPipesTask(cmd *exec.Cmd, stdoutPipe, stderrPipe interface {
	Read([]byte) (int, error)
}, stdoutWriter, stderrWriter *LogWriter, handle *Handle, sink EventSink, spawnTimeMs int64) {
	defer close(handle.doneCh)

	var g errgroup.Group
	var stdoutSummary, stderrSummary Summary
	g.Go(func() error {
		pumpOutputStream(stdoutPipe, "stdout", handle.TaskID, sink, stdoutWriter, m.OutputMaxBytes)
		stdoutSummary = stdoutWriter.Finish()
		return nil
	})
	g.Go(func() error {
		pumpOutputStream(stderrPipe, "stderr", handle.TaskID, sink, stderrWriter, m.OutputMaxBytes)
		stderrSummary = stderrWriter.Finish()
		return nil
	})

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var cancelReason string
	var waitErr error
	select {
	case waitErr = <-waitDone:
	case reason := <-handle.cancelCh:
		cancelReason = reason
		sink.Emit(&kernel.ToolTaskCancelRequested{TaskID: handle.TaskID, Reason: reason})
		killProcessGroup(cmd.Process)
		waitErr = <-waitDone
	}

	_ = g.Wait()

	endedAtMs := nowMs()
	var status Status
	var exitCode *int
	var errMsg *string
	switch {
	case cancelReason != "":
		status = StatusCancelled
		exitCode = intPtr(1)
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			if code := exitErr.ExitCode(); code >= 0 {
				exitCode = &code
			}
		} else if waitErr == nil {
			exitCode = intPtr(0)
		}
	case waitErr == nil:
		status = StatusExited
		exitCode = intPtr(0)
	default:
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			status = StatusExited
			code := exitErr.ExitCode()
			exitCode = &code
		} else {
			status = StatusFailed
			msg := fmt.Sprintf("wait failed: %v", waitErr)
			errMsg = &msg
		}
	}

	artifacts, _ := json.Marshal(map[string]any{
		"logs": map[string]any{
			"stdout": stdoutSummary,
			"stderr": stderrSummary,
		},
	})

	if cancelReason != "" {
		sink.Emit(&kernel.ToolTaskCancelled{
			TaskID:     handle.TaskID,
			Reason:     cancelReason,
			WallTimeMs: endedAtMs - spawnTimeMs,
		})
	}

	handle.setRecord(func(r *Record) {
		r.Status = status
		r.ExitCode = exitCode
		r.EndedAtMs = &endedAtMs
		r.Artifacts = artifacts
		r.Error = errMsg
	})

	sink.Emit(&kernel.ToolTaskStatus{
		TaskID:      handle.TaskID,
		Status:      string(status),
		ExitCode:    exitCode,
		StartedAtMs: &spawnTimeMs,
		EndedAtMs:   &endedAtMs,
		Artifacts:   artifacts,
		Error:       errMsg,
	})
}

// pumpOutputStream reads stream in 8 KiB chunks, appending every byte to
// the log writer and emitting a
// UTF-8-safe preview of each chunk bounded by maxPreviewBytes.
func pumpOutputStream(stream interface{ Read([]byte) (int, error) }, streamName, taskID string, sink EventSink, writer *LogWriter, maxPreviewBytes int) {
	buf := make([]byte, 8192)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			writeErr := writer.Append(chunk)

			var artifacts json.RawMessage
			if writeErr == nil {
				logEntry := map[string]any{"bytes": n}
				artifacts, _ = json.Marshal(map[string]any{"log": logEntry})
			}

			preview, _ := truncateUTF8(chunk, maxPreviewBytes)
			if preview != "" {
				sink.Emit(&kernel.ToolTaskOutputDelta{
					TaskID:    taskID,
					Stream:    streamName,
					Chunk:     preview,
					Artifacts: artifacts,
				})
			}
		}
		if err != nil {
			return
		}
	}
}

// truncateUTF8 trims data to at most maxBytes on a valid rune boundary.
func truncateUTF8(data []byte, maxBytes int) (string, bool) {
	if maxBytes <= 0 || len(data) <= maxBytes {
		return string(data), false
	}
	cut := maxBytes
	for cut > 0 && !isRuneStart(data[cut]) {
		cut--
	}
	return string(data[:cut]), true
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// killProcessGroup sends SIGKILL to the negative pid, taking down the
// whole POSIX process group.
func killProcessGroup(proc *os.Process) {
	if proc == nil {
		return
	}
	_ = syscall.Kill(-proc.Pid, syscall.SIGKILL)
}
