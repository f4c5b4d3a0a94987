package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

type bashArgs struct {
	Command   string            `json:"command"`
	CWD       string            `json:"cwd"`
	Env       map[string]string `json:"env"`
	TimeoutMs *int64            `json:"timeout_ms"`
}

// resolveShellProgram picks the shell binary: "bash" always runs through
// the literal bash binary; "shell" defers to $SHELL, falling back to
// /bin/sh when unset.
func resolveShellProgram(toolName string) string {
	if toolName == "bash" {
		return "bash"
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// NewBashTool builds the "bash"/"shell" builtins: runs a single command
// synchronously through the resolved shell program in a fresh POSIX
// process group, returning its stdout and stderr lines separately as
// ToolOutput. Both
// names acquire the workspace lock.
func NewBashTool(toolName string, sandbox *Sandbox) ToolHandler {
	return func(ctx context.Context, inv ToolInvocation) (ToolOutput, error) {
		args, errOut := parseArgs[bashArgs](inv.Args)
		if errOut != nil {
			return *errOut, nil
		}

		cwd := sandbox.Root
		if args.CWD != "" {
			resolved, err := sandbox.ResolvePath(args.CWD, true)
			if err != nil {
				return opFailure(err.Error()), nil
			}
			cwd = resolved
		}

		runCtx := ctx
		if args.TimeoutMs != nil && *args.TimeoutMs > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, time.Duration(*args.TimeoutMs)*time.Millisecond)
			defer cancel()
		}

		program := resolveShellProgram(toolName)
		cmd := exec.CommandContext(runCtx, program, "-c", args.Command)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.Dir = cwd
		if len(args.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range args.Env {
				cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
			}
		}

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		if runCtx.Err() == context.DeadlineExceeded {
			return ToolOutput{Stderr: []string{toolName + " timed out"}, ExitCode: 124}, nil
		}

		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				return opFailure(fmt.Sprintf("%s failed: %v", toolName, err)), nil
			}
		}

		artifacts, _ := json.Marshal(map[string]any{
			"program": program,
			"cwd":     normalizeRelPath(sandbox.Root, cwd),
		})

		return ToolOutput{
			Stdout:    linesOf(stdout.String()),
			Stderr:    linesOf(stderr.String()),
			ExitCode:  exitCode,
			Artifacts: artifacts,
		}, nil
	}
}

func linesOf(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
