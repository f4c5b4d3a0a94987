package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type writeArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Append  *bool  `json:"append"`
	Create  *bool  `json:"create"`
	Atomic  *bool  `json:"atomic"`
}

// NewWriteTool builds the "write" builtin: create/append/atomic file
// writes, always inside the sandbox.
func NewWriteTool(sandbox *Sandbox) ToolHandler {
	return func(ctx context.Context, inv ToolInvocation) (ToolOutput, error) {
		args, errOut := parseArgs[writeArgs](inv.Args)
		if errOut != nil {
			return *errOut, nil
		}

		resolved, err := sandbox.ResolvePath(args.Path, false)
		if err != nil {
			return opFailure(err.Error()), nil
		}

		create := args.Create == nil || *args.Create
		appendMode := args.Append != nil && *args.Append
		atomic := args.Atomic == nil || *args.Atomic

		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return opFailure(fmt.Sprintf("write failed: %v", err)), nil
		}

		var bytesWritten int
		switch {
		case appendMode:
			flags := os.O_WRONLY | os.O_APPEND
			if create {
				flags |= os.O_CREATE
			}
			file, err := os.OpenFile(resolved, flags, 0o644)
			if err != nil {
				return opFailure(fmt.Sprintf("write failed: %v", err)), nil
			}
			defer file.Close()
			if _, err := file.WriteString(args.Content); err != nil {
				return opFailure(fmt.Sprintf("write failed: %v", err)), nil
			}
			bytesWritten = len(args.Content)

		case atomic:
			tmp, err := os.CreateTemp(filepath.Dir(resolved), fmt.Sprintf(".%s.tmp-*", filepath.Base(resolved)))
			if err != nil {
				return opFailure(fmt.Sprintf("write failed: %v", err)), nil
			}
			tmpPath := tmp.Name()
			if _, err := tmp.WriteString(args.Content); err != nil {
				tmp.Close()
				os.Remove(tmpPath)
				return opFailure(fmt.Sprintf("write failed: %v", err)), nil
			}
			if err := tmp.Close(); err != nil {
				os.Remove(tmpPath)
				return opFailure(fmt.Sprintf("write failed: %v", err)), nil
			}
			if err := os.Rename(tmpPath, resolved); err != nil {
				os.Remove(tmpPath)
				return opFailure(fmt.Sprintf("write failed: %v", err)), nil
			}
			bytesWritten = len(args.Content)

		default:
			if err := os.WriteFile(resolved, []byte(args.Content), 0o644); err != nil {
				return opFailure(fmt.Sprintf("write failed: %v", err)), nil
			}
			bytesWritten = len(args.Content)
		}

		artifacts, _ := json.Marshal(map[string]any{
			"path":          normalizeRelPath(sandbox.Root, resolved),
			"bytes_written": bytesWritten,
		})

		return ToolOutput{
			Stdout:    []string{fmt.Sprintf("wrote %d bytes", bytesWritten)},
			ExitCode:  0,
			Artifacts: artifacts,
		}, nil
	}
}
