package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
)

type readArgs struct {
	Path      string `json:"path"`
	StartLine *int   `json:"start_line"`
	EndLine   *int   `json:"end_line"`
	MaxBytes  *int   `json:"max_bytes"`
}

// NewReadTool builds the "read" builtin: line-windowed, byte-budgeted file
// reads with UTF-8 safe truncation.
func NewReadTool(sandbox *Sandbox, config BuiltinToolConfig) ToolHandler {
	return func(ctx context.Context, inv ToolInvocation) (ToolOutput, error) {
		args, errOut := parseArgs[readArgs](inv.Args)
		if errOut != nil {
			return *errOut, nil
		}
		if args.StartLine != nil && *args.StartLine == 0 {
			return invalidArgs("line numbers are 1-based"), nil
		}
		if args.EndLine != nil && *args.EndLine == 0 {
			return invalidArgs("line numbers are 1-based"), nil
		}
		if args.StartLine != nil && args.EndLine != nil && *args.StartLine > *args.EndLine {
			return invalidArgs("start_line must be <= end_line"), nil
		}

		resolved, err := sandbox.ResolvePath(args.Path, true)
		if err != nil {
			return opFailure(err.Error()), nil
		}

		file, err := os.Open(resolved)
		if err != nil {
			return opFailure(fmt.Sprintf("read failed: %v", err)), nil
		}
		defer file.Close()

		maxBytes := int(config.MaxBytes)
		if args.MaxBytes != nil {
			maxBytes = *args.MaxBytes
		}

		reader := bufio.NewReader(file)
		var output []byte
		lineNo := 0
		truncated := false

		for {
			line, readErr := reader.ReadBytes('\n')
			if len(line) > 0 {
				lineNo++
				if args.StartLine == nil || lineNo >= *args.StartLine {
					if args.EndLine != nil && lineNo > *args.EndLine {
						break
					}
					output = append(output, line...)
					if len(output) >= maxBytes {
						truncated = true
						break
					}
				} else if args.EndLine != nil && lineNo > *args.EndLine {
					break
				}
			}
			if readErr != nil {
				break
			}
		}

		content, _, used := truncateUTF8(output, maxBytes)

		artifacts, _ := json.Marshal(map[string]any{
			"path":       normalizeRelPath(sandbox.Root, resolved),
			"bytes":      used,
			"truncated":  truncated,
			"start_line": args.StartLine,
			"end_line":   args.EndLine,
		})

		return ToolOutput{Stdout: []string{content}, ExitCode: 0, Artifacts: artifacts}, nil
	}
}
