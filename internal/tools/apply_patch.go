package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rip-run/rip/internal/patch"
)

type applyPatchArgs struct {
	Patch string `json:"patch"`
}

// NewApplyPatchTool builds the "apply_patch" builtin: parses the patch
// format and applies it under the sandbox root.
// Parse failures are invalid-argument (exit 2); apply failures (context
// miss, missing file) are operational (exit 1).
func NewApplyPatchTool(sandbox *Sandbox) ToolHandler {
	return func(ctx context.Context, inv ToolInvocation) (ToolOutput, error) {
		args, errOut := parseArgs[applyPatchArgs](inv.Args)
		if errOut != nil {
			return *errOut, nil
		}

		parsed, err := patch.Parse(args.Patch)
		if err != nil {
			return invalidArgs(fmt.Sprintf("invalid patch: %v", err)), nil
		}

		for _, p := range parsed.AffectedPaths() {
			if _, err := sandbox.ResolvePath(p, false); err != nil {
				return opFailure(err.Error()), nil
			}
		}

		changed, err := patch.ApplyToWorkspace(sandbox.Root, parsed)
		if err != nil {
			if _, ok := err.(*patch.ApplyError); ok {
				return opFailure(fmt.Sprintf("apply_patch failed: %v", err)), nil
			}
			return opFailure(fmt.Sprintf("apply_patch failed: %v", err)), nil
		}

		artifacts, _ := json.Marshal(map[string]any{"changed_files": changed})
		return ToolOutput{
			Stdout:    []string{fmt.Sprintf("patched %d file(s)", len(changed))},
			ExitCode:  0,
			Artifacts: artifacts,
		}, nil
	}
}
