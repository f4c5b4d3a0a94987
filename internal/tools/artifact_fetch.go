package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

type artifactFetchArgs struct {
	ID          string `json:"id"`
	OffsetBytes *int64 `json:"offset_bytes"`
	MaxBytes    *int   `json:"max_bytes"`
}

var sha256HexPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// NewArtifactFetchTool builds the "artifact_fetch" builtin: windowed reads
// over a content-addressed blob under
// <workspace>/.rip/artifacts/blobs/<id>.
func NewArtifactFetchTool(sandbox *Sandbox, config BuiltinToolConfig) ToolHandler {
	blobsDir := filepath.Join(sandbox.Root, ".rip", "artifacts", "blobs")
	return func(ctx context.Context, inv ToolInvocation) (ToolOutput, error) {
		args, errOut := parseArgs[artifactFetchArgs](inv.Args)
		if errOut != nil {
			return *errOut, nil
		}
		if !sha256HexPattern.MatchString(args.ID) {
			return invalidArgs("id must be a 64-char lowercase hex sha256"), nil
		}

		offset := int64(0)
		if args.OffsetBytes != nil {
			offset = *args.OffsetBytes
		}
		maxBytes := int(config.ArtifactMaxBytes)
		if args.MaxBytes != nil {
			maxBytes = *args.MaxBytes
		}

		path := filepath.Join(blobsDir, args.ID)
		info, err := os.Stat(path)
		if err != nil {
			return opFailure(fmt.Sprintf("artifact_fetch failed: %v", err)), nil
		}
		totalBytes := info.Size()

		file, err := os.Open(path)
		if err != nil {
			return opFailure(fmt.Sprintf("artifact_fetch failed: %v", err)), nil
		}
		defer file.Close()

		if offset > 0 {
			if _, err := file.Seek(offset, 0); err != nil {
				return opFailure(fmt.Sprintf("artifact_fetch failed: %v", err)), nil
			}
		}

		buf := make([]byte, maxBytes)
		n, err := file.Read(buf)
		if err != nil && n == 0 && err.Error() != "EOF" {
			return opFailure(fmt.Sprintf("artifact_fetch failed: %v", err)), nil
		}
		buf = buf[:n]

		content, utf8Truncated, used := truncateUTF8(buf, maxBytes)
		truncated := utf8Truncated || offset+int64(n) < totalBytes

		artifacts, _ := json.Marshal(map[string]any{
			"id":           args.ID,
			"path":         normalizeRelPath(sandbox.Root, path),
			"offset_bytes": offset,
			"bytes":        used,
			"total_bytes":  totalBytes,
			"truncated":    truncated,
		})

		return ToolOutput{Stdout: []string{content}, ExitCode: 0, Artifacts: artifacts}, nil
	}
}
