package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rip-run/rip/internal/testutil"
	"github.com/stretchr/testify/require"
)

func newBuiltinFixture(t *testing.T) (*ToolRegistry, string) {
	t.Helper()
	root := t.TempDir()
	registry := NewToolRegistry()
	RegisterBuiltinTools(registry, DefaultBuiltinToolConfig(root))
	return registry, root
}

func invokeTool(t *testing.T, registry *ToolRegistry, name string, args map[string]any) ToolOutput {
	t.Helper()
	handler, ok := registry.Lookup(name)
	require.True(t, ok, "tool %s not registered", name)
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	out, err := handler(context.Background(), ToolInvocation{Name: name, Args: raw})
	require.NoError(t, err)
	return out
}

func decodeArtifacts(t *testing.T, out ToolOutput) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(out.Artifacts, &payload))
	return payload
}

func TestReadWindowsLines(t *testing.T) {
	registry, root := newBuiltinFixture(t)
	testutil.WriteTree(t, root, map[string]string{"poem.txt": "one\ntwo\nthree\nfour\n"})

	out := invokeTool(t, registry, "read", map[string]any{"path": "poem.txt", "start_line": 2, "end_line": 3})
	require.Equal(t, 0, out.ExitCode)
	require.Equal(t, []string{"two\nthree\n"}, out.Stdout)

	artifacts := decodeArtifacts(t, out)
	require.Equal(t, false, artifacts["truncated"])
}

func TestReadRejectsBadLineRanges(t *testing.T) {
	registry, root := newBuiltinFixture(t)
	testutil.WriteTree(t, root, map[string]string{"poem.txt": "one\n"})

	for _, args := range []map[string]any{
		{"path": "poem.txt", "start_line": 0},
		{"path": "poem.txt", "end_line": 0},
		{"path": "poem.txt", "start_line": 3, "end_line": 2},
	} {
		out := invokeTool(t, registry, "read", args)
		require.Equal(t, 2, out.ExitCode, "args %v", args)
	}
}

func TestReadTruncatesAtByteBudget(t *testing.T) {
	registry, root := newBuiltinFixture(t)
	testutil.WriteTree(t, root, map[string]string{"big.txt": strings.Repeat("x", 100) + "\n"})

	out := invokeTool(t, registry, "read", map[string]any{"path": "big.txt", "max_bytes": 10})
	require.Equal(t, 0, out.ExitCode)
	require.Equal(t, []string{strings.Repeat("x", 10)}, out.Stdout)
	require.Equal(t, true, decodeArtifacts(t, out)["truncated"])
}

func TestReadMissingFileIsOperationalFailure(t *testing.T) {
	registry, _ := newBuiltinFixture(t)
	out := invokeTool(t, registry, "read", map[string]any{"path": "nope.txt"})
	require.Equal(t, 1, out.ExitCode)
}

func TestWriteCreatesParentDirsAndReportsBytes(t *testing.T) {
	registry, root := newBuiltinFixture(t)

	out := invokeTool(t, registry, "write", map[string]any{"path": "notes/note.txt", "content": "hi"})
	require.Equal(t, 0, out.ExitCode)
	require.Equal(t, []string{"wrote 2 bytes"}, out.Stdout)
	require.Equal(t, "hi", testutil.ReadFile(t, root, "notes/note.txt"))
	require.Empty(t, testutil.TempFiles(t, root))
}

func TestWriteAppendMode(t *testing.T) {
	registry, root := newBuiltinFixture(t)
	testutil.WriteTree(t, root, map[string]string{"log.txt": "a"})

	out := invokeTool(t, registry, "write", map[string]any{"path": "log.txt", "content": "b", "append": true})
	require.Equal(t, 0, out.ExitCode)
	require.Equal(t, "ab", testutil.ReadFile(t, root, "log.txt"))
}

func TestBuiltinsRejectEscapingPaths(t *testing.T) {
	registry, root := newBuiltinFixture(t)

	cases := []struct {
		tool string
		args map[string]any
	}{
		{"read", map[string]any{"path": "../outside.txt"}},
		{"read", map[string]any{"path": "/etc/passwd"}},
		{"write", map[string]any{"path": "../outside.txt", "content": "x"}},
		{"ls", map[string]any{"path": "../"}},
		{"grep", map[string]any{"pattern": "x", "path": "../"}},
	}
	for _, tc := range cases {
		out := invokeTool(t, registry, tc.tool, tc.args)
		require.Equal(t, 1, out.ExitCode, "%s %v", tc.tool, tc.args)
		require.NotEmpty(t, out.Stderr)
		require.Contains(t, out.Stderr[0], "path escapes workspace root")
	}

	entries, err := os.ReadDir(filepath.Dir(root))
	require.NoError(t, err)
	for _, e := range entries {
		require.NotEqual(t, "outside.txt", e.Name())
	}
}

func TestLsRecursiveWithGlobsAndHidden(t *testing.T) {
	registry, root := newBuiltinFixture(t)
	testutil.WriteTree(t, root, map[string]string{
		"a.txt":       "a",
		"sub/b.txt":   "b",
		".hidden/c":   "c",
		"sub/skip.md": "m",
	})

	out := invokeTool(t, registry, "ls", map[string]any{"recursive": true, "include": []string{"**.txt"}})
	require.Equal(t, 0, out.ExitCode)
	require.ElementsMatch(t, []string{"a.txt", "sub/b.txt"}, out.Stdout)

	out = invokeTool(t, registry, "ls", map[string]any{})
	require.ElementsMatch(t, []string{"a.txt", "sub"}, out.Stdout)
}

func TestGrepMatchesAcrossFilesWithGlobalCap(t *testing.T) {
	registry, root := newBuiltinFixture(t)
	testutil.WriteTree(t, root, map[string]string{
		"one.txt": "alpha\nbeta\n",
		"two.txt": "gamma\nalpha again\n",
	})

	out := invokeTool(t, registry, "grep", map[string]any{"pattern": "alpha"})
	require.Equal(t, 0, out.ExitCode)
	require.ElementsMatch(t, []string{"one.txt:1:alpha", "two.txt:2:alpha again"}, out.Stdout)

	out = invokeTool(t, registry, "grep", map[string]any{"pattern": "alpha", "max_results": 1})
	require.Len(t, out.Stdout, 1)
}

func TestGrepSkipsBinaryFiles(t *testing.T) {
	registry, root := newBuiltinFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin.dat"), []byte("alpha\x00beta\n"), 0o644))
	testutil.WriteTree(t, root, map[string]string{"text.txt": "alpha\n"})

	out := invokeTool(t, registry, "grep", map[string]any{"pattern": "alpha"})
	require.Equal(t, []string{"text.txt:1:alpha"}, out.Stdout)
}

func TestGrepLiteralModeEscapesPattern(t *testing.T) {
	registry, root := newBuiltinFixture(t)
	testutil.WriteTree(t, root, map[string]string{"f.txt": "abc\na.c\n"})

	out := invokeTool(t, registry, "grep", map[string]any{"pattern": "a.c", "regex": false})
	require.Equal(t, []string{"f.txt:2:a.c"}, out.Stdout)
}

func TestGrepCaseInsensitive(t *testing.T) {
	registry, root := newBuiltinFixture(t)
	testutil.WriteTree(t, root, map[string]string{"f.txt": "Alpha\n"})

	out := invokeTool(t, registry, "grep", map[string]any{"pattern": "ALPHA", "case_sensitive": false})
	require.Equal(t, []string{"f.txt:1:Alpha"}, out.Stdout)
}

func TestGrepInvalidRegexIsInvalidArgument(t *testing.T) {
	registry, _ := newBuiltinFixture(t)
	out := invokeTool(t, registry, "grep", map[string]any{"pattern": "["})
	require.Equal(t, 2, out.ExitCode)
}

const patchForward = `*** Begin Patch
*** Update File: note.txt
@@
-one
+ONE
 two
*** End Patch`

const patchInverse = `*** Begin Patch
*** Update File: note.txt
@@
-ONE
+one
 two
*** End Patch`

func TestApplyPatchRoundTrip(t *testing.T) {
	registry, root := newBuiltinFixture(t)
	testutil.WriteTree(t, root, map[string]string{"note.txt": "one\ntwo\n"})

	out := invokeTool(t, registry, "apply_patch", map[string]any{"patch": patchForward})
	require.Equal(t, 0, out.ExitCode)
	require.Equal(t, "ONE\ntwo\n", testutil.ReadFile(t, root, "note.txt"))

	out = invokeTool(t, registry, "apply_patch", map[string]any{"patch": patchInverse})
	require.Equal(t, 0, out.ExitCode)
	require.Equal(t, "one\ntwo\n", testutil.ReadFile(t, root, "note.txt"))

	out = invokeTool(t, registry, "apply_patch", map[string]any{"patch": patchForward})
	require.Equal(t, 0, out.ExitCode)
	require.Equal(t, "ONE\ntwo\n", testutil.ReadFile(t, root, "note.txt"))

	require.Empty(t, testutil.TempFiles(t, root))
}

func TestApplyPatchMissingContextIsOperationalFailure(t *testing.T) {
	registry, root := newBuiltinFixture(t)
	testutil.WriteTree(t, root, map[string]string{"note.txt": "something else\n"})

	out := invokeTool(t, registry, "apply_patch", map[string]any{"patch": patchForward})
	require.Equal(t, 1, out.ExitCode)
	require.Contains(t, out.Stderr[0], "does not apply")
	require.Equal(t, "something else\n", testutil.ReadFile(t, root, "note.txt"))
}

func TestApplyPatchParseErrorIsInvalidArgument(t *testing.T) {
	registry, _ := newBuiltinFixture(t)
	out := invokeTool(t, registry, "apply_patch", map[string]any{"patch": "not a patch"})
	require.Equal(t, 2, out.ExitCode)
}

func TestApplyPatchRejectsEscapingPaths(t *testing.T) {
	registry, _ := newBuiltinFixture(t)
	out := invokeTool(t, registry, "apply_patch", map[string]any{
		"patch": "*** Begin Patch\n*** Add File: ../evil.txt\n+boom\n*** End Patch",
	})
	require.Equal(t, 2, out.ExitCode)
}

func TestArtifactFetchWindowsBlob(t *testing.T) {
	registry, root := newBuiltinFixture(t)
	id := strings.Repeat("a", 64)
	blobs := filepath.Join(root, ".rip", "artifacts", "blobs")
	require.NoError(t, os.MkdirAll(blobs, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(blobs, id), []byte("hello world"), 0o644))

	out := invokeTool(t, registry, "artifact_fetch", map[string]any{"id": id, "offset_bytes": 6})
	require.Equal(t, 0, out.ExitCode)
	require.Equal(t, []string{"world"}, out.Stdout)
	require.Equal(t, false, decodeArtifacts(t, out)["truncated"])

	out = invokeTool(t, registry, "artifact_fetch", map[string]any{"id": id, "max_bytes": 5})
	require.Equal(t, []string{"hello"}, out.Stdout)
	require.Equal(t, true, decodeArtifacts(t, out)["truncated"])
}

func TestArtifactFetchValidatesID(t *testing.T) {
	registry, _ := newBuiltinFixture(t)

	out := invokeTool(t, registry, "artifact_fetch", map[string]any{"id": "not-hex"})
	require.Equal(t, 2, out.ExitCode)

	out = invokeTool(t, registry, "artifact_fetch", map[string]any{"id": strings.Repeat("b", 64)})
	require.Equal(t, 1, out.ExitCode)
}

func TestBashRunsCommandInWorkspace(t *testing.T) {
	registry, _ := newBuiltinFixture(t)

	out := invokeTool(t, registry, "bash", map[string]any{"command": "printf hi; pwd >/dev/null"})
	require.Equal(t, 0, out.ExitCode)
	require.Equal(t, []string{"hi"}, out.Stdout)
}

func TestBashPropagatesExitCode(t *testing.T) {
	registry, _ := newBuiltinFixture(t)
	out := invokeTool(t, registry, "bash", map[string]any{"command": "exit 3"})
	require.Equal(t, 3, out.ExitCode)
}

func TestBashInvalidCwdIsOperationalFailure(t *testing.T) {
	registry, _ := newBuiltinFixture(t)
	out := invokeTool(t, registry, "bash", map[string]any{"command": "true", "cwd": "missing-dir"})
	require.Equal(t, 1, out.ExitCode)
}

func TestBashPassesEnv(t *testing.T) {
	registry, _ := newBuiltinFixture(t)
	out := invokeTool(t, registry, "bash", map[string]any{
		"command": `printf "$RIP_TEST_VALUE"`,
		"env":     map[string]string{"RIP_TEST_VALUE": "from-env"},
	})
	require.Equal(t, 0, out.ExitCode)
	require.Equal(t, []string{"from-env"}, out.Stdout)
}
