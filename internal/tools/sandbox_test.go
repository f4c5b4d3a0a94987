package tools

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvePathRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	sandbox := NewSandbox(root, false)

	_, err := sandbox.ResolvePath("/etc/passwd", false)
	require.ErrorIs(t, err, ErrEscapesWorkspace)

	_, err = sandbox.ResolvePath("../outside.txt", false)
	require.ErrorIs(t, err, ErrEscapesWorkspace)

	_, err = sandbox.ResolvePath("a/../../b.txt", false)
	require.ErrorIs(t, err, ErrEscapesWorkspace)
}

func TestResolvePathJoinsRoot(t *testing.T) {
	root := t.TempDir()
	sandbox := NewSandbox(root, false)

	resolved, err := sandbox.ResolvePath("sub/file.txt", false)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "sub", "file.txt"), resolved)
}

func TestResolvePathRequireExistingFailsOnMissing(t *testing.T) {
	root := t.TempDir()
	sandbox := NewSandbox(root, false)

	_, err := sandbox.ResolvePath("missing.txt", true)
	require.Error(t, err)
}
