package ripd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	if age > 0 {
		old := time.Now().Add(-age)
		require.NoError(t, os.Chtimes(path, old, old))
	}
}

func TestSweepRemovesOnlyStaleSnapshots(t *testing.T) {
	dir := t.TempDir()

	writeAged(t, filepath.Join(dir, "stale.json"), 48*time.Hour)
	writeAged(t, filepath.Join(dir, "fresh.json"), 0)

	janitor := NewJanitor(dir, "", 24*time.Hour, nil)
	removed, err := janitor.Sweep()
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	require.NoFileExists(t, filepath.Join(dir, "stale.json"))
	require.FileExists(t, filepath.Join(dir, "fresh.json"))
}

func TestSweepPrunesCheckpointsAndArtifactBlobs(t *testing.T) {
	workspace := t.TempDir()

	staleCheckpoint := filepath.Join(workspace, ".rip", "checkpoints", "sess-a", "cp-old")
	writeAged(t, filepath.Join(staleCheckpoint, "manifest.json"), 48*time.Hour)
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(staleCheckpoint, old, old))

	freshCheckpoint := filepath.Join(workspace, ".rip", "checkpoints", "sess-b", "cp-new")
	writeAged(t, filepath.Join(freshCheckpoint, "manifest.json"), 0)

	blobs := filepath.Join(workspace, ".rip", "artifacts", "blobs")
	writeAged(t, filepath.Join(blobs, "stale-blob"), 48*time.Hour)
	writeAged(t, filepath.Join(blobs, "fresh-blob"), 0)

	janitor := NewJanitor(filepath.Join(t.TempDir(), "snapshots"), workspace, 24*time.Hour, nil)
	removed, err := janitor.Sweep()
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	require.NoDirExists(t, staleCheckpoint)
	require.NoDirExists(t, filepath.Join(workspace, ".rip", "checkpoints", "sess-a"))
	require.DirExists(t, freshCheckpoint)
	require.NoFileExists(t, filepath.Join(blobs, "stale-blob"))
	require.FileExists(t, filepath.Join(blobs, "fresh-blob"))
}

func TestSweepOnMissingDirsIsNotAnError(t *testing.T) {
	janitor := NewJanitor(filepath.Join(t.TempDir(), "does-not-exist"), filepath.Join(t.TempDir(), "empty-ws"), time.Hour, nil)
	removed, err := janitor.Sweep()
	require.NoError(t, err)
	require.Equal(t, 0, removed)
}

func TestNewJanitorAppliesDefaultRetention(t *testing.T) {
	janitor := NewJanitor(t.TempDir(), t.TempDir(), 0, nil)
	require.Equal(t, DefaultRetention, janitor.Retention)
}

func TestStartAndStopScheduleCleanly(t *testing.T) {
	janitor := NewJanitor(t.TempDir(), t.TempDir(), time.Hour, nil)
	janitor.Start()
	janitor.Stop()
}
