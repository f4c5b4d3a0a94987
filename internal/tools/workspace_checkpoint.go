package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// checkpointFileEntry records whether the tracked path existed at snapshot
// time, so Rewind knows to restore content vs. remove a file that didn't
// exist yet when the checkpoint was taken.
type checkpointFileEntry struct {
	Path    string `json:"path"`
	Existed bool   `json:"existed"`
}

type checkpointManifest struct {
	CheckpointID string                `json:"checkpoint_id"`
	SessionID    string                `json:"session_id"`
	Label        string                `json:"label"`
	CreatedAtMs  int64                 `json:"created_at_ms"`
	Auto         bool                  `json:"auto"`
	ToolName     string                `json:"tool_name,omitempty"`
	Files        []checkpointFileEntry `json:"files"`
}

// WorkspaceCheckpointHook implements CheckpointHook by copying tracked files
// into <root>/.rip/checkpoints/<session_id>/<checkpoint_id>/snapshot before a
// mutating tool runs, alongside a manifest recording which paths existed.
// Rewind replays the manifest: restore content for files that existed,
// remove files that didn't.
type WorkspaceCheckpointHook struct {
	Root string
}

func NewWorkspaceCheckpointHook(root string) *WorkspaceCheckpointHook {
	return &WorkspaceCheckpointHook{Root: root}
}

func (h *WorkspaceCheckpointHook) checkpointsDir(sessionID string) string {
	return filepath.Join(h.Root, ".rip", "checkpoints", sessionID)
}

func (h *WorkspaceCheckpointHook) Create(ctx context.Context, req CheckpointRequest) (CheckpointResult, error) {
	files := req.Files
	if len(files) == 0 {
		tracked, err := h.trackedWorkspaceFiles()
		if err != nil {
			return CheckpointResult{}, err
		}
		files = tracked
	}

	id := newID()
	dir := filepath.Join(h.checkpointsDir(req.SessionID), id)
	snapshotDir := filepath.Join(dir, "snapshot")
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return CheckpointResult{}, fmt.Errorf("checkpoint create: %w", err)
	}

	createdAt := time.Now().UnixMilli()
	entries := make([]checkpointFileEntry, 0, len(files))
	for _, rel := range files {
		src := filepath.Join(h.Root, rel)
		info, err := os.Stat(src)
		if err != nil {
			if os.IsNotExist(err) {
				entries = append(entries, checkpointFileEntry{Path: rel, Existed: false})
				continue
			}
			return CheckpointResult{}, fmt.Errorf("checkpoint create: %w", err)
		}
		if info.IsDir() {
			continue
		}
		dst := filepath.Join(snapshotDir, rel)
		if err := copyFile(src, dst); err != nil {
			return CheckpointResult{}, fmt.Errorf("checkpoint create: %w", err)
		}
		entries = append(entries, checkpointFileEntry{Path: rel, Existed: true})
	}

	manifest := checkpointManifest{
		CheckpointID: id,
		SessionID:    req.SessionID,
		Label:        req.Label,
		CreatedAtMs:  createdAt,
		Auto:         req.Auto,
		ToolName:     req.ToolName,
		Files:        entries,
	}
	if err := writeManifest(filepath.Join(dir, "manifest.json"), manifest); err != nil {
		return CheckpointResult{}, fmt.Errorf("checkpoint create: %w", err)
	}

	return CheckpointResult{CheckpointID: id, CreatedAtMs: createdAt, Files: files}, nil
}

func (h *WorkspaceCheckpointHook) Rewind(ctx context.Context, sessionID string, checkpointID string) (RewindResult, error) {
	dir := filepath.Join(h.checkpointsDir(sessionID), checkpointID)
	manifest, err := readManifest(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return RewindResult{}, fmt.Errorf("checkpoint rewind: %w", err)
	}
	if manifest.SessionID != sessionID {
		return RewindResult{}, fmt.Errorf("checkpoint rewind: checkpoint %s does not belong to session %s", checkpointID, sessionID)
	}

	snapshotDir := filepath.Join(dir, "snapshot")
	restored := make([]string, 0, len(manifest.Files))
	for _, entry := range manifest.Files {
		dst := filepath.Join(h.Root, entry.Path)
		if !entry.Existed {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				return RewindResult{}, fmt.Errorf("checkpoint rewind: %w", err)
			}
			restored = append(restored, entry.Path)
			continue
		}
		src := filepath.Join(snapshotDir, entry.Path)
		if err := copyFile(src, dst); err != nil {
			return RewindResult{}, fmt.Errorf("checkpoint rewind: %w", err)
		}
		restored = append(restored, entry.Path)
	}

	return RewindResult{CheckpointID: checkpointID, RestoredFiles: restored}, nil
}

// trackedWorkspaceFiles walks the whole workspace (skipping .rip, the
// checkpoint store's own home) for tools like bash/apply_patch that don't
// report a precise affected-path set.
func (h *WorkspaceCheckpointHook) trackedWorkspaceFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(h.Root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(h.Root, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		if entry.IsDir() {
			if entry.Name() == ".rip" || entry.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".checkpoint-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func writeManifest(path string, manifest checkpointManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readManifest(path string) (checkpointManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return checkpointManifest{}, err
	}
	var manifest checkpointManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return checkpointManifest{}, err
	}
	return manifest, nil
}
