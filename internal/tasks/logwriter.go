package tasks

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// blobsDir is the same content-addressed artifact home the artifact_fetch
// builtin reads from: <workspace>/.rip/artifacts/blobs.
func blobsDir(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, ".rip", "artifacts", "blobs")
}

// LogWriter streams a task's stdout or stderr into a content-addressed
// artifact blob. Because the artifact id is the sha256 of the *complete*
// content and a task's output streams in incrementally, this accumulates
// into a temp file (hashing as it goes) and only assigns the final
// content-addressed name — and renames into place — once the stream ends,
// preserving the artifact store's "write-temp-then-rename" atomicity
// contract even though the
// content length isn't known up front.
type LogWriter struct {
	tmpPath  string
	file     *os.File
	hash     sha256Incremental
	written  int64
	maxBytes int64
	capped   bool
}

type sha256Incremental = interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
}

// NewLogWriter opens a fresh temp file under workspaceRoot's artifact blobs
// directory to accumulate one stream's output. maxBytes <= 0 means
// unbounded.
func NewLogWriter(workspaceRoot, taskID, stream string, maxBytes int64) (*LogWriter, error) {
	dir := blobsDir(workspaceRoot)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tasks: create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".task-%s-%s-*.tmp", taskID, stream))
	if err != nil {
		return nil, fmt.Errorf("tasks: create log artifact temp file: %w", err)
	}
	return &LogWriter{
		tmpPath:  tmp.Name(),
		file:     tmp,
		hash:     sha256.New(),
		maxBytes: maxBytes,
	}, nil
}

// Append writes chunk to the accumulating blob, capping retained bytes at
// maxBytes while still hashing and counting every byte seen so Summary can
// report whether the artifact is a truncated view of the full stream.
func (w *LogWriter) Append(chunk []byte) error {
	w.hash.Write(chunk)
	w.written += int64(len(chunk))

	if w.maxBytes > 0 && w.capped {
		return nil
	}
	toWrite := chunk
	if w.maxBytes > 0 {
		remaining := w.maxBytes - (w.written - int64(len(chunk)))
		if remaining <= 0 {
			w.capped = true
			return nil
		}
		if int64(len(chunk)) > remaining {
			toWrite = chunk[:remaining]
			w.capped = true
		}
	}
	if _, err := w.file.Write(toWrite); err != nil {
		return fmt.Errorf("tasks: append log artifact: %w", err)
	}
	return nil
}

// Summary is the per-stream result recorded in a task's terminal
// tool_task_status artifacts payload.
type Summary struct {
	ArtifactID string `json:"artifact_id,omitempty"`
	Bytes      int64  `json:"bytes"`
	Truncated  bool   `json:"truncated"`
	Error      string `json:"error,omitempty"`
}

func (s Summary) AsJSON() json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

// FailedSummary reports a writer that never got a usable artifact, e.g. the
// stdout/stderr join itself failed.
func FailedSummary(errMsg string) Summary {
	return Summary{Error: errMsg}
}

// Finish closes the temp file, renames it to its content-addressed blob
// name, and returns the resulting summary. Finish must be called exactly
// once; it is safe to call even if no bytes were ever appended (produces an
// empty blob).
func (w *LogWriter) Finish() Summary {
	if err := w.file.Close(); err != nil {
		os.Remove(w.tmpPath)
		return FailedSummary(fmt.Sprintf("close log artifact: %v", err))
	}
	sum := w.hash.Sum(nil)
	artifactID := hex.EncodeToString(sum)
	dest := filepath.Join(filepath.Dir(w.tmpPath), artifactID)

	if _, err := os.Stat(dest); err == nil {
		// Identical content already stored (e.g. empty stream reused
		// across tasks); drop the temp copy, the existing blob is fine.
		os.Remove(w.tmpPath)
	} else if err := os.Rename(w.tmpPath, dest); err != nil {
		os.Remove(w.tmpPath)
		return FailedSummary(fmt.Sprintf("finalize log artifact: %v", err))
	}

	truncated := w.maxBytes > 0 && w.written > w.maxBytes
	retained := w.written
	if truncated {
		retained = w.maxBytes
	}
	return Summary{ArtifactID: artifactID, Bytes: retained, Truncated: truncated}
}
