// Package eventlog persists kernel frames to a durable, append-only JSONL
// log and per-session JSON snapshots, plus best-effort per-stream sidecar
// indexes that are always rebuildable from the main log.
package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rip-run/rip/internal/kernel"
)

// EventLog serializes Frame appends to a single JSONL file, one JSON object
// per line, flushed before returning. A process-wide mutex keeps appends
// atomic with respect to other appenders; os.File has no built-in
// cross-goroutine write serialization.
type EventLog struct {
	mu   sync.Mutex
	dir  string
	file *os.File

	continuity *continuityMirror
	ordinal    *ordinalIndex
	checkpoint *checkpointIndex
}

// Open creates dir if needed and opens (or creates) dir/events.jsonl for
// appending.
func Open(dir string) (*EventLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create dir: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open log: %w", err)
	}
	return &EventLog{
		dir:        dir,
		file:       file,
		continuity: newContinuityMirror(dir),
		ordinal:    newOrdinalIndex(dir),
		checkpoint: newCheckpointIndex(dir),
	}, nil
}

// Close releases the underlying file handle.
func (l *EventLog) Close() error {
	return l.file.Close()
}

// Append serializes frame as one JSON line to the global log, then
// best-effort updates the per-session sidecars. Sidecar failures are
// returned to the caller to log, never to abort emission.
func (l *EventLog) Append(frame *kernel.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("eventlog: marshal frame: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	_, writeErr := l.file.Write(data)
	if writeErr == nil {
		writeErr = l.file.Sync()
	}
	l.mu.Unlock()
	if writeErr != nil {
		return fmt.Errorf("eventlog: append frame: %w", writeErr)
	}

	if err := l.continuity.append(frame.SessionID, data); err != nil {
		return fmt.Errorf("eventlog: continuity sidecar: %w", err)
	}
	if err := l.ordinal.append(frame.SessionID, frame.Seq, frame.ID); err != nil {
		return fmt.Errorf("eventlog: ordinal sidecar: %w", err)
	}
	return nil
}

// RecordCheckpoint appends an entry to the compaction-checkpoint index for
// sessionID, used to bound how far back a replay needs to scan.
func (l *EventLog) RecordCheckpoint(sessionID string, seq uint64, checkpointID string) error {
	return l.checkpoint.append(sessionID, seq, checkpointID)
}

// WriteSnapshot writes dir/<sessionID>.json atomically (tmp + rename).
func WriteSnapshot(dir, sessionID string, frames []*kernel.Frame) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("eventlog: snapshot dir: %w", err)
	}
	data, err := json.Marshal(frames)
	if err != nil {
		return fmt.Errorf("eventlog: marshal snapshot: %w", err)
	}

	target := filepath.Join(dir, sessionID+".json")
	tmp, err := os.CreateTemp(dir, "."+sessionID+".tmp-*")
	if err != nil {
		return fmt.Errorf("eventlog: snapshot temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("eventlog: snapshot write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("eventlog: snapshot close: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("eventlog: snapshot rename: %w", err)
	}
	return nil
}

// ReadSnapshot loads a previously written snapshot.
func ReadSnapshot(dir, sessionID string) ([]*kernel.Frame, error) {
	data, err := os.ReadFile(filepath.Join(dir, sessionID+".json"))
	if err != nil {
		return nil, err
	}
	var frames []*kernel.Frame
	if err := json.Unmarshal(data, &frames); err != nil {
		return nil, fmt.Errorf("eventlog: unmarshal snapshot: %w", err)
	}
	return frames, nil
}

// LoadEvents replays every frame of the global log belonging to sessionID,
// used when a sidecar fails validation and the caller must rebuild.
func LoadEvents(dir, sessionID string) ([]*kernel.Frame, error) {
	data, err := os.ReadFile(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		return nil, err
	}
	var frames []*kernel.Frame
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var frame kernel.Frame
		if err := dec.Decode(&frame); err != nil {
			break
		}
		if frame.SessionID == sessionID {
			f := frame
			frames = append(frames, &f)
		}
	}
	return frames, nil
}
