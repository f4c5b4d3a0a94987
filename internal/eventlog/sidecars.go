package eventlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Sidecars are best-effort: on-disk layout corruption (bad magic, short
// record, non-monotonic seq) returns an error for the caller to log,
// never a panic, and the caller always has the option to rebuild from the
// global log via LoadEvents.

// continuityMirror keeps a per-session JSONL mirror of the frames already
// written to the global log, so a replay of one session's history doesn't
// need to scan the whole process-wide log.
type continuityMirror struct {
	mu   sync.Mutex
	dir  string
	open map[string]*os.File
}

func newContinuityMirror(baseDir string) *continuityMirror {
	return &continuityMirror{dir: filepath.Join(baseDir, "continuity_streams"), open: map[string]*os.File{}}
}

func (m *continuityMirror) append(sessionID string, line []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, ok := m.open[sessionID]
	if !ok {
		if err := os.MkdirAll(m.dir, 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(m.dir, sessionID+".jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		m.open[sessionID] = f
		file = f
	}
	if _, err := file.Write(line); err != nil {
		return err
	}
	return file.Sync()
}

// ordinalIndex is a fixed-record binary file mapping ordinal -> (seq,
// frame uuid), one per session, prefixed with a magic header so a reader
// can tell a valid index from a truncated or foreign one.
//
// Layout: 8-byte magic "RIPIDX1\0", then records of 24 bytes each:
// 8 bytes big-endian seq, 16 bytes frame uuid.
type ordinalIndex struct {
	mu      sync.Mutex
	dir     string
	open    map[string]*os.File
	lastSeq map[string]uint64
}

var ordinalMagic = [8]byte{'R', 'I', 'P', 'I', 'D', 'X', '1', 0}

const ordinalRecordSize = 24

func newOrdinalIndex(baseDir string) *ordinalIndex {
	return &ordinalIndex{
		dir:     filepath.Join(baseDir, "continuity_streams"),
		open:    map[string]*os.File{},
		lastSeq: map[string]uint64{},
	}
}

func (idx *ordinalIndex) append(sessionID string, seq uint64, frameID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	file, ok := idx.open[sessionID]
	if !ok {
		if err := os.MkdirAll(idx.dir, 0o755); err != nil {
			return err
		}
		path := filepath.Join(idx.dir, sessionID+".mr.msgord.v1.bin")
		existed := fileExists(path)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return err
		}
		if existed {
			if err := validateOrdinalIndex(f); err != nil {
				f.Close()
				return fmt.Errorf("ordinal index for %s failed validation, rebuild from main log: %w", sessionID, err)
			}
		} else if _, err := f.Write(ordinalMagic[:]); err != nil {
			f.Close()
			return err
		}
		idx.open[sessionID] = f
		file = f
	}

	if last, seen := idx.lastSeq[sessionID]; seen && seq <= last {
		return fmt.Errorf("non-monotonic seq %d after %d for session %s", seq, last, sessionID)
	}

	id, err := uuid.Parse(frameID)
	if err != nil {
		return fmt.Errorf("invalid frame id %q: %w", frameID, err)
	}

	record := make([]byte, ordinalRecordSize)
	binary.BigEndian.PutUint64(record[0:8], seq)
	copy(record[8:], id[:])

	if _, err := file.Seek(0, 2); err != nil {
		return err
	}
	if _, err := file.Write(record); err != nil {
		return err
	}
	idx.lastSeq[sessionID] = seq
	return file.Sync()
}

func validateOrdinalIndex(f *os.File) error {
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	magic := make([]byte, len(ordinalMagic))
	n, err := f.Read(magic)
	if err != nil && n == 0 {
		return fmt.Errorf("empty index file")
	}
	for i := range ordinalMagic {
		if i >= n || magic[i] != ordinalMagic[i] {
			return fmt.Errorf("bad magic bytes")
		}
	}
	info, err := f.Stat()
	if err != nil {
		return err
	}
	remaining := info.Size() - int64(len(ordinalMagic))
	if remaining%ordinalRecordSize != 0 {
		return fmt.Errorf("index size %d not aligned to record size %d", remaining, ordinalRecordSize)
	}
	return nil
}

// checkpointIndex is a JSONL index of compaction checkpoints: entries
// recording the seq at which a workspace checkpoint was taken, so a replay
// can skip straight to the most recent one instead of scanning from seq 0.
type checkpointIndex struct {
	mu   sync.Mutex
	dir  string
	open map[string]*os.File
}

type checkpointIndexEntry struct {
	Seq          uint64 `json:"seq"`
	CheckpointID string `json:"checkpoint_id"`
}

func newCheckpointIndex(baseDir string) *checkpointIndex {
	return &checkpointIndex{dir: filepath.Join(baseDir, "continuity_streams"), open: map[string]*os.File{}}
}

func (c *checkpointIndex) append(sessionID string, seq uint64, checkpointID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	file, ok := c.open[sessionID]
	if !ok {
		if err := os.MkdirAll(c.dir, 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(c.dir, sessionID+".comp.idx.v1.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		c.open[sessionID] = f
		file = f
	}

	entry := checkpointIndexEntry{Seq: seq, CheckpointID: checkpointID}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := file.Write(data); err != nil {
		return err
	}
	return file.Sync()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
