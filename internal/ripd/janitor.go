package ripd

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor periodically sweeps the stores that otherwise grow without bound:
// session snapshots under the data dir, workspace checkpoints under
// .rip/checkpoints, and artifact blobs (task logs included) under
// .rip/artifacts/blobs, removing entries older than Retention.
type Janitor struct {
	SnapshotDir   string
	WorkspaceRoot string
	Retention     time.Duration
	Logger        *slog.Logger

	cron *cron.Cron
}

// DefaultRetention keeps seven days of session snapshots before a sweep
// removes them.
const DefaultRetention = 7 * 24 * time.Hour

// NewJanitor builds a Janitor over snapshotDir and workspaceRoot's .rip
// stores. An empty workspaceRoot limits the sweep to snapshots.
func NewJanitor(snapshotDir, workspaceRoot string, retention time.Duration, logger *slog.Logger) *Janitor {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{SnapshotDir: snapshotDir, WorkspaceRoot: workspaceRoot, Retention: retention, Logger: logger}
}

// Start schedules Sweep to run once an hour and returns immediately; Stop
// ends the schedule.
func (j *Janitor) Start() {
	j.cron = cron.New()
	_, err := j.cron.AddFunc("@hourly", j.sweepLogged)
	if err != nil {
		j.Logger.Error("janitor: schedule failed", "error", err)
		return
	}
	j.cron.Start()
}

// Stop ends the schedule; in-flight sweeps are allowed to finish.
func (j *Janitor) Stop() {
	if j.cron != nil {
		ctx := j.cron.Stop()
		<-ctx.Done()
	}
}

func (j *Janitor) sweepLogged() {
	removed, err := j.Sweep()
	if err != nil {
		j.Logger.Error("janitor: sweep failed", "error", err)
		return
	}
	if removed > 0 {
		j.Logger.Info("janitor: swept stale entries", "removed", removed)
	}
}

// Sweep removes entries older than Retention from every store the janitor
// covers, returning the total count removed. A missing directory is not an
// error (nothing written there yet).
func (j *Janitor) Sweep() (int, error) {
	cutoff := time.Now().Add(-j.Retention)

	removed, err := sweepDir(j.SnapshotDir, cutoff, false)
	if err != nil {
		return removed, err
	}

	if j.WorkspaceRoot == "" {
		return removed, nil
	}

	// Checkpoints are nested <session>/<checkpoint>/...; prune whole
	// checkpoint directories, then drop session directories left empty.
	checkpointsDir := filepath.Join(j.WorkspaceRoot, ".rip", "checkpoints")
	sessions, err := os.ReadDir(checkpointsDir)
	if err != nil && !os.IsNotExist(err) {
		return removed, err
	}
	for _, session := range sessions {
		if !session.IsDir() {
			continue
		}
		sessionDir := filepath.Join(checkpointsDir, session.Name())
		n, err := sweepDir(sessionDir, cutoff, true)
		removed += n
		if err != nil {
			return removed, err
		}
		if rest, err := os.ReadDir(sessionDir); err == nil && len(rest) == 0 {
			_ = os.Remove(sessionDir)
		}
	}

	n, err := sweepDir(filepath.Join(j.WorkspaceRoot, ".rip", "artifacts", "blobs"), cutoff, false)
	removed += n
	return removed, err
}

// sweepDir removes dir's immediate entries whose modification time is older
// than cutoff. includeDirs additionally removes stale subtrees (used for
// per-checkpoint directories).
func sweepDir(dir string, cutoff time.Time, includeDirs bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() && !includeDirs {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			if err := os.RemoveAll(path); err == nil {
				removed++
			}
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	}
	return removed, nil
}
