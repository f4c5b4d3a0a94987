package authority

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Grace periods and deadlines for the discovery loop.
const (
	pingTimeout           = 250 * time.Millisecond
	lockWithoutMetaGrace  = 3 * time.Second
	metaUnreachableGrace  = 1 * time.Second
	spawnDebounce         = 200 * time.Millisecond
	pollInterval          = 50 * time.Millisecond
	ensureDeadline        = 8 * time.Second
)

// EnsureLocalAuthority waits for (spawning if necessary) a running ripd
// authority over dataDir/workspaceRoot, returning its HTTP endpoint. The
// poll loop covers stale-lock cleanup and the self re-exec spawn.
func EnsureLocalAuthority(dataDir, workspaceRoot string) (string, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("authority: create data dir: %w", err)
	}

	client := &http.Client{Timeout: pingTimeout}

	var lockWithoutMetaSince, metaUnreachableSince, spawnedSince time.Time
	deadline := time.Now().Add(ensureDeadline)

	for {
		meta, err := ReadMeta(dataDir)
		if err != nil {
			return "", err
		}
		if meta != nil {
			if meta.WorkspaceRoot != workspaceRoot {
				return "", fmt.Errorf("authority: store authority workspace mismatch: authority_root=%s current_root=%s", meta.WorkspaceRoot, workspaceRoot)
			}
			if ping(client, meta.Endpoint) {
				return meta.Endpoint, nil
			}
			if metaUnreachableSince.IsZero() {
				metaUnreachableSince = time.Now()
			}
		} else {
			metaUnreachableSince = time.Time{}
		}

		lockPath := LockPath(dataDir)
		if _, err := os.Stat(lockPath); err == nil {
			if lockWithoutMetaSince.IsZero() {
				lockWithoutMetaSince = time.Now()
			}

			_, metaStatErr := os.Stat(MetaPath(dataDir))
			lockHasMeta := metaStatErr == nil
			if !lockHasMeta {
				if !lockWithoutMetaSince.IsZero() && time.Since(lockWithoutMetaSince) > lockWithoutMetaGrace {
					cleanupStaleLock(dataDir)
					lockWithoutMetaSince = time.Time{}
				}
			} else if !metaUnreachableSince.IsZero() && time.Since(metaUnreachableSince) > metaUnreachableGrace {
				cleanupStaleLock(dataDir)
				metaUnreachableSince = time.Time{}
			}
		} else {
			lockWithoutMetaSince = time.Time{}
			metaUnreachableSince = time.Time{}
			if spawnedSince.IsZero() || time.Since(spawnedSince) > spawnDebounce {
				if err := spawnLocalAuthority(dataDir, workspaceRoot); err != nil {
					return "", err
				}
				spawnedSince = time.Now()
			}
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("authority: timed out waiting for local authority (store=%s)", dataDir)
		}
		time.Sleep(pollInterval)
	}
}

func ping(client *http.Client, server string) bool {
	resp, err := client.Get(server + "/openapi.json")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// spawnLocalAuthority re-execs the current binary as "<exe> serve", logging
// its stdout/stderr to authority/authority.log.
func spawnLocalAuthority(dataDir, workspaceRoot string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("authority: resolve executable: %w", err)
	}

	dir := Dir(dataDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("authority: create authority dir: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(dir, "authority.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("authority: open authority log: %w", err)
	}

	cmd := exec.Command(exe, "serve")
	cmd.Env = append(os.Environ(),
		"RIP_DATA_DIR="+dataDir,
		"RIP_WORKSPACE_ROOT="+workspaceRoot,
		"RIP_SERVER_ADDR=127.0.0.1:0",
	)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("authority: spawn authority: %w", err)
	}
	// The spawned process owns its own lifecycle; we don't wait on it, and
	// the log file descriptor is inherited by the child so it's safe to
	// close our copy once Start has duplicated it.
	logFile.Close()
	return nil
}

func cleanupStaleLock(dataDir string) {
	_ = os.Remove(MetaPath(dataDir))
	_ = os.Remove(LockPath(dataDir))
}
