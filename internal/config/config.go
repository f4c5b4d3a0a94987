// Package config resolves rip's runtime configuration: the three env vars
// the authority discovery protocol and engine agree on, plus optional
// tuning knobs read from a TOML file under the workspace.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config is the resolved runtime configuration for one rip process.
type Config struct {
	// DataDir is RIP_DATA_DIR: where the event log, snapshots, and
	// authority lock/meta files live.
	DataDir string
	// WorkspaceRoot is RIP_WORKSPACE_ROOT: the sandbox root every builtin
	// tool resolves paths against.
	WorkspaceRoot string
	// ServerAddr is RIP_SERVER_ADDR: the address ripd's HTTP adapter binds.
	ServerAddr string

	Tuning Tuning
}

// Tuning holds the optional knobs a workspace's .rip/config.toml can
// override; zero values mean "let the component apply its own default."
type Tuning struct {
	ToolMaxConcurrency    int   `toml:"tool_max_concurrency"`
	MaxBytes              int64 `toml:"max_bytes"`
	ArtifactMaxBytes      int64 `toml:"artifact_max_bytes"`
	JanitorRetentionHours int   `toml:"janitor_retention_hours"`
}

const defaultServerAddr = "127.0.0.1:7341"

// Load resolves configuration the way the authority discovery protocol and
// engine both expect: load a .env file if present (never an error if it
// isn't — godotenv.Load's usual contract), read the three env vars with
// fallbacks, then merge in <workspace_root>/.rip/config.toml if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:       getEnv("RIP_DATA_DIR", "data"),
		WorkspaceRoot: getEnv("RIP_WORKSPACE_ROOT", currentDir()),
		ServerAddr:    getEnv("RIP_SERVER_ADDR", defaultServerAddr),
	}

	tuning, err := loadTuning(cfg.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	cfg.Tuning = tuning
	return cfg, nil
}

// loadTuning parses <workspaceRoot>/.rip/config.toml, if present. A missing
// file is not an error — every Tuning field just stays zero, and callers
// apply their own defaults (e.g. tools.DefaultBuiltinToolConfig,
// ripd.ToolMaxConcurrency).
func loadTuning(workspaceRoot string) (Tuning, error) {
	var tuning Tuning
	path := filepath.Join(workspaceRoot, ".rip", "config.toml")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return tuning, nil
		}
		return tuning, err
	}
	if _, err := toml.DecodeFile(path, &tuning); err != nil {
		return tuning, err
	}
	return tuning, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func currentDir() string {
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}
