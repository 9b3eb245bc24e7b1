// Package config loads and persists the agent's configuration. The
// recognized options are enumerated in Config; sources are applied in
// priority order process environment > on-disk config file > built-in
// defaults. The file is rewritten by the agent itself after registration to
// persist the issued token and machine id, so writes are atomic.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Built-in defaults. Seconds-valued options stay plain ints so the JSON
// file and the environment read the same way.
const (
	DefaultHeartbeatInterval = 60
	DefaultIdleThreshold     = 300
	DefaultRetryMaxAttempts  = 5
	DefaultRetryBaseDelay    = 10
	DefaultOfflineQueueMax   = 100
	DefaultLogLevel          = "info"
)

// envPrefix namespaces every environment override.
const envPrefix = "GREENOPS_"

// Config holds every option the agent recognizes. AgentToken and MachineID
// start empty and are persisted after the first successful registration.
type Config struct {
	ServerURL         string `json:"server_url"`
	HeartbeatInterval int    `json:"heartbeat_interval_seconds"`
	IdleThreshold     int    `json:"idle_threshold_seconds"`
	LogLevel          string `json:"log_level"`
	RetryMaxAttempts  int    `json:"retry_max_attempts"`
	RetryBaseDelay    int    `json:"retry_base_delay_seconds"`
	OfflineQueueMax   int    `json:"offline_queue_max"`
	AgentToken        string `json:"agent_token"`
	MachineID         string `json:"machine_id"`
}

// Default returns a Config with every option at its built-in default.
func Default() Config {
	return Config{
		HeartbeatInterval: DefaultHeartbeatInterval,
		IdleThreshold:     DefaultIdleThreshold,
		LogLevel:          DefaultLogLevel,
		RetryMaxAttempts:  DefaultRetryMaxAttempts,
		RetryBaseDelay:    DefaultRetryBaseDelay,
		OfflineQueueMax:   DefaultOfflineQueueMax,
	}
}

// BaseDir returns the directory holding the agent's config and queue files.
// GREENOPS_DIR overrides; otherwise a fixed per-platform location is used
// so the agent finds its state across restarts regardless of which user
// account the service runs under.
func BaseDir() string {
	if dir := os.Getenv(envPrefix + "DIR"); dir != "" {
		return dir
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("PROGRAMDATA"); pd != "" {
			return filepath.Join(pd, "GreenOps")
		}
		return `C:\ProgramData\GreenOps`
	}
	return "/etc/greenops"
}

// FilePath returns the default config file location. The offline queue
// lives next to whichever config file is in use.
func FilePath() string { return filepath.Join(BaseDir(), "config.json") }

// Load builds the effective configuration: defaults, overlaid by the JSON
// file at path when it exists, overlaid by GREENOPS_* environment
// variables. A missing file is fine; a malformed file or environment value
// is a startup error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First run: environment must carry at least the server URL.
	case err != nil:
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}

	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if cfg.ServerURL == "" {
		return cfg, errors.New("config: server_url is required (set " + envPrefix + "SERVER_URL or the config file)")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = DefaultIdleThreshold
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = DefaultRetryMaxAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.OfflineQueueMax <= 0 {
		cfg.OfflineQueueMax = DefaultOfflineQueueMax
	}

	return cfg, nil
}

// applyEnv overlays GREENOPS_* variables onto the config. Env keys are the
// upper-cased JSON option names.
func (c *Config) applyEnv() error {
	if v := os.Getenv(envPrefix + "SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(envPrefix + "AGENT_TOKEN"); v != "" {
		c.AgentToken = v
	}
	if v := os.Getenv(envPrefix + "MACHINE_ID"); v != "" {
		c.MachineID = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"HEARTBEAT_INTERVAL_SECONDS", &c.HeartbeatInterval},
		{"IDLE_THRESHOLD_SECONDS", &c.IdleThreshold},
		{"RETRY_MAX_ATTEMPTS", &c.RetryMaxAttempts},
		{"RETRY_BASE_DELAY_SECONDS", &c.RetryBaseDelay},
		{"OFFLINE_QUEUE_MAX", &c.OfflineQueueMax},
	}
	for _, opt := range ints {
		v := os.Getenv(envPrefix + opt.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s%s must be an integer: %w", envPrefix, opt.key, err)
		}
		*opt.dst = n
	}
	return nil
}

// Save writes the config to path atomically via temp file + rename. The
// file carries the agent token, so it is written owner-only.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("config: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "config.*.tmp")
	if err != nil {
		return fmt.Errorf("config: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("config: restricting temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("config: replacing %s: %w", path, err)
	}
	ok = true
	return nil
}
