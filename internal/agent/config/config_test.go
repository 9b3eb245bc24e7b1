package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// clearEnv blanks every override so ambient GREENOPS_* variables cannot leak
// into a test run.
func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"SERVER_URL", "LOG_LEVEL", "AGENT_TOKEN", "MACHINE_ID",
		"HEARTBEAT_INTERVAL_SECONDS", "IDLE_THRESHOLD_SECONDS",
		"RETRY_MAX_ATTEMPTS", "RETRY_BASE_DELAY_SECONDS", "OFFLINE_QUEUE_MAX",
		"DIR",
	}
	for _, k := range keys {
		t.Setenv(envPrefix+k, "")
	}
}

func TestLoadDefaultsFromEnvOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv(envPrefix+"SERVER_URL", "http://server:8080")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Equal(t, "http://server:8080", cfg.ServerURL)
	require.Equal(t, DefaultHeartbeatInterval, cfg.HeartbeatInterval)
	require.Equal(t, DefaultIdleThreshold, cfg.IdleThreshold)
	require.Equal(t, DefaultRetryMaxAttempts, cfg.RetryMaxAttempts)
	require.Equal(t, DefaultRetryBaseDelay, cfg.RetryBaseDelay)
	require.Equal(t, DefaultOfflineQueueMax, cfg.OfflineQueueMax)
	require.Equal(t, DefaultLogLevel, cfg.LogLevel)
	require.Empty(t, cfg.AgentToken)
}

func TestLoadRequiresServerURL(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "server_url")
}

func TestLoadFileOverlay(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server_url": "http://file-server:8080/",
		"heartbeat_interval_seconds": 30,
		"agent_token": "agt_from_file"
	}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	// Trailing slash is stripped so URL joins stay predictable.
	require.Equal(t, "http://file-server:8080", cfg.ServerURL)
	require.Equal(t, 30, cfg.HeartbeatInterval)
	require.Equal(t, "agt_from_file", cfg.AgentToken)
	require.Equal(t, DefaultIdleThreshold, cfg.IdleThreshold)
}

func TestEnvBeatsFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server_url": "http://file-server:8080",
		"heartbeat_interval_seconds": 30
	}`), 0o600))

	t.Setenv(envPrefix+"SERVER_URL", "http://env-server:9090")
	t.Setenv(envPrefix+"HEARTBEAT_INTERVAL_SECONDS", "15")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "http://env-server:9090", cfg.ServerURL)
	require.Equal(t, 15, cfg.HeartbeatInterval)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	clearEnv(t)
	t.Setenv(envPrefix+"SERVER_URL", "http://server:8080")
	t.Setenv(envPrefix+"RETRY_MAX_ATTEMPTS", "five")

	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "RETRY_MAX_ATTEMPTS")

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0o600))
	t.Setenv(envPrefix+"RETRY_MAX_ATTEMPTS", "")
	_, err = Load(path)
	require.Error(t, err)
}

func TestNonPositiveValuesFallBackToDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv(envPrefix+"SERVER_URL", "http://server:8080")
	t.Setenv(envPrefix+"HEARTBEAT_INTERVAL_SECONDS", "0")
	t.Setenv(envPrefix+"OFFLINE_QUEUE_MAX", "-3")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Equal(t, DefaultHeartbeatInterval, cfg.HeartbeatInterval)
	require.Equal(t, DefaultOfflineQueueMax, cfg.OfflineQueueMax)
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := Default()
	cfg.ServerURL = "http://server:8080"
	cfg.AgentToken = "agt_persisted"
	cfg.MachineID = "0f1e2d3c"
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.ServerURL, loaded.ServerURL)
	require.Equal(t, "agt_persisted", loaded.AgentToken)
	require.Equal(t, "0f1e2d3c", loaded.MachineID)
}

func TestBaseDirOverride(t *testing.T) {
	t.Setenv(envPrefix+"DIR", "/tmp/greenops-test")
	require.Equal(t, "/tmp/greenops-test", BaseDir())
	require.Equal(t, filepath.Join("/tmp/greenops-test", "config.json"), FilePath())
}
