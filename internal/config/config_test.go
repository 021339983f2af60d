package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WARDEN_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Queue.MaxContainers)
	require.Equal(t, 2, cfg.Queue.MaxHosts)
	require.Equal(t, 10*time.Second, cfg.Queue.StopGrace)
	require.Equal(t, time.Second, cfg.IPC.PollInterval)
	require.Equal(t, "UTC", cfg.Scheduler.Timezone)
	require.Equal(t, "main", cfg.AdminFolder)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	body := `
data_dir: /tmp/warden-test
queue:
  max_containers: 2
  stop_grace: 3s
scheduler:
  timezone: America/New_York
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("WARDEN_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/tmp/warden-test", cfg.DataDir)
	require.Equal(t, 2, cfg.Queue.MaxContainers)
	require.Equal(t, 3*time.Second, cfg.Queue.StopGrace)
	// Untouched keys keep defaults.
	require.Equal(t, 2, cfg.Queue.MaxHosts)
	require.Equal(t, "America/New_York", cfg.Scheduler.Timezone)
}
