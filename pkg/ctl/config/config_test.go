package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DEVGATE_TOKEN", "")
	t.Setenv("DEVGATE_DASHBOARD_PASSWORD", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.ServerURL)
	assert.Equal(t, "table", cfg.OutputFormat)
	assert.Equal(t, 15*time.Second, cfg.Timeout)
}

func TestSaveLoad(t *testing.T) {
	t.Setenv("DEVGATE_TOKEN", "")
	t.Setenv("DEVGATE_DASHBOARD_PASSWORD", "from-env")
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, Save(path, &Config{
		ServerURL:         "https://gw.example",
		Token:             "sess-1",
		DashboardPassword: "from-file",
		OutputFormat:      "json",
		Timeout:           3 * time.Second,
	}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://gw.example", cfg.ServerURL)
	assert.Equal(t, "sess-1", cfg.Token)
	assert.Equal(t, "from-env", cfg.DashboardPassword)
	assert.Equal(t, "json", cfg.OutputFormat)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_url: [x"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
