package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FLAREBYPASS_SERVER_PORT", "9000")
	t.Setenv("FLAREBYPASS_PROXY_PORT_START", "20000")
	t.Setenv("FLAREBYPASS_PROXY_PORT_END", "20010")
	t.Setenv("FLAREBYPASS_BROWSER_DISABLE_GPU", "true")
	t.Setenv("FLAREBYPASS_SOLVER_RELIABLE_STEP", "3s")
	t.Setenv("FLAREBYPASS_HISTORY_PATH", "/var/lib/flarebypass.db")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr())
	assert.Equal(t, 20000, cfg.Proxy.PortStart)
	assert.Equal(t, 20010, cfg.Proxy.PortEnd)
	assert.True(t, cfg.Browser.DisableGPU)
	assert.Equal(t, 3*time.Second, cfg.Solver.ReliableStep)
	assert.Equal(t, "/var/lib/flarebypass.db", cfg.History.Path)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	envFile := filepath.Join(dir, "custom.env")
	require.NoError(t, os.WriteFile(envFile, []byte("FLAREBYPASS_LOG_LEVEL=debug\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("FLAREBYPASS_LOG_LEVEL") })

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMissingEnvFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestLoadRejectsBadPortRange(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FLAREBYPASS_PROXY_PORT_START", "13000")
	t.Setenv("FLAREBYPASS_PROXY_PORT_END", "12000")

	_, err := Load("")
	assert.Error(t, err)
}
