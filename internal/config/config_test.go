package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("valid config file", func(t *testing.T) {
		content := `
logger:
  verbosity: debug
device:
  arenaSize: 33554432
  execLatency: 1ms
  waitTimeout: 2s
  peEnableMask: 255
  clockMHz: 300
telemetry:
  pollInterval: 1s
metrics:
  listen: ":9999"
`
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logger.Verbosity)
		assert.Equal(t, uint32(32<<20), cfg.Device.ArenaSize)
		assert.Equal(t, time.Millisecond, cfg.Device.ExecLatency)
		assert.Equal(t, 2*time.Second, cfg.Device.WaitTimeout)
		assert.Equal(t, uint32(0xFF), cfg.Device.PEEnableMask)
		assert.Equal(t, uint32(300), cfg.Device.ClockMHz)
		assert.Equal(t, time.Second, cfg.Telemetry.PollInterval)
		assert.Equal(t, ":9999", cfg.Metrics.Listen)
	})

	t.Run("omitted fields keep defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("logger:\n  verbosity: warn\n"), 0644))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "warn", cfg.Logger.Verbosity)
		assert.Equal(t, uint32(64<<20), cfg.Device.ArenaSize)
		assert.Equal(t, 5*time.Second, cfg.Telemetry.PollInterval)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig("does-not-exist.yaml")
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("logger: [unclosed"), 0644))

		_, err := LoadConfig(path)
		assert.Error(t, err)
	})
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "info", cfg.Logger.Verbosity)
	assert.Equal(t, 2*time.Millisecond, cfg.Device.ExecLatency)
	assert.Equal(t, uint32(0xFFFF), cfg.Device.PEEnableMask)
}
