package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "data/musicbox.db", cfg.Storage.DatabasePath)
	assert.Equal(t, 1024, cfg.Events.OutboxSize)
	assert.Equal(t, int64(1048576), cfg.Upload.ChunkSize)
	assert.Contains(t, cfg.Upload.AllowedExtensions, ".mp3")
	assert.Equal(t, "stub", cfg.Nfc.Driver.Type)
	assert.Equal(t, 2*time.Minute, cfg.OpTTL())
	assert.Equal(t, time.Hour, cfg.SessionTTL())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
events:
  outbox_size: 64
player:
  backend:
    type: clock
    settings:
      default_duration_ms: 1000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 64, cfg.Events.OutboxSize)
	assert.Equal(t, 256, cfg.Events.PlaylistOutboxSize, "unset fields keep their defaults")
	assert.Equal(t, "clock", cfg.Player.Backend.Type)
	assert.Equal(t, 1000, cfg.Player.Backend.Settings["default_duration_ms"])
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
storage:
  database_path: from-file.db
`)
	t.Setenv("MUSICBOX_DB_PATH", "from-env.db")
	t.Setenv("MUSICBOX_ADDR", ":7000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env.db", cfg.Storage.DatabasePath)
	assert.Equal(t, ":7000", cfg.Server.Addr)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"Negative outbox size", "events:\n  outbox_size: -1\n"},
		{"Position interval below floor", "player:\n  position_interval_ms: 10\n"},
		{"Timeout above cap", "nfc:\n  association_timeout_sec: 600\n  association_timeout_cap_sec: 300\n"},
		{"Unparseable", "server: [not a map\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestAssociationTimeoutClamp(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.AssociationTimeout(0), "zero means the default")
	assert.Equal(t, 5*time.Second, cfg.AssociationTimeout(5000))
	assert.Equal(t, 300*time.Second, cfg.AssociationTimeout(10*60*1000), "requests above the cap are clamped")
}
