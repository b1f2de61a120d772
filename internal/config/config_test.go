package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cm := NewConfigManager()
	require.NoError(t, cm.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")))

	cfg := cm.GetConfig()
	assert.Equal(t, 8, cfg.Export.QueueSize)
	assert.Equal(t, 1024, cfg.Export.ChunkFrames)
	assert.Equal(t, 1<<20, cfg.Export.RingBufferBytes)
	assert.Equal(t, 10*time.Millisecond, cfg.Export.PollTimeout)
	assert.Equal(t, 2*time.Second, cfg.Export.FormatWait)
	assert.Equal(t, []string{".png"}, cfg.Export.FrameExtensions)
	assert.Equal(t, "sqlite", cfg.Database.Type)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framecast.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
export:
  queue_size: 2
  frame_extensions: [".png", ".jpg"]
  codec_timeout: 30s
logging:
  level: debug
`), 0644))
	t.Setenv("FRAMECAST_QUEUE_SIZE", "5")
	t.Setenv("FRAMECAST_FRAME_EXTENSIONS", ".webp, .png")

	cm := NewConfigManager()
	require.NoError(t, cm.LoadConfig(path))

	cfg := cm.GetConfig()
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Export.QueueSize)
	assert.Equal(t, []string{".webp", ".png"}, cfg.Export.FrameExtensions)
	assert.Equal(t, 30*time.Second, cfg.Export.CodecTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, "ffmpeg", cfg.FFmpeg.Path)
}

func TestLoadConfig_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framecast.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"export":{"min_free_disk_mb":0}}`), 0644))

	cm := NewConfigManager()
	require.NoError(t, cm.LoadConfig(path))
	assert.Equal(t, 0, cm.GetConfig().Export.MinFreeDiskMB)
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()

	small := filepath.Join(dir, "small.yaml")
	require.NoError(t, os.WriteFile(small, []byte("export:\n  ring_buffer_bytes: 4096\n"), 0644))
	cm := NewConfigManager()
	assert.Error(t, cm.LoadConfig(small))
	assert.Equal(t, 1<<20, cm.GetConfig().Export.RingBufferBytes, "failed load keeps the previous config")

	db := filepath.Join(dir, "db.yaml")
	require.NoError(t, os.WriteFile(db, []byte("database:\n  type: mysql\n"), 0644))
	assert.Error(t, cm.LoadConfig(db))

	unknown := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(unknown, []byte("x = 1"), 0644))
	assert.Error(t, cm.LoadConfig(unknown))
}

func TestDatabaseDSN(t *testing.T) {
	assert.Equal(t, "/data/jobs.db", DatabaseConfig{Type: "sqlite", Path: "/data/jobs.db"}.DSN())
	assert.Equal(t, "postgres://u@h/db", DatabaseConfig{Type: "postgres", URL: "postgres://u@h/db"}.DSN())
	assert.Contains(t, DatabaseConfig{Type: "postgres", Host: "db", Port: 5432, Username: "u", Name: "jobs"}.DSN(),
		"host=db user=u")
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framecast.yaml")
	require.NoError(t, os.WriteFile(path, []byte("export:\n  queue_size: 2\n"), 0644))

	cm := NewConfigManager()
	require.NoError(t, cm.LoadConfig(path))

	changed := make(chan *Config, 4)
	cm.AddWatcher(func(_, newConfig *Config) {
		changed <- newConfig
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, cm.Watch(ctx, hclog.NewNullLogger()))

	require.NoError(t, os.WriteFile(path, []byte("export:\n  queue_size: 3\n"), 0644))

	select {
	case cfg := <-changed:
		assert.Equal(t, 3, cfg.Export.QueueSize)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
	assert.Equal(t, 3, cm.GetConfig().Export.QueueSize)
}

func TestWatch_RequiresLoadedPath(t *testing.T) {
	assert.Error(t, NewConfigManager().Watch(context.Background(), nil))
}
