package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	store := NewJSONStore(filepath.Join(t.TempDir(), "settings.json"))

	cfg, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, 500, cfg.MaxLogTail)
	require.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.json")
	store := NewJSONStore(path)

	cfg := DefaultSettings()
	cfg.Port = 9090
	cfg.DataDir = "/srv/splat"
	cfg.ColmapPath = "/opt/colmap/bin/colmap"
	require.NoError(t, store.Save(cfg))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, 9090, loaded.Port)
	require.Equal(t, "/srv/splat", loaded.DataDir)
	require.Equal(t, "/opt/colmap/bin/colmap", loaded.ColmapPath)
}

func TestLoadCorruptFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewJSONStore(path).Load()
	require.Error(t, err)
}

func TestLoadNormalizesLogTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"maxLogTail": -3}`), 0o644))

	cfg, err := NewJSONStore(path).Load()
	require.NoError(t, err)
	require.Equal(t, 500, cfg.MaxLogTail)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("COLMAP_PATH", "/usr/local/bin/colmap")
	t.Setenv("GLOMAP_PATH", "  /usr/local/bin/glomap  ")
	t.Setenv("SPLAT_DATA_DIR", "/var/lib/splat")
	t.Setenv("FFMPEG_PATH", "/opt/ffmpeg/bin/ffmpeg")
	t.Setenv("FFPROBE_PATH", "/opt/ffmpeg/bin/ffprobe")
	t.Setenv("OPENSPLAT_PATH", "")

	cfg := DefaultSettings()
	cfg.OpenSplatPath = "/opt/opensplat"
	cfg = ApplyEnvOverrides(cfg)

	require.Equal(t, "/usr/local/bin/colmap", cfg.ColmapPath)
	require.Equal(t, "/usr/local/bin/glomap", cfg.GlomapPath)
	require.Equal(t, "/var/lib/splat", cfg.DataDir)
	require.Equal(t, "/opt/ffmpeg/bin/ffmpeg", cfg.FFmpegPath)
	require.Equal(t, "/opt/ffmpeg/bin/ffprobe", cfg.FFprobePath)
	// Empty env vars leave file-backed values alone.
	require.Equal(t, "/opt/opensplat", cfg.OpenSplatPath)
}

func TestDerivedDirectories(t *testing.T) {
	cfg := Settings{DataDir: "/data"}
	require.Equal(t, "/data/uploads", cfg.UploadsDir())
	require.Equal(t, "/data/results", cfg.ResultsDir())
	require.Equal(t, "/data/logs", cfg.LogsDir())
	require.Equal(t, "/data/projects_db.json", cfg.ProjectsDBFile())
}
