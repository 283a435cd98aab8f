package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Settings contains server runtime configuration persisted on disk.
type Settings struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	DataDir        string   `json:"dataDir"`
	AllowedOrigins []string `json:"allowedOrigins"`

	// External tool locations. Empty values fall back to candidate-path
	// discovery and PATH lookup at startup.
	ColmapPath    string `json:"colmapPath"`
	GlomapPath    string `json:"glomapPath"`
	OpenSplatPath string `json:"opensplatPath"`
	FFmpegPath    string `json:"ffmpegPath"`
	FFprobePath   string `json:"ffprobePath"`

	// LibTorchLibDir is prepended to LD_LIBRARY_PATH for tool subprocesses.
	LibTorchLibDir string `json:"libtorchLibDir"`

	MaxLogTail int `json:"maxLogTail"`
}

// UploadsDir returns the directory holding per-project input files.
func (s Settings) UploadsDir() string { return filepath.Join(s.DataDir, "uploads") }

// ResultsDir returns the directory holding per-project outputs.
func (s Settings) ResultsDir() string { return filepath.Join(s.DataDir, "results") }

// LogsDir returns the directory holding per-project log files.
func (s Settings) LogsDir() string { return filepath.Join(s.DataDir, "logs") }

// ProjectsDBFile returns the JSON file backing the project store.
func (s Settings) ProjectsDBFile() string { return filepath.Join(s.DataDir, "projects_db.json") }

// EnsureDirectories creates the runtime directories the server expects.
func (s Settings) EnsureDirectories() error {
	for _, dir := range []string{s.UploadsDir(), s.ResultsDir(), s.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// DefaultSettings returns baseline configuration for first launch.
func DefaultSettings() Settings {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	return Settings{
		Host:           "0.0.0.0",
		Port:           8080,
		DataDir:        filepath.Join(homeDir, ".splat-pipeline"),
		AllowedOrigins: []string{"http://localhost:3000"},
		MaxLogTail:     500,
	}
}

// ApplyEnvOverrides overlays environment variables onto settings so
// deployments can point at specific tool builds without editing the file.
func ApplyEnvOverrides(s Settings) Settings {
	if v := strings.TrimSpace(os.Getenv("COLMAP_PATH")); v != "" {
		s.ColmapPath = v
	}
	if v := strings.TrimSpace(os.Getenv("GLOMAP_PATH")); v != "" {
		s.GlomapPath = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENSPLAT_PATH")); v != "" {
		s.OpenSplatPath = v
	}
	if v := strings.TrimSpace(os.Getenv("FFMPEG_PATH")); v != "" {
		s.FFmpegPath = v
	}
	if v := strings.TrimSpace(os.Getenv("FFPROBE_PATH")); v != "" {
		s.FFprobePath = v
	}
	if v := strings.TrimSpace(os.Getenv("SPLAT_DATA_DIR")); v != "" {
		s.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("LIBTORCH_LIB_DIR")); v != "" {
		s.LibTorchLibDir = v
	}
	return s
}
