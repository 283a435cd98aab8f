package diagnostics

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"splat-pipeline/internal/config"
	"splat-pipeline/internal/domain"
)

// Checker validates external reconstruction tools and required filesystem
// paths before the server starts accepting work.
type Checker struct {
	lookPath   func(string) (string, error)
	stat       func(string) (os.FileInfo, error)
	mkdirAll   func(string, os.FileMode) error
	createTemp func(string, string) (*os.File, error)
	remove     func(string) error
	toolOutput func(path string, args ...string) (string, error)
}

// NewChecker builds a checker using real OS dependencies.
func NewChecker() *Checker {
	return &Checker{
		lookPath:   exec.LookPath,
		stat:       os.Stat,
		mkdirAll:   os.MkdirAll,
		createTemp: os.CreateTemp,
		remove:     os.Remove,
		toolOutput: runToolOutput,
	}
}

func runToolOutput(path string, args ...string) (string, error) {
	out, err := exec.Command(path, args...).CombinedOutput()
	return string(out), err
}

// Run executes all startup checks and returns a combined report.
func (c *Checker) Run(settings config.Settings) domain.DiagnosticReport {
	return domain.NewDiagnosticReport([]domain.DiagnosticItem{
		c.checkTool("colmap", settings.ColmapPath, true),
		c.checkTool("glomap", settings.GlomapPath, false),
		c.checkTrainer(settings.OpenSplatPath),
		c.checkTool("ffmpeg", settings.FFmpegPath, true),
		c.checkTool("ffprobe", settings.FFprobePath, true),
		c.checkCUDA(settings.ColmapPath),
		c.checkDataDir(settings.DataDir),
	})
}

// checkTool verifies a CLI executable either at its configured path or on
// PATH. Optional tools report warn instead of fail, since the pipeline
// degrades gracefully without them.
func (c *Checker) checkTool(name, configuredPath string, required bool) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "tool_" + name,
		Name: name,
	}

	if configuredPath != "" {
		if _, err := c.stat(configuredPath); err == nil {
			item.Status = domain.DiagnosticStatusPass
			item.Message = fmt.Sprintf("Found at %s", configuredPath)
			return item
		}
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Configured path does not exist: %s", configuredPath)
		item.Hint = fmt.Sprintf("Fix the %s path in settings or clear it to use PATH lookup.", name)
		if !required {
			item.Status = domain.DiagnosticStatusWarn
			item.Hint = fmt.Sprintf("Fix the %s path in settings; COLMAP will be used instead.", name)
		}
		return item
	}

	path, err := c.lookPath(name)
	if err != nil {
		if !required {
			item.Status = domain.DiagnosticStatusWarn
			item.Message = fmt.Sprintf("Not found; %s features are disabled", name)
			return item
		}
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Tool not found in PATH: %s", name)
		item.Hint = "Install it and ensure the binary is available on PATH before starting a project."
		return item
	}

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Found at %s", path)
	return item
}

// checkTrainer validates the gaussian splatting trainer, which may be
// configured as the binary itself or its install directory.
func (c *Checker) checkTrainer(trainerPath string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "tool_opensplat",
		Name: "opensplat",
	}

	if strings.TrimSpace(trainerPath) == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = "Trainer path is empty."
		item.Hint = "Set the path to the opensplat binary or its install directory."
		return item
	}

	info, err := c.stat(trainerPath)
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		if errors.Is(err, os.ErrNotExist) {
			item.Message = fmt.Sprintf("Trainer path does not exist: %s", trainerPath)
		} else {
			item.Message = fmt.Sprintf("Cannot access trainer path: %s", trainerPath)
		}
		item.Hint = "Build OpenSplat and configure its path in settings."
		return item
	}

	if info.IsDir() {
		binary := filepath.Join(trainerPath, "opensplat")
		if _, err := c.stat(binary); err != nil {
			item.Status = domain.DiagnosticStatusFail
			item.Message = fmt.Sprintf("No opensplat binary in directory: %s", trainerPath)
			item.Hint = "Point the trainer path at the built opensplat binary."
			return item
		}
		item.Status = domain.DiagnosticStatusPass
		item.Message = fmt.Sprintf("Trainer found: %s", binary)
		return item
	}

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Trainer found: %s", trainerPath)
	return item
}

// checkCUDA probes COLMAP for GPU support. CPU-only installs warn,
// reconstruction just runs slower.
func (c *Checker) checkCUDA(colmapPath string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "cuda",
		Name: "CUDA acceleration",
	}

	if colmapPath == "" {
		colmapPath = "colmap"
	}
	out, err := c.toolOutput(colmapPath, "-h")
	if err != nil && out == "" {
		item.Status = domain.DiagnosticStatusPass
		item.Message = "Could not probe COLMAP for CUDA support"
		return item
	}

	if strings.Contains(out, "with CUDA") {
		item.Status = domain.DiagnosticStatusPass
		item.Message = "COLMAP built with CUDA support"
		return item
	}

	item.Status = domain.DiagnosticStatusWarn
	item.Message = "COLMAP running in CPU-only mode"
	item.Hint = "Install a CUDA-enabled COLMAP build for faster feature extraction and matching."
	return item
}

// checkDataDir validates data directory existence and write access.
func (c *Checker) checkDataDir(dataDir string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "data_dir",
		Name: "Data directory",
	}

	if strings.TrimSpace(dataDir) == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = "Data directory is empty."
		item.Hint = "Set a data directory where uploads and results can be written."
		return item
	}

	if err := c.mkdirAll(dataDir, 0o755); err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Cannot create data directory: %s", dataDir)
		item.Hint = "Choose a writable location or adjust filesystem permissions."
		return item
	}

	tmpFile, err := c.createTemp(dataDir, ".write-check-*")
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Data directory is not writable: %s", dataDir)
		item.Hint = "Choose a writable directory for uploads and results."
		return item
	}

	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	_ = c.remove(tmpPath)

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Writable directory: %s", dataDir)
	return item
}

// NewCheckerForTests creates checker with injectable dependencies.
func NewCheckerForTests(
	lookPath func(string) (string, error),
	stat func(string) (os.FileInfo, error),
	mkdirAll func(string, os.FileMode) error,
	createTemp func(string, string) (*os.File, error),
	remove func(string) error,
	toolOutput func(path string, args ...string) (string, error),
) *Checker {
	return &Checker{
		lookPath:   lookPath,
		stat:       stat,
		mkdirAll:   mkdirAll,
		createTemp: createTemp,
		remove:     remove,
		toolOutput: toolOutput,
	}
}
