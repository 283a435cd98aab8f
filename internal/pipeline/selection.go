package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"splat-pipeline/internal/progress"
)

// modelAnalyzer returns the stats for one sparse model directory,
// normally by running `colmap model_analyzer` and parsing its output.
type modelAnalyzer func(modelDir string) (progress.ModelStats, error)

type scoredModel struct {
	name  string
	stats progress.ModelStats
}

// hasModelFiles reports whether dir looks like a COLMAP model.
func hasModelFiles(dir string) bool {
	for _, name := range []string{"cameras.bin", "cameras.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// selectBestModel scores every sparse model under sparseDir, keeps the best
// one as "0" and removes the rest. Renaming goes through temporary names
// first so a model already called "0" cannot collide with the winner.
// Returns the path of the selected model, or "" when no valid model exists.
func selectBestModel(sparseDir string, analyze modelAnalyzer, logf func(format string, args ...any)) (string, error) {
	entries, err := os.ReadDir(sparseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read sparse dir: %w", err)
	}

	var models []scoredModel
	var skipped []string
	best := -1
	for _, entry := range entries {
		if !entry.IsDir() || !hasModelFiles(filepath.Join(sparseDir, entry.Name())) {
			continue
		}
		stats, err := analyze(filepath.Join(sparseDir, entry.Name()))
		if err != nil {
			logf("Failed to analyze model %s: %v", entry.Name(), err)
			skipped = append(skipped, entry.Name())
			continue
		}
		logf("Model %s: cameras=%d, registered=%d, images=%d, points=%d",
			entry.Name(), stats.Cameras, stats.RegisteredImages, stats.Images, stats.Points)
		models = append(models, scoredModel{name: entry.Name(), stats: stats})
		if best < 0 || stats.Better(models[best].stats) {
			best = len(models) - 1
		}
	}
	if best < 0 {
		return "", nil
	}
	logf("Selected best reconstruction: %s", models[best].name)

	// Unanalyzable models would collide with the winner's target name.
	for _, name := range skipped {
		if err := os.RemoveAll(filepath.Join(sparseDir, name)); err != nil {
			return "", fmt.Errorf("remove unanalyzable model %s: %w", name, err)
		}
		logf("Removed unanalyzable model: %s", name)
	}

	// Phase 1: everything to temporary names. COLMAP names models with bare
	// digits, so a dotted prefix cannot collide with any of them.
	tempNames := make([]string, len(models))
	for i, model := range models {
		tempName := fmt.Sprintf(".select_%d", i)
		if err := os.Rename(filepath.Join(sparseDir, model.name), filepath.Join(sparseDir, tempName)); err != nil {
			return "", fmt.Errorf("rename model %s: %w", model.name, err)
		}
		tempNames[i] = tempName
	}

	// Phase 2: winner becomes "0", losers are deleted.
	target := filepath.Join(sparseDir, "0")
	if err := os.Rename(filepath.Join(sparseDir, tempNames[best]), target); err != nil {
		return "", fmt.Errorf("rename best model: %w", err)
	}
	for i, tempName := range tempNames {
		if i == best {
			continue
		}
		if err := os.RemoveAll(filepath.Join(sparseDir, tempName)); err != nil {
			logf("Failed to remove inferior model %s: %v", models[i].name, err)
			continue
		}
		logf("Removed inferior model: %s (cameras=%d, registered=%d)",
			models[i].name, models[i].stats.Cameras, models[i].stats.RegisteredImages)
	}
	return target, nil
}
