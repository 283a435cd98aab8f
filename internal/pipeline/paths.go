package pipeline

import (
	"os"
	"path/filepath"
	"strings"
)

// ProjectPaths is the on-disk layout for one project. COLMAP and the
// trainer both expect this shape: a project root with images/ and sparse/
// beside the feature database.
type ProjectPaths struct {
	Root           string
	Images         string
	Sparse         string
	Database       string
	Results        string
	TrainingImages string
}

func NewProjectPaths(uploadsDir, resultsDir, projectID string) ProjectPaths {
	root := filepath.Join(uploadsDir, projectID)
	return ProjectPaths{
		Root:           root,
		Images:         filepath.Join(root, "images"),
		Sparse:         filepath.Join(root, "sparse"),
		Database:       filepath.Join(root, "database.db"),
		Results:        filepath.Join(resultsDir, projectID),
		TrainingImages: filepath.Join(root, "training_images"),
	}
}

// Ensure creates the directories the pipeline writes into.
func (p ProjectPaths) Ensure() error {
	for _, dir := range []string{p.Root, p.Images, p.Sparse, p.Results} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".tiff": true,
}

var videoExtensions = map[string]bool{
	".mp4": true, ".avi": true, ".mov": true, ".mkv": true, ".webm": true, ".m4v": true,
}

// CountImages returns the number of image files directly under dir.
func CountImages(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && IsImageFile(entry.Name()) {
			count++
		}
	}
	return count
}

func IsImageFile(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

func IsVideoFile(name string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(name))]
}
