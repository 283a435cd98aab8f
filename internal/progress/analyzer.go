package progress

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	statsCamerasRe    = regexp.MustCompile(`Cameras:\s*(\d+)`)
	statsImagesRe     = regexp.MustCompile(`Images:\s*(\d+)`)
	statsRegisteredRe = regexp.MustCompile(`Registered images:\s*(\d+)`)
	statsPointsRe     = regexp.MustCompile(`Points:\s*(\d+)`)
)

// ModelStats are the counters reported by `colmap model_analyzer` for one
// sparse model. Missing fields stay zero.
type ModelStats struct {
	Cameras          int
	Images           int
	RegisteredImages int
	Points           int
}

// ParseModelStats scans analyzer output for the model counters.
func ParseModelStats(output string) ModelStats {
	var stats ModelStats
	for _, line := range strings.Split(output, "\n") {
		if m := statsCamerasRe.FindStringSubmatch(line); m != nil {
			stats.Cameras, _ = strconv.Atoi(m[1])
			continue
		}
		if m := statsRegisteredRe.FindStringSubmatch(line); m != nil {
			stats.RegisteredImages, _ = strconv.Atoi(m[1])
			continue
		}
		if m := statsImagesRe.FindStringSubmatch(line); m != nil {
			stats.Images, _ = strconv.Atoi(m[1])
			continue
		}
		if m := statsPointsRe.FindStringSubmatch(line); m != nil {
			stats.Points, _ = strconv.Atoi(m[1])
		}
	}
	return stats
}

// Better reports whether a beats b: highest camera count wins, then
// registered images, then points, then total images.
func (a ModelStats) Better(b ModelStats) bool {
	if a.Cameras != b.Cameras {
		return a.Cameras > b.Cameras
	}
	if a.RegisteredImages != b.RegisteredImages {
		return a.RegisteredImages > b.RegisteredImages
	}
	if a.Points != b.Points {
		return a.Points > b.Points
	}
	return a.Images > b.Images
}
