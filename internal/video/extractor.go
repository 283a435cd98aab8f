// Package video extracts still frames from input videos with ffmpeg.
package video

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"splat-pipeline/internal/progress"
)

// CommandRunner executes an external tool and streams its output lines.
type CommandRunner interface {
	Run(projectID string, argv []string, cwd string, onLine func(string)) error
}

// resolutionPreset caps extracted frame dimensions. Frames smaller than the
// preset are left at source resolution.
type resolutionPreset struct {
	width       int
	height      int
	jpegQuality int
}

var resolutionPresets = map[string]resolutionPreset{
	"720p":  {1280, 720, 85},
	"1080p": {1920, 1080, 90},
	"2K":    {2560, 1440, 92},
	"4K":    {3840, 2160, 95},
	"8K":    {7680, 4320, 98},
}

// Info is the subset of ffprobe output the extractor needs.
type Info struct {
	Duration    float64
	FPS         float64
	TotalFrames int
	Width       int
	Height      int
}

// Options selects the extraction mode for one video.
type Options struct {
	Mode       string // "frames" or "fps"
	MaxFrames  int
	TargetFPS  float64
	Resolution string
}

// Extractor pulls frames out of videos via ffmpeg, reporting a frame counter
// as extraction runs. All subprocesses go through the shared runner so they
// are cancellable and logged like every other stage tool.
type Extractor struct {
	runner      CommandRunner
	ffmpegPath  string
	ffprobePath string
}

func NewExtractor(runner CommandRunner, ffmpegPath, ffprobePath string) *Extractor {
	// Unconfigured paths fall back to the bare tool names so a PATH install
	// works without any settings file.
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Extractor{runner: runner, ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

// Probe reads duration, frame rate and dimensions from the first video
// stream. nb_frames is absent for some containers, so it falls back to
// duration times frame rate.
func (e *Extractor) Probe(projectID, videoPath string) (Info, error) {
	argv := []string{
		e.ffprobePath, "-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,nb_frames,duration",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1",
		videoPath,
	}

	values := map[string]string{}
	err := e.runner.Run(projectID, argv, "", func(line string) {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || value == "N/A" {
			return
		}
		if _, seen := values[key]; !seen {
			values[key] = value
		}
	})
	if err != nil {
		return Info{}, fmt.Errorf("probe %s: %w", filepath.Base(videoPath), err)
	}

	var info Info
	info.Width, _ = strconv.Atoi(values["width"])
	info.Height, _ = strconv.Atoi(values["height"])
	info.Duration, _ = strconv.ParseFloat(values["duration"], 64)
	info.FPS = parseFrameRate(values["r_frame_rate"])
	info.TotalFrames, _ = strconv.Atoi(values["nb_frames"])
	if info.TotalFrames == 0 && info.FPS > 0 {
		info.TotalFrames = int(info.Duration * info.FPS)
	}
	if info.TotalFrames == 0 {
		return Info{}, fmt.Errorf("probe %s: no frames detected", filepath.Base(videoPath))
	}
	return info, nil
}

// parseFrameRate handles both "30/1" and "29.97" notations.
func parseFrameRate(s string) float64 {
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0
		}
		return n / d
	}
	fps, _ := strconv.ParseFloat(s, 64)
	return fps
}

// Extract writes frames from videoPath into outputDir as sequential JPEGs
// starting at startIndex. onProgress receives (framesDone, expectedTotal).
// Returns the number of frames written.
func (e *Extractor) Extract(projectID, videoPath, outputDir string, opts Options, startIndex int, onProgress func(current, total int)) (int, error) {
	info, err := e.Probe(projectID, videoPath)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return 0, fmt.Errorf("create frames dir: %w", err)
	}

	var filters []string
	var expected int
	if opts.Mode == "fps" {
		target := opts.TargetFPS
		if target <= 0 {
			target = 1.0
		}
		expected = int(info.Duration * target)
		filters = append(filters, fmt.Sprintf("fps=%g", target))
	} else {
		maxFrames := opts.MaxFrames
		if maxFrames <= 0 {
			maxFrames = 100
		}
		expected = maxFrames
		if expected > info.TotalFrames {
			expected = info.TotalFrames
		}
		if info.TotalFrames > maxFrames {
			interval := info.TotalFrames / maxFrames
			filters = append(filters, fmt.Sprintf(`select=not(mod(n\,%d))`, interval))
		}
	}
	if expected < 1 {
		expected = 1
	}

	jpegQuality := 95
	if preset, ok := resolutionPresets[opts.Resolution]; ok {
		jpegQuality = preset.jpegQuality
		if info.Width > preset.width || info.Height > preset.height {
			filters = append(filters, fmt.Sprintf(
				"scale=%d:%d:force_original_aspect_ratio=decrease:force_divisible_by=2",
				preset.width, preset.height))
		}
	}

	// ffmpeg qscale:v runs 2 (best) to 5 for usable JPEG output.
	qscale := 6 - jpegQuality*4/100
	if qscale < 2 {
		qscale = 2
	}
	if qscale > 5 {
		qscale = 5
	}

	argv := []string{e.ffmpegPath, "-y", "-i", videoPath}
	if len(filters) > 0 {
		argv = append(argv, "-vf", strings.Join(filters, ","))
	}
	argv = append(argv,
		"-vsync", "vfr",
		"-qscale:v", strconv.Itoa(qscale),
		"-start_number", strconv.Itoa(startIndex),
		filepath.Join(outputDir, "frame_%06d.jpg"),
	)

	err = e.runner.Run(projectID, argv, "", func(line string) {
		if n, ok := progress.ParseFFmpegFrame(line); ok && onProgress != nil {
			onProgress(n, expected)
		}
	})
	if err != nil {
		return 0, fmt.Errorf("extract %s: %w", filepath.Base(videoPath), err)
	}

	written, err := e.trimToLimit(outputDir, startIndex, opts)
	if err != nil {
		return 0, err
	}
	if onProgress != nil {
		onProgress(written, expected)
	}
	return written, nil
}

// trimToLimit enforces the frame budget in frames mode. The select filter
// interval rounds down, so ffmpeg can overshoot the budget by a few frames;
// extras are dropped evenly and the survivors renumbered sequentially.
func (e *Extractor) trimToLimit(outputDir string, startIndex int, opts Options) (int, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return 0, fmt.Errorf("read frames dir: %w", err)
	}

	var frames []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasPrefix(name, "frame_") && strings.HasSuffix(name, ".jpg") {
			if frameNumber(name) >= startIndex {
				frames = append(frames, name)
			}
		}
	}
	sort.Strings(frames)

	if opts.Mode == "fps" || opts.MaxFrames <= 0 || len(frames) <= opts.MaxFrames {
		return len(frames), nil
	}

	step := float64(len(frames)) / float64(opts.MaxFrames)
	keep := make(map[string]bool, opts.MaxFrames)
	var kept []string
	for i := 0; i < opts.MaxFrames; i++ {
		name := frames[int(float64(i)*step)]
		if !keep[name] {
			keep[name] = true
			kept = append(kept, name)
		}
	}
	for _, name := range frames {
		if !keep[name] {
			if err := os.Remove(filepath.Join(outputDir, name)); err != nil {
				return 0, fmt.Errorf("trim frame %s: %w", name, err)
			}
		}
	}

	// Renumber to a contiguous sequence so downstream indexing stays dense.
	for i, name := range kept {
		target := fmt.Sprintf("frame_%06d.jpg", startIndex+i)
		if name == target {
			continue
		}
		if err := os.Rename(filepath.Join(outputDir, name), filepath.Join(outputDir, target)); err != nil {
			return 0, fmt.Errorf("renumber frame %s: %w", name, err)
		}
	}
	return len(kept), nil
}

func frameNumber(name string) int {
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "frame_"), ".jpg"))
	if err != nil {
		return -1
	}
	return n
}
