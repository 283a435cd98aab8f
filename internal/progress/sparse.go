package progress

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// glomapPhase is a named GLOMAP sub-stage with its checkpoint progress.
type glomapPhase struct {
	key     string
	label   string
	percent int
	re      *regexp.Regexp
}

// GLOMAP runs through fixed phases, each mapped to a checkpoint percentage
// of the sparse reconstruction stage.
var glomapPhases = []glomapPhase{
	{"preprocessing", "Preprocessing", 5, regexp.MustCompile(`running preprocessing`)},
	{"view_graph_calibration", "View Graph Calibration", 10, regexp.MustCompile(`running view graph calibration`)},
	{"relative_pose", "Relative Pose Estimation", 20, regexp.MustCompile(`running relative pose estimation|estimating relative pose`)},
	{"rotation_averaging", "Rotation Averaging", 35, regexp.MustCompile(`running rotation averaging`)},
	{"track_establishment", "Track Establishment", 50, regexp.MustCompile(`establishing tracks|track estimation`)},
	{"global_positioning", "Global Positioning", 65, regexp.MustCompile(`running global positioning`)},
	{"bundle_adjustment", "Bundle Adjustment", 85, regexp.MustCompile(`running bundle adjustment`)},
	{"retriangulation", "Retriangulation", 92, regexp.MustCompile(`running retriangulation`)},
	{"postprocessing", "Postprocessing", 98, regexp.MustCompile(`running postprocessing`)},
}

var (
	glomapRelPoseRe = regexp.MustCompile(`estimating relative pose[:\s]*(\d+)%`)
	glomapTracksRe  = regexp.MustCompile(`establishing tracks\s*(\d+)\s*/\s*(\d+)`)
	glomapBARe      = regexp.MustCompile(`global bundle adjustment iteration\s*(\d+)\s*/\s*(\d+)`)
	glomapPairsRe   = regexp.MustCompile(`loading image pair\s*(\d+)\s*/\s*(\d+)`)
)

// Glomap parses GLOMAP mapper output into sparse reconstruction progress:
// phase transitions land on fixed checkpoints and counter lines interpolate
// within their phase's range.
type Glomap struct {
	totalImages int
}

func NewGlomap(totalImages int) *Glomap {
	return &Glomap{totalImages: totalImages}
}

func (p *Glomap) Parse(line string) (Update, bool) {
	if p.totalImages == 0 {
		return Update{}, false
	}
	lower := strings.ToLower(line)

	// Counter lines are more specific than phase banners, so they go first:
	// "estimating relative pose: 40%" would otherwise re-trigger the
	// relative_pose phase checkpoint.
	if m := glomapRelPoseRe.FindStringSubmatch(lower); m != nil {
		pct, _ := strconv.Atoi(m[1])
		return Update{
			Percent: 10 + pct*10/100,
			Detail:  fmt.Sprintf("Relative Pose Estimation: %d%%", pct),
			Subtext: fmt.Sprintf("GLOMAP - %d images", p.totalImages),
		}, true
	}
	if m := glomapTracksRe.FindStringSubmatch(lower); m != nil {
		current, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		pct := ratioPercent(current, total)
		return Update{
			Percent: 50 + pct*15/100,
			Detail:  fmt.Sprintf("Track Establishment: %d/%d", current, total),
			Subtext: fmt.Sprintf("GLOMAP - %d%%", pct),
		}, true
	}
	if m := glomapBARe.FindStringSubmatch(lower); m != nil {
		current, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		pct := ratioPercent(current, total)
		return Update{
			Percent: 65 + pct*27/100,
			Detail:  fmt.Sprintf("Bundle Adjustment: Iteration %d/%d", current, total),
			Subtext: fmt.Sprintf("GLOMAP - %d%%", pct),
		}, true
	}
	if m := glomapPairsRe.FindStringSubmatch(lower); m != nil {
		current, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		pct := ratioPercent(current, total)
		progress := pct * 5 / 100
		if progress > 5 {
			progress = 5
		}
		return Update{
			Percent: progress,
			Detail:  fmt.Sprintf("Loading Image Pairs: %d/%d", current, total),
			Subtext: "GLOMAP - Preprocessing",
		}, true
	}

	for _, phase := range glomapPhases {
		if phase.re.MatchString(lower) {
			return Update{
				Percent: phase.percent,
				Detail:  phase.label,
				Subtext: fmt.Sprintf("GLOMAP - %d images", p.totalImages),
			}, true
		}
	}
	return Update{}, false
}

func ratioPercent(current, total int) int {
	if total < 1 {
		total = 1
	}
	pct := current * 100 / total
	if pct > 100 {
		pct = 100
	}
	return pct
}

var colmapMapperPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Registering image #(\d+)`),
	regexp.MustCompile(`(?i)Registered image #(\d+)`),
	regexp.MustCompile(`(?i)Processing image (\d+)/(\d+)`),
	regexp.MustCompile(`(?i)Reconstruction: (\d+)/(\d+)`),
	regexp.MustCompile(`(?i)Bundle adjustment: (\d+) images`),
	regexp.MustCompile(`(?i)Image #(\d+)`),
	regexp.MustCompile(`(?i)(\d+) images registered`),
	regexp.MustCompile(`(?i)Registering\s+(\d+)\s*/\s*(\d+)`),
}

// ColmapMapper parses incremental mapper output. Unary registration lines
// carry image IDs rather than counters, so each occurrence advances a
// registered-images count toward the known image total.
type ColmapMapper struct {
	totalImages int
	Registered  int
}

func NewColmapMapper(totalImages int) *ColmapMapper {
	return &ColmapMapper{totalImages: totalImages}
}

func (p *ColmapMapper) Parse(line string) (Update, bool) {
	if p.totalImages == 0 {
		return Update{}, false
	}
	for _, re := range colmapMapperPatterns {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		var current, total int
		if len(m) == 3 {
			current, _ = strconv.Atoi(m[1])
			total, _ = strconv.Atoi(m[2])
			if total != p.totalImages {
				total = p.totalImages
			}
			if current > total {
				current = total
			}
		} else {
			p.Registered++
			current = p.Registered
			if current > p.totalImages {
				current = p.totalImages
			}
			total = p.totalImages
		}
		return Update{
			Percent: current * 100 / total,
			Detail:  fmt.Sprintf("Images registered: %d/%d", current, total),
			Subtext: "COLMAP",
		}, true
	}
	return Update{}, false
}
