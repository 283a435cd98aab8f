package pipeline

import (
	"strconv"

	"splat-pipeline/internal/domain"
)

// colmapConfig holds tool parameters for the feature extraction, matching
// and mapping stages, derived from quality mode and dataset size.
type colmapConfig struct {
	// Feature extraction
	MaxImageSize   int
	MaxNumFeatures int
	FirstOctave    int
	NumOctaves     int

	// SIFT tuning
	PeakThreshold      float64
	EdgeThreshold      int
	MaxNumOrientations int

	// Matching
	MatcherType   string // "exhaustive" or "sequential"
	MaxNumMatches int
	MatcherParams [][2]string

	// Mapper
	MinNumMatches int
	MinModelSize  int
	MaxNumModels  int
	InitNumTrials int
	MaxExtraParam int
}

type qualityScale struct {
	size     float64
	features float64
	matches  float64
	octaves  int
}

var qualityScales = map[domain.QualityMode]qualityScale{
	domain.QualityFast:     {0.6, 0.5, 0.5, -1},
	domain.QualityBalanced: {1.0, 1.0, 2.5, 0},
	domain.QualityHigh:     {1.0, 1.0, 3.0, 0},
	domain.QualityUltra:    {1.2, 1.2, 3.5, 0},
	domain.QualityCustom:   {1.0, 1.0, 3.0, 0},
}

type mapperScale struct {
	matches float64
	trials  float64
	models  float64
}

var mapperScales = map[domain.QualityMode]mapperScale{
	domain.QualityFast:     {1.0, 0.5, 0.5},
	domain.QualityBalanced: {0.8, 1.5, 2.0},
	domain.QualityHigh:     {0.8, 1.5, 2.0},
	domain.QualityUltra:    {0.7, 2.0, 3.0},
	domain.QualityCustom:   {0.8, 1.5, 2.0},
}

// maxSafeMatches caps FeatureMatching.max_num_matches: GPU matchers run out
// of memory above this on high-feature images.
const maxSafeMatches = 45960

// buildColmapConfig derives COLMAP parameters from the quality mode, the
// dataset size and any explicit overrides.
func buildColmapConfig(numImages int, cfg domain.ProcessingConfig) colmapConfig {
	mode := cfg.QualityMode
	scale, ok := qualityScales[mode]
	if !ok {
		scale = qualityScales[domain.QualityBalanced]
	}

	out := colmapConfig{
		MaxImageSize:   int(4160 * scale.size),
		MaxNumFeatures: int(32768 * scale.features),
		NumOctaves:     4,
	}
	if mode == domain.QualityUltra {
		out.NumOctaves = 5
	}
	if mode == domain.QualityHigh || mode == domain.QualityUltra {
		out.FirstOctave = -1
	} else {
		out.FirstOctave = scale.octaves
	}

	custom := cfg.Custom
	if custom != nil {
		if custom.MaxNumFeatures != nil {
			out.MaxNumFeatures = *custom.MaxNumFeatures
		}
		if custom.MaxImageSize != nil {
			out.MaxImageSize = *custom.MaxImageSize
		}
	}

	switch mode {
	case domain.QualityUltra:
		out.PeakThreshold, out.EdgeThreshold, out.MaxNumOrientations = 0.008, 15, 3
	case domain.QualityHigh:
		out.PeakThreshold, out.EdgeThreshold, out.MaxNumOrientations = 0.01, 15, 2
	case domain.QualityBalanced:
		out.PeakThreshold, out.EdgeThreshold, out.MaxNumOrientations = 0.01, 15, 2
	case domain.QualityCustom:
		out.PeakThreshold, out.EdgeThreshold, out.MaxNumOrientations = 0.01, 15, 2
		if custom != nil {
			if custom.PeakThreshold != nil {
				out.PeakThreshold = *custom.PeakThreshold
			}
			if custom.EdgeThreshold != nil {
				out.EdgeThreshold = *custom.EdgeThreshold
			}
		}
	}

	out.MaxNumMatches = int(45960 * scale.matches)
	if custom != nil && custom.MaxNumMatches != nil {
		out.MaxNumMatches = *custom.MaxNumMatches
	}
	if out.MaxNumMatches > 65536 {
		out.MaxNumMatches = maxSafeMatches
	}

	out.MatcherType, out.MatcherParams = matcherStrategy(numImages, mode)
	if mode == domain.QualityUltra || out.MatcherType == "exhaustive" {
		if out.MaxNumMatches > maxSafeMatches {
			out.MaxNumMatches = maxSafeMatches
		}
	}
	if custom != nil && custom.SequentialOverlap != nil && out.MatcherType == "sequential" {
		setMatcherParam(&out.MatcherParams, "SequentialMatching.overlap", strconv.Itoa(*custom.SequentialOverlap))
	}

	applyMapperConfig(&out, numImages, mode, custom)
	return out
}

// matcherStrategy picks exhaustive matching for small datasets and
// sequential matching with size-dependent overlap for larger ones.
func matcherStrategy(numImages int, mode domain.QualityMode) (string, [][2]string) {
	if mode == domain.QualityUltra && numImages <= 200 {
		return "exhaustive", nil
	}
	if numImages <= 50 {
		return "exhaustive", nil
	}

	highQuality := mode == domain.QualityHigh || mode == domain.QualityUltra
	var overlap int
	quadratic := "1"
	loopDetection := true
	switch {
	case numImages <= 150:
		if highQuality {
			overlap = 25
		} else {
			overlap = 20
		}
	case numImages <= 400:
		if highQuality {
			overlap = 18
		} else {
			overlap = 12
		}
	case numImages <= 1000:
		if highQuality {
			overlap = 15
		} else {
			overlap = 12
		}
	default:
		if highQuality {
			overlap = 8
		} else {
			overlap = 5
		}
		quadratic = "0"
		loopDetection = false
	}

	params := [][2]string{
		{"SequentialMatching.overlap", strconv.Itoa(overlap)},
		{"SequentialMatching.quadratic_overlap", quadratic},
	}
	if loopDetection {
		params = append(params, [2]string{"SequentialMatching.loop_detection", "1"})
	}
	return "sequential", params
}

func applyMapperConfig(out *colmapConfig, numImages int, mode domain.QualityMode, custom *domain.CustomParams) {
	var baseMinMatches, baseMinModelSize, baseMaxModels, baseInitTrials, maxExtraParam int
	switch {
	case numImages <= 100:
		baseMinMatches, baseMinModelSize, baseMaxModels, baseInitTrials, maxExtraParam = 8, 3, 50, 200, 1
	case numImages <= 300:
		baseMinMatches, baseMinModelSize, baseMaxModels, baseInitTrials = 20, 15, 20, 150
		if mode == domain.QualityHigh || mode == domain.QualityUltra {
			maxExtraParam = 1
		}
	case numImages <= 1000:
		baseMinMatches, baseMinModelSize, baseMaxModels, baseInitTrials, maxExtraParam = 12, 8, 15, 150, 1
	default:
		baseMinMatches, baseMinModelSize, baseMaxModels, baseInitTrials, maxExtraParam = 30, 25, 10, 100, 0
	}

	ms, ok := mapperScales[mode]
	if !ok {
		ms = mapperScales[domain.QualityBalanced]
	}

	out.MinNumMatches = int(float64(baseMinMatches) * ms.matches)
	if out.MinNumMatches < 6 {
		out.MinNumMatches = 6
	}
	out.MinModelSize = baseMinModelSize
	out.MaxNumModels = int(float64(baseMaxModels) * ms.models)
	out.InitNumTrials = int(float64(baseInitTrials) * ms.trials)
	out.MaxExtraParam = maxExtraParam

	if custom != nil && mode == domain.QualityCustom {
		if custom.MinNumMatches != nil {
			out.MinNumMatches = *custom.MinNumMatches
		}
		if custom.MaxNumModels != nil {
			out.MaxNumModels = *custom.MaxNumModels
		}
		if custom.InitNumTrials != nil {
			out.InitNumTrials = *custom.InitNumTrials
		}
	}
}

func setMatcherParam(params *[][2]string, key, value string) {
	for i := range *params {
		if (*params)[i][0] == key {
			(*params)[i][1] = value
			return
		}
	}
	*params = append(*params, [2]string{key, value})
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
