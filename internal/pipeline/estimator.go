package pipeline

import (
	"fmt"
	"math"
	"os/exec"
	"strings"
	"sync"

	"splat-pipeline/internal/domain"
)

type gpuFactors struct {
	colmap    float64
	opensplat float64
}

var gpuBenchmarks = map[string]gpuFactors{
	"RTX 4060": {1.0, 1.0},
	"RTX 4070": {0.8, 0.8},
	"RTX 4080": {0.6, 0.6},
	"RTX 4090": {0.5, 0.5},
	"RTX 3060": {1.3, 1.2},
	"RTX 3070": {1.1, 1.0},
	"RTX 3080": {0.9, 0.8},
	"RTX 3090": {0.7, 0.7},
}

// Baseline stage durations in seconds for 50 images at balanced quality on
// an RTX 4060.
var baseStageSeconds = map[domain.StageKey]float64{
	domain.StageVideoExtraction:      30,
	domain.StageFeatureExtraction:    45,
	domain.StageFeatureMatching:      60,
	domain.StageSparseReconstruction: 30,
	domain.StageModelConversion:      5,
	domain.StageGaussianSplatting:    120,
}

var qualityTimeFactors = map[domain.QualityMode]float64{
	domain.QualityFast:     0.3,
	domain.QualityBalanced: 1.0,
	domain.QualityHigh:     2.5,
	domain.QualityUltra:    4.5,
}

// Estimate is an up-front wall-clock prediction for one run.
type Estimate struct {
	TotalSeconds float64
	StageSeconds map[domain.StageKey]float64
}

// Estimator predicts processing time from dataset size, quality mode and
// the detected GPU. The GPU probe is injectable and cached after first use.
type Estimator struct {
	queryGPU func() (string, error)

	once sync.Once
	gpu  string
}

func NewEstimator() *Estimator {
	return &Estimator{queryGPU: queryGPUName}
}

func queryGPUName() (string, error) {
	out, err := exec.Command("nvidia-smi", "--query-gpu=name", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// GPU returns the detected GPU model, normalized to a known benchmark
// entry. Unknown or missing GPUs fall back to the RTX 4060 baseline.
func (e *Estimator) GPU() string {
	e.once.Do(func() {
		e.gpu = "RTX 4060"
		name, err := e.queryGPU()
		if err != nil {
			return
		}
		for known := range gpuBenchmarks {
			if strings.Contains(name, known) {
				e.gpu = known
				return
			}
		}
	})
	return e.gpu
}

// Estimate predicts per-stage and total processing time.
func (e *Estimator) Estimate(numImages int, mode domain.QualityMode, numVideos int) Estimate {
	factors := gpuBenchmarks[e.GPU()]
	quality, ok := qualityTimeFactors[mode]
	if !ok {
		quality = 1.0
	}

	var imageFactor float64
	n := float64(numImages)
	switch {
	case numImages <= 50:
		imageFactor = n / 50
	case numImages <= 200:
		imageFactor = 1 + (n-50)/150*1.5
	case numImages <= 500:
		imageFactor = 2.5 + (n-200)/300
	default:
		imageFactor = 3.5 + math.Log10(n/500)*2
	}

	stages := map[domain.StageKey]float64{}
	if numVideos > 0 {
		stages[domain.StageVideoExtraction] = baseStageSeconds[domain.StageVideoExtraction] * float64(numVideos)
	}
	stages[domain.StageFeatureExtraction] = baseStageSeconds[domain.StageFeatureExtraction] * imageFactor * factors.colmap * quality
	stages[domain.StageFeatureMatching] = baseStageSeconds[domain.StageFeatureMatching] * imageFactor * factors.colmap * quality
	stages[domain.StageSparseReconstruction] = baseStageSeconds[domain.StageSparseReconstruction] * imageFactor * 0.8
	stages[domain.StageModelConversion] = baseStageSeconds[domain.StageModelConversion]

	trainBase := baseStageSeconds[domain.StageGaussianSplatting]
	switch mode {
	case domain.QualityUltra:
		trainBase *= 6
	case domain.QualityHigh:
		trainBase *= 3.5
	case domain.QualityFast:
		trainBase *= 0.25
	}
	stages[domain.StageGaussianSplatting] = trainBase * factors.opensplat

	var total float64
	for _, seconds := range stages {
		total += seconds
	}
	return Estimate{TotalSeconds: total, StageSeconds: stages}
}

// FormatDuration renders seconds as "45s", "3m 20s" or "1h 12m".
func FormatDuration(seconds float64) string {
	s := int(seconds)
	switch {
	case s < 60:
		return fmt.Sprintf("%ds", s)
	case s < 3600:
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	default:
		return fmt.Sprintf("%dh %dm", s/3600, (s%3600)/60)
	}
}
