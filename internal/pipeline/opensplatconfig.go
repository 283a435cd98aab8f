package pipeline

import "splat-pipeline/internal/domain"

// trainingConfig holds gaussian splatting trainer parameters. Only flags
// the trainer CLI actually accepts are represented here.
type trainingConfig struct {
	Iterations           int
	DensifyGradThreshold float64
	RefineEvery          int
	WarmupLength         int
	SSIMWeight           float64
	ResetAlphaEvery      int // 0 means trainer default
}

// buildTrainingConfig derives trainer parameters from the quality mode and
// dataset size, applying explicit overrides in custom mode.
func buildTrainingConfig(cfg domain.ProcessingConfig, numImages int) trainingConfig {
	var out trainingConfig
	switch cfg.QualityMode {
	case domain.QualityFast:
		out = trainingConfig{
			Iterations:           500,
			DensifyGradThreshold: 0.0002,
			RefineEvery:          100,
			WarmupLength:         500,
			SSIMWeight:           0.2,
		}
	case domain.QualityUltra:
		out = trainingConfig{
			Iterations:           15000,
			DensifyGradThreshold: 0.0001,
			RefineEvery:          50,
			WarmupLength:         1000,
			SSIMWeight:           0.3,
			ResetAlphaEvery:      20,
		}
	default: // balanced, high, custom share the high-quality baseline
		out = trainingConfig{
			Iterations:           7000,
			DensifyGradThreshold: 0.00015,
			RefineEvery:          75,
			WarmupLength:         750,
			SSIMWeight:           0.25,
		}
	}

	// Large datasets need more iterations to converge; tiny ones overfit.
	if numImages > 500 {
		out.Iterations = out.Iterations * 12 / 10
	} else if numImages < 50 {
		out.Iterations = out.Iterations * 8 / 10
		if out.Iterations < 1000 {
			out.Iterations = 1000
		}
	}

	if cfg.QualityMode == domain.QualityCustom && cfg.Custom != nil {
		custom := cfg.Custom
		if custom.Iterations != nil {
			out.Iterations = *custom.Iterations
		}
		if custom.DensifyGradThreshold != nil {
			out.DensifyGradThreshold = *custom.DensifyGradThreshold
		}
		if custom.RefineEvery != nil {
			out.RefineEvery = *custom.RefineEvery
		}
		if custom.WarmupLength != nil {
			out.WarmupLength = *custom.WarmupLength
		}
		if custom.SSIMWeight != nil {
			out.SSIMWeight = *custom.SSIMWeight
		}
	}
	return out
}
