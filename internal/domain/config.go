package domain

import "fmt"

// QualityMode selects a predefined processing quality profile.
type QualityMode string

const (
	QualityFast     QualityMode = "fast"
	QualityBalanced QualityMode = "balanced"
	QualityHigh     QualityMode = "high"
	QualityUltra    QualityMode = "ultra"
	QualityCustom   QualityMode = "custom"
)

// SfMEngine selects the sparse reconstruction solver.
type SfMEngine string

const (
	SfMEngineGlomap SfMEngine = "glomap"
	SfMEngineColmap SfMEngine = "colmap"
)

// ExtractionMode controls how frames are pulled out of input videos.
type ExtractionMode string

const (
	ExtractionModeFrames ExtractionMode = "frames"
	ExtractionModeFPS    ExtractionMode = "fps"
)

// CustomParams holds explicit per-run overrides for custom quality mode and
// retries with adjusted settings. Nil fields mean "use the profile default".
type CustomParams struct {
	// Feature extraction
	MaxNumFeatures *int     `json:"maxNumFeatures,omitempty"`
	MaxImageSize   *int     `json:"maxImageSize,omitempty"`
	PeakThreshold  *float64 `json:"peakThreshold,omitempty"`
	EdgeThreshold  *int     `json:"edgeThreshold,omitempty"`

	// Feature matching
	MaxNumMatches     *int `json:"maxNumMatches,omitempty"`
	SequentialOverlap *int `json:"sequentialOverlap,omitempty"`

	// Sparse reconstruction
	MinNumMatches *int `json:"minNumMatches,omitempty"`
	MaxNumModels  *int `json:"maxNumModels,omitempty"`
	InitNumTrials *int `json:"initNumTrials,omitempty"`

	// Training
	Iterations           *int     `json:"iterations,omitempty"`
	DensifyGradThreshold *float64 `json:"densifyGradThreshold,omitempty"`
	RefineEvery          *int     `json:"refineEvery,omitempty"`
	WarmupLength         *int     `json:"warmupLength,omitempty"`
	SSIMWeight           *float64 `json:"ssimWeight,omitempty"`
}

// ProcessingConfig is the validated, immutable (until retry) set of
// parameters for one project run. The scheduler never interprets these
// beyond passing them into tool invocations.
type ProcessingConfig struct {
	QualityMode QualityMode `json:"qualityMode"`
	CameraModel string      `json:"cameraModel"`
	SfMEngine   SfMEngine   `json:"sfmEngine"`

	ExtractionMode ExtractionMode `json:"extractionMode"`
	MaxFrames      int            `json:"maxFrames"`
	TargetFPS      float64        `json:"targetFps"`
	Resolution     string         `json:"resolution"`

	UseGPUExtraction bool `json:"useGpuExtraction"`
	CropSize         int  `json:"cropSize,omitempty"`

	Custom *CustomParams `json:"custom,omitempty"`
}

// DefaultProcessingConfig returns the balanced-quality baseline.
func DefaultProcessingConfig() ProcessingConfig {
	return ProcessingConfig{
		QualityMode:      QualityBalanced,
		CameraModel:      "SIMPLE_RADIAL",
		SfMEngine:        SfMEngineGlomap,
		ExtractionMode:   ExtractionModeFrames,
		MaxFrames:        100,
		TargetFPS:        1.0,
		Resolution:       "2K",
		UseGPUExtraction: true,
	}
}

// Validate checks the configuration once at submission time.
func (c *ProcessingConfig) Validate() error {
	switch c.QualityMode {
	case QualityFast, QualityBalanced, QualityHigh, QualityUltra, QualityCustom:
	default:
		return fmt.Errorf("unknown quality mode: %q", c.QualityMode)
	}

	switch c.SfMEngine {
	case SfMEngineGlomap, SfMEngineColmap:
	default:
		return fmt.Errorf("unknown sfm engine: %q", c.SfMEngine)
	}

	switch c.ExtractionMode {
	case ExtractionModeFrames:
		if c.MaxFrames <= 0 {
			return fmt.Errorf("max frames must be positive, got %d", c.MaxFrames)
		}
	case ExtractionModeFPS:
		if c.TargetFPS <= 0 {
			return fmt.Errorf("target fps must be positive, got %g", c.TargetFPS)
		}
	default:
		return fmt.Errorf("unknown extraction mode: %q", c.ExtractionMode)
	}

	if c.CameraModel == "" {
		return fmt.Errorf("camera model is required")
	}
	if c.Custom != nil {
		if c.Custom.Iterations != nil && *c.Custom.Iterations <= 0 {
			return fmt.Errorf("iterations must be positive")
		}
		if c.Custom.MaxNumFeatures != nil && *c.Custom.MaxNumFeatures <= 0 {
			return fmt.Errorf("max features must be positive")
		}
		if c.Custom.MaxNumMatches != nil && *c.Custom.MaxNumMatches <= 0 {
			return fmt.Errorf("max matches must be positive")
		}
	}
	return nil
}

// MergeOverrides applies non-nil override fields onto a copy of the config,
// used when a retry request supplies adjusted parameters.
func (c ProcessingConfig) MergeOverrides(overrides *CustomParams) ProcessingConfig {
	if overrides == nil {
		return c
	}

	merged := c
	var custom CustomParams
	if c.Custom != nil {
		custom = *c.Custom
	}

	if overrides.MaxNumFeatures != nil {
		custom.MaxNumFeatures = overrides.MaxNumFeatures
	}
	if overrides.MaxImageSize != nil {
		custom.MaxImageSize = overrides.MaxImageSize
	}
	if overrides.PeakThreshold != nil {
		custom.PeakThreshold = overrides.PeakThreshold
	}
	if overrides.EdgeThreshold != nil {
		custom.EdgeThreshold = overrides.EdgeThreshold
	}
	if overrides.MaxNumMatches != nil {
		custom.MaxNumMatches = overrides.MaxNumMatches
	}
	if overrides.SequentialOverlap != nil {
		custom.SequentialOverlap = overrides.SequentialOverlap
	}
	if overrides.MinNumMatches != nil {
		custom.MinNumMatches = overrides.MinNumMatches
	}
	if overrides.MaxNumModels != nil {
		custom.MaxNumModels = overrides.MaxNumModels
	}
	if overrides.InitNumTrials != nil {
		custom.InitNumTrials = overrides.InitNumTrials
	}
	if overrides.Iterations != nil {
		custom.Iterations = overrides.Iterations
	}
	if overrides.DensifyGradThreshold != nil {
		custom.DensifyGradThreshold = overrides.DensifyGradThreshold
	}
	if overrides.RefineEvery != nil {
		custom.RefineEvery = overrides.RefineEvery
	}
	if overrides.WarmupLength != nil {
		custom.WarmupLength = overrides.WarmupLength
	}
	if overrides.SSIMWeight != nil {
		custom.SSIMWeight = overrides.SSIMWeight
	}

	merged.Custom = &custom
	return merged
}
