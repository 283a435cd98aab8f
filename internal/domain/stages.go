package domain

// StageKey identifies one phase of the reconstruction pipeline.
type StageKey string

const (
	StageIngest               StageKey = "ingest"
	StageVideoExtraction      StageKey = "video_extraction"
	StageFeatureExtraction    StageKey = "feature_extraction"
	StageFeatureMatching      StageKey = "feature_matching"
	StageSparseReconstruction StageKey = "sparse_reconstruction"
	StageModelConversion      StageKey = "model_conversion"
	StageGaussianSplatting    StageKey = "gaussian_splatting"
	StageFinalizing           StageKey = "finalizing"
)

// StageDefinition couples a stage key with its display label and the fixed
// fraction of overall project progress it contributes.
type StageDefinition struct {
	Key    StageKey
	Label  string
	Weight float64
}

// PipelineStages is the fixed execution order. Weights sum to 1.0.
var PipelineStages = []StageDefinition{
	{Key: StageIngest, Label: "Processing Upload", Weight: 0.05},
	{Key: StageVideoExtraction, Label: "Video Frame Extraction", Weight: 0.10},
	{Key: StageFeatureExtraction, Label: "Feature Extraction", Weight: 0.15},
	{Key: StageFeatureMatching, Label: "Feature Matching", Weight: 0.10},
	{Key: StageSparseReconstruction, Label: "Sparse Reconstruction", Weight: 0.20},
	{Key: StageModelConversion, Label: "Model Conversion", Weight: 0.05},
	{Key: StageGaussianSplatting, Label: "Gaussian Splatting", Weight: 0.30},
	{Key: StageFinalizing, Label: "Finalizing Model", Weight: 0.05},
}

// StageWeight returns the overall-progress weight for a stage key.
func StageWeight(key StageKey) float64 {
	for _, def := range PipelineStages {
		if def.Key == key {
			return def.Weight
		}
	}
	return 0
}

// StageIndex returns the position of key in the pipeline order, or -1.
func StageIndex(key StageKey) int {
	for i, def := range PipelineStages {
		if def.Key == key {
			return i
		}
	}
	return -1
}

// ValidStage reports whether key names a known pipeline stage.
func ValidStage(key StageKey) bool {
	return StageIndex(key) >= 0
}

// NewStageStates returns a fresh pending StageState per pipeline stage.
func NewStageStates() []StageState {
	states := make([]StageState, 0, len(PipelineStages))
	for _, def := range PipelineStages {
		states = append(states, StageState{
			Key:    def.Key,
			Label:  def.Label,
			Status: StageStatusPending,
		})
	}
	return states
}

// OverallProgress computes the weighted project percentage from stage states.
func OverallProgress(stages []StageState) int {
	total := 0.0
	for _, state := range stages {
		total += StageWeight(state.Key) * float64(state.Progress) / 100
	}
	return int(total*100 + 0.5)
}
