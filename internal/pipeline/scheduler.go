// Package pipeline orchestrates the reconstruction stages: it sequences
// the external tools per project, tracks stage progress through the
// project store, and owns retry, cancellation and failure semantics.
package pipeline

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"splat-pipeline/internal/config"
	"splat-pipeline/internal/domain"
	"splat-pipeline/internal/logger"
	"splat-pipeline/internal/procs"
	"splat-pipeline/internal/progress"
	"splat-pipeline/internal/projects"
	"splat-pipeline/internal/video"
)

// minImages is the smallest dataset COLMAP can reconstruct usefully.
const minImages = 10

// cancelGrace is how long a terminated process gets before being killed.
const cancelGrace = 5 * time.Second

// CommandRunner executes an external tool and streams its output lines.
type CommandRunner interface {
	Run(projectID string, argv []string, cwd string, onLine func(string)) error
}

// FrameExtractor pulls frames out of a video file.
type FrameExtractor interface {
	Extract(projectID, videoPath, outputDir string, opts video.Options, startIndex int, onProgress func(current, total int)) (int, error)
}

// Scheduler runs one pipeline goroutine per submitted project. Stage
// execution within a project is strictly sequential; different projects
// run concurrently.
type Scheduler struct {
	store     *projects.Store
	registry  *procs.Registry
	runner    CommandRunner
	extractor FrameExtractor
	estimator *Estimator
	settings  config.Settings
	log       *logger.Logger

	// analyze, cudaProbe and lookPath are swappable in tests.
	analyze   func(projectID, modelDir string) (progress.ModelStats, error)
	cudaProbe func(colmapPath string) bool
	lookPath  func(file string) (string, error)

	cudaOnce sync.Once
	cuda     bool

	wg sync.WaitGroup
}

func NewScheduler(store *projects.Store, registry *procs.Registry, runner CommandRunner, extractor FrameExtractor, settings config.Settings, log *logger.Logger) *Scheduler {
	s := &Scheduler{
		store:     store,
		registry:  registry,
		runner:    runner,
		extractor: extractor,
		estimator: NewEstimator(),
		settings:  settings,
		log:       log.With("component", "scheduler"),
	}
	s.analyze = s.analyzeModel
	s.cudaProbe = probeCUDA
	s.lookPath = exec.LookPath
	return s
}

// Submit starts the full pipeline for a queued project.
func (s *Scheduler) Submit(projectID string) error {
	return s.start(projectID, domain.StageIngest, nil)
}

// Retry reruns a project from the given stage. Stages before it keep their
// completed state and outputs; the target stage and everything after are
// reset to pending. Overrides, when present, are merged into the stored
// config before the run.
func (s *Scheduler) Retry(projectID string, fromStage domain.StageKey, overrides *domain.CustomParams) error {
	if !domain.ValidStage(fromStage) {
		return fmt.Errorf("unknown stage: %q", fromStage)
	}
	return s.start(projectID, fromStage, overrides)
}

func (s *Scheduler) start(projectID string, fromStage domain.StageKey, overrides *domain.CustomParams) error {
	fromIdx := domain.StageIndex(fromStage)

	// The already-processing check and the transition happen inside one
	// store lock so two concurrent submissions cannot both spawn a run.
	alreadyProcessing := false
	err := s.store.Mutate(projectID, func(p *domain.Project) {
		if p.Status == domain.ProjectStatusProcessing {
			alreadyProcessing = true
			return
		}
		p.Status = domain.ProjectStatusProcessing
		p.Error = ""
		p.EndTime = nil
		if overrides != nil {
			p.Config = p.Config.MergeOverrides(overrides)
		}
		for i := range p.Stages {
			if domain.StageIndex(p.Stages[i].Key) < fromIdx {
				continue
			}
			p.Stages[i].Status = domain.StageStatusPending
			p.Stages[i].Progress = 0
			p.Stages[i].Detail = ""
			p.Stages[i].Subtext = ""
			p.Stages[i].StartedAt = nil
			p.Stages[i].CompletedAt = nil
		}
		p.Progress = domain.OverallProgress(p.Stages)
	})
	if err != nil {
		return err
	}
	if alreadyProcessing {
		return fmt.Errorf("project %s is already processing", projectID)
	}

	s.wg.Add(1)
	go s.run(projectID, fromStage)
	return nil
}

// Cancel terminates the project's active subprocess and marks the project
// cancelled. Returns false when nothing was running to cancel.
func (s *Scheduler) Cancel(projectID string) (bool, error) {
	project, err := s.store.Get(projectID)
	if err != nil {
		return false, err
	}
	if project.Status != domain.ProjectStatusProcessing {
		return false, nil
	}

	// Record the cancellation before the process dies: the pipeline
	// goroutine observes the cancelled status and keeps it instead of
	// reporting the killed process as a failure.
	now := time.Now()
	_ = s.store.Mutate(projectID, func(p *domain.Project) {
		p.Status = domain.ProjectStatusCancelled
		p.EndTime = &now
		for i := range p.Stages {
			if p.Stages[i].Status == domain.StageStatusRunning {
				p.Stages[i].Status = domain.StageStatusCancelled
				p.Stages[i].CompletedAt = &now
			}
		}
	})
	s.store.AppendLog(projectID, "Processing cancelled by user")

	// No registered handle means the pipeline is between subprocesses; the
	// goroutine observes the cancelled status at the next stage boundary.
	if !s.registry.Cancel(projectID, cancelGrace) {
		s.log.Info("no active process to terminate", "projectID", projectID)
	}
	return true, nil
}

// Wait blocks until all running pipelines have finished. Used on shutdown.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(projectID string, fromStage domain.StageKey) {
	defer s.wg.Done()
	if err := s.execute(projectID, fromStage); err != nil {
		s.fail(projectID, err)
	}
}

// execute walks the stage sequence from fromStage, skipping earlier stages
// whose outputs are trusted as-is.
func (s *Scheduler) execute(projectID string, fromStage domain.StageKey) error {
	project, err := s.store.Get(projectID)
	if err != nil {
		return err
	}

	paths := NewProjectPaths(s.settings.UploadsDir(), s.settings.ResultsDir(), projectID)
	if err := paths.Ensure(); err != nil {
		return fmt.Errorf("prepare project directories: %w", err)
	}

	videos := projectVideos(project, paths)
	startIdx := domain.StageIndex(fromStage)
	if startIdx < 0 {
		startIdx = 0
	}

	if startIdx <= domain.StageIndex(domain.StageIngest) {
		if err := s.beginIngest(projectID, project, len(videos)); err != nil {
			return err
		}
	}
	if startIdx <= domain.StageIndex(domain.StageVideoExtraction) {
		if err := s.runVideoExtraction(projectID, project.Config, paths, videos); err != nil {
			return err
		}
	}
	// Ingest completes only after extraction: the image count that gets
	// validated includes frames pulled out of the videos.
	if startIdx <= domain.StageIndex(domain.StageIngest) {
		if err := s.completeIngest(projectID, paths); err != nil {
			return err
		}
	}

	numImages := CountImages(paths.Images)
	project, err = s.store.Get(projectID)
	if err != nil {
		return err
	}
	ccfg := buildColmapConfig(numImages, project.Config)
	hasCUDA := s.hasCUDA()

	if startIdx <= domain.StageIndex(domain.StageFeatureExtraction) {
		if err := s.runFeatureExtraction(projectID, project.Config, ccfg, paths, numImages, hasCUDA); err != nil {
			return err
		}
	}
	if startIdx <= domain.StageIndex(domain.StageFeatureMatching) {
		if err := s.runFeatureMatching(projectID, ccfg, paths, hasCUDA); err != nil {
			return err
		}
	}
	if startIdx <= domain.StageIndex(domain.StageSparseReconstruction) {
		if err := s.runSparseReconstruction(projectID, project.Config, ccfg, paths, numImages, hasCUDA); err != nil {
			return err
		}
	}
	if startIdx <= domain.StageIndex(domain.StageModelConversion) {
		if err := s.runModelConversion(projectID, paths); err != nil {
			return err
		}
	} else if startIdx <= domain.StageIndex(domain.StageGaussianSplatting) {
		// Resuming straight at training still needs sparse/0 in place.
		s.store.AppendLog(projectID, "Checking sparse reconstruction models...")
		modelPath, err := selectBestModel(paths.Sparse, s.analyzerFor(projectID), s.projectLogf(projectID))
		if err != nil {
			return err
		}
		if modelPath == "" {
			return &NoValidReconstructionError{SparseDir: paths.Sparse}
		}
	}
	if startIdx <= domain.StageIndex(domain.StageGaussianSplatting) {
		if err := s.runTraining(projectID, project.Config, paths, numImages); err != nil {
			return err
		}
	}
	return s.finalize(projectID)
}

// fail records a pipeline error. A project the user already cancelled keeps
// its cancelled status: the killed subprocess surfaces here as an error,
// but it is not a failure.
func (s *Scheduler) fail(projectID string, runErr error) {
	s.log.Error("pipeline failed", "projectID", projectID, "error", runErr)

	now := time.Now()
	cancelled := false
	_ = s.store.Mutate(projectID, func(p *domain.Project) {
		if p.Status == domain.ProjectStatusCancelled {
			cancelled = true
			return
		}
		p.Status = domain.ProjectStatusFailed
		p.Error = runErr.Error()
		p.EndTime = &now
		for i := range p.Stages {
			if p.Stages[i].Status == domain.StageStatusRunning {
				p.Stages[i].Status = domain.StageStatusFailed
				p.Stages[i].CompletedAt = &now
			}
		}
	})
	if cancelled {
		return
	}
	s.store.AppendLog(projectID, "Pipeline error: "+runErr.Error())
}

// hasCUDA probes the COLMAP build once per process lifetime.
func (s *Scheduler) hasCUDA() bool {
	s.cudaOnce.Do(func() {
		s.cuda = s.cudaProbe(s.colmapPath())
	})
	return s.cuda
}

func probeCUDA(colmapPath string) bool {
	out, err := exec.Command(colmapPath, "-h").CombinedOutput()
	if err != nil && len(out) == 0 {
		return false
	}
	return strings.Contains(string(out), "with CUDA")
}

func (s *Scheduler) colmapPath() string {
	if s.settings.ColmapPath != "" {
		return s.settings.ColmapPath
	}
	return "colmap"
}

// glomapPath resolves the GLOMAP binary: an explicit setting wins, otherwise
// a PATH lookup. Empty means the tool is absent and sparse reconstruction
// falls back to the COLMAP mapper.
func (s *Scheduler) glomapPath() string {
	if s.settings.GlomapPath != "" {
		return s.settings.GlomapPath
	}
	if path, err := s.lookPath("glomap"); err == nil {
		return path
	}
	return ""
}

// analyzeModel runs `colmap model_analyzer` and parses the stats it prints.
func (s *Scheduler) analyzeModel(projectID, modelDir string) (progress.ModelStats, error) {
	var out strings.Builder
	err := s.runner.Run(projectID, []string{s.colmapPath(), "model_analyzer", "--path", modelDir}, "", func(line string) {
		out.WriteString(line)
		out.WriteByte('\n')
	})
	if err != nil {
		return progress.ModelStats{}, err
	}
	return progress.ParseModelStats(out.String()), nil
}

func (s *Scheduler) analyzerFor(projectID string) modelAnalyzer {
	return func(modelDir string) (progress.ModelStats, error) {
		return s.analyze(projectID, modelDir)
	}
}

func (s *Scheduler) projectLogf(projectID string) func(format string, args ...any) {
	return func(format string, args ...any) {
		s.store.AppendLog(projectID, fmt.Sprintf(format, args...))
	}
}

// projectVideos resolves the uploaded video files to absolute paths under
// the project root.
func projectVideos(p domain.Project, paths ProjectPaths) []string {
	var videos []string
	for _, name := range p.Files {
		if IsVideoFile(name) {
			videos = append(videos, filepath.Join(paths.Root, name))
		}
	}
	return videos
}
