package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"splat-pipeline/internal/config"
	"splat-pipeline/internal/domain"
	"splat-pipeline/internal/logger"
	"splat-pipeline/internal/procs"
	"splat-pipeline/internal/progress"
	"splat-pipeline/internal/projects"
	"splat-pipeline/internal/runner"
	"splat-pipeline/internal/video"
)

// fakeProc stands in for a running subprocess during cancellation tests.
type fakeProc struct {
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeProc() *fakeProc { return &fakeProc{done: make(chan struct{})} }

func (p *fakeProc) Terminate() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func (p *fakeProc) Kill() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }

// scriptedRunner simulates the external tool chain. Each subcommand gets a
// canned behavior; the mapper drops model directories into the sparse dir
// the way the real tools do.
type scriptedRunner struct {
	registry *procs.Registry

	mu    sync.Mutex
	calls [][]string

	matcherOOMFailures int
	matcherStarted     chan struct{}
	matcherRelease     chan struct{}
	trainerStarted     chan struct{}
	trainerBlocks      bool

	sparseModels []string
}

func (r *scriptedRunner) recorded() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *scriptedRunner) argValue(argv []string, flag string) string {
	for i, arg := range argv {
		if arg == flag && i+1 < len(argv) {
			return argv[i+1]
		}
	}
	return ""
}

func (r *scriptedRunner) Run(projectID string, argv []string, cwd string, onLine func(string)) error {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string(nil), argv...))
	r.mu.Unlock()

	switch {
	case len(argv) > 1 && argv[1] == "feature_extractor":
		onLine("Processed file [1/12]")
		onLine("Processed file [12/12]")
		return nil

	case len(argv) > 1 && strings.HasSuffix(argv[1], "_matcher"):
		if r.matcherStarted != nil {
			r.matcherStarted <- struct{}{}
		}
		if r.matcherRelease != nil {
			<-r.matcherRelease
		}
		r.mu.Lock()
		shouldFail := r.matcherOOMFailures > 0
		if shouldFail {
			r.matcherOOMFailures--
		}
		r.mu.Unlock()
		if shouldFail {
			onLine("ERROR: Not enough GPU memory for feature matching")
			return &runner.ProcessFailedError{Command: argv[0], ExitCode: 1}
		}
		onLine("Matching block [10/10]")
		return nil

	case len(argv) > 1 && argv[1] == "mapper":
		outputPath := r.argValue(argv, "--output_path")
		models := r.sparseModels
		if len(models) == 0 {
			models = []string{"0"}
		}
		for _, name := range models {
			dir := filepath.Join(outputPath, name)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(dir, "cameras.bin"), []byte(name), 0o644); err != nil {
				return err
			}
		}
		onLine("Registering image #1 (1)")
		return nil

	default: // trainer
		if r.trainerBlocks {
			proc := newFakeProc()
			r.registry.Register(projectID, proc)
			if r.trainerStarted != nil {
				r.trainerStarted <- struct{}{}
			}
			<-proc.Done()
			return &runner.ProcessFailedError{Command: argv[0], ExitCode: -1}
		}
		if r.trainerStarted != nil {
			r.trainerStarted <- struct{}{}
		}
		onLine("Iteration 7000/7000")
		return nil
	}
}

type stubExtractor struct{}

func (stubExtractor) Extract(projectID, videoPath, outputDir string, opts video.Options, startIndex int, onProgress func(current, total int)) (int, error) {
	return 0, fmt.Errorf("unexpected video extraction for %s", videoPath)
}

type schedulerFixture struct {
	scheduler *Scheduler
	store     *projects.Store
	runner    *scriptedRunner
	settings  config.Settings
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	dataDir := t.TempDir()

	trainer := filepath.Join(dataDir, "opensplat")
	require.NoError(t, os.WriteFile(trainer, []byte("stub"), 0o755))

	settings := config.Settings{
		DataDir:       dataDir,
		ColmapPath:    "colmap",
		OpenSplatPath: trainer,
		MaxLogTail:    500,
	}
	require.NoError(t, settings.EnsureDirectories())

	store := projects.NewStore(settings.ProjectsDBFile(), settings.LogsDir(), settings.MaxLogTail, logger.NewNop())
	registry := procs.NewRegistry()
	scripted := &scriptedRunner{registry: registry}

	s := NewScheduler(store, registry, scripted, stubExtractor{}, settings, logger.NewNop())
	s.cudaProbe = func(string) bool { return true }
	s.analyze = func(projectID, modelDir string) (progress.ModelStats, error) {
		return progress.ModelStats{Cameras: 1, RegisteredImages: 12, Points: 1000, Images: 12}, nil
	}

	return &schedulerFixture{scheduler: s, store: store, runner: scripted, settings: settings}
}

// seedProject creates a project with numImages jpg files on disk.
func (f *schedulerFixture) seedProject(t *testing.T, id string, numImages int) {
	t.Helper()
	paths := NewProjectPaths(f.settings.UploadsDir(), f.settings.ResultsDir(), id)
	require.NoError(t, paths.Ensure())

	var files []string
	for i := 0; i < numImages; i++ {
		name := fmt.Sprintf("img_%03d.jpg", i)
		require.NoError(t, os.WriteFile(filepath.Join(paths.Images, name), []byte("jpg"), 0o644))
		files = append(files, name)
	}
	cfg := domain.DefaultProcessingConfig()
	cfg.SfMEngine = domain.SfMEngineColmap
	_, err := f.store.Create(id, "Test "+id, cfg, domain.InputTypeImages, files)
	require.NoError(t, err)
}

func stageByKey(t *testing.T, p domain.Project, key domain.StageKey) domain.StageState {
	t.Helper()
	stage := p.Stage(key)
	require.NotNil(t, stage)
	return *stage
}

func TestPipelineHappyPath(t *testing.T) {
	f := newSchedulerFixture(t)
	f.seedProject(t, "p1", 12)

	require.NoError(t, f.scheduler.Submit("p1"))
	f.scheduler.Wait()

	p, err := f.store.Get("p1")
	require.NoError(t, err)
	require.Equal(t, domain.ProjectStatusCompleted, p.Status)
	require.Equal(t, 100, p.Progress)
	require.NotNil(t, p.EndTime)
	require.NotEmpty(t, p.ResultPath)

	for _, stage := range p.Stages {
		require.Equal(t, domain.StageStatusCompleted, stage.Status, "stage %s", stage.Key)
		require.Equal(t, 100, stage.Progress, "stage %s", stage.Key)
	}

	// The best model ends up at the canonical path.
	paths := NewProjectPaths(f.settings.UploadsDir(), f.settings.ResultsDir(), "p1")
	require.True(t, hasModelFiles(filepath.Join(paths.Sparse, "0")))
}

func TestSubmitRejectsUnknownProject(t *testing.T) {
	f := newSchedulerFixture(t)
	require.Error(t, f.scheduler.Submit("nope"))
}

func TestSubmitRejectsAlreadyProcessing(t *testing.T) {
	f := newSchedulerFixture(t)
	f.seedProject(t, "p1", 12)
	require.NoError(t, f.store.Mutate("p1", func(p *domain.Project) {
		p.Status = domain.ProjectStatusProcessing
	}))
	require.Error(t, f.scheduler.Submit("p1"))
}

// TestInsufficientImagesFailsAtIngest: five images is below the minimum of
// ten, so the run fails after ingest and no tool stage ever starts.
func TestInsufficientImagesFailsAtIngest(t *testing.T) {
	f := newSchedulerFixture(t)
	f.seedProject(t, "p1", 5)

	require.NoError(t, f.scheduler.Submit("p1"))
	f.scheduler.Wait()

	p, err := f.store.Get("p1")
	require.NoError(t, err)
	require.Equal(t, domain.ProjectStatusFailed, p.Status)
	require.Contains(t, p.Error, "at least 10 images")
	require.NotNil(t, p.EndTime)

	require.Equal(t, domain.StageStatusPending, stageByKey(t, p, domain.StageFeatureExtraction).Status)
	require.Empty(t, f.runner.recorded(), "no external tool should have run")
}

// TestGPUMemoryFallbackRetriesOnce: the matcher fails once with a GPU
// memory error, then succeeds on CPU with a halved match budget.
func TestGPUMemoryFallbackRetriesOnce(t *testing.T) {
	f := newSchedulerFixture(t)
	f.runner.matcherOOMFailures = 1
	f.seedProject(t, "p1", 12)

	require.NoError(t, f.scheduler.Submit("p1"))
	f.scheduler.Wait()

	p, err := f.store.Get("p1")
	require.NoError(t, err)
	require.Equal(t, domain.ProjectStatusCompleted, p.Status)
	require.Equal(t, domain.StageStatusCompleted, stageByKey(t, p, domain.StageFeatureMatching).Status)

	var matcherCalls [][]string
	for _, call := range f.runner.recorded() {
		if len(call) > 1 && strings.HasSuffix(call[1], "_matcher") {
			matcherCalls = append(matcherCalls, call)
		}
	}
	require.Len(t, matcherCalls, 2)
	require.Equal(t, "1", f.runner.argValue(matcherCalls[0], "--FeatureMatching.use_gpu"))
	require.Equal(t, "45960", f.runner.argValue(matcherCalls[0], "--FeatureMatching.max_num_matches"))
	require.Equal(t, "0", f.runner.argValue(matcherCalls[1], "--FeatureMatching.use_gpu"))
	require.Equal(t, "22980", f.runner.argValue(matcherCalls[1], "--FeatureMatching.max_num_matches"))
}

// TestGPUMemoryFallbackGivesUpAfterSecondFailure: both attempts fail, the
// stage fails with the process error.
func TestGPUMemoryFallbackGivesUpAfterSecondFailure(t *testing.T) {
	f := newSchedulerFixture(t)
	f.runner.matcherOOMFailures = 2
	f.seedProject(t, "p1", 12)

	require.NoError(t, f.scheduler.Submit("p1"))
	f.scheduler.Wait()

	p, err := f.store.Get("p1")
	require.NoError(t, err)
	require.Equal(t, domain.ProjectStatusFailed, p.Status)
	require.Contains(t, p.Error, "exited with code 1")
	require.Equal(t, domain.StageStatusFailed, stageByKey(t, p, domain.StageFeatureMatching).Status)
}

// TestNoGPURetryWithoutCUDA: the OOM fallback only exists for GPU runs.
func TestNoGPURetryWithoutCUDA(t *testing.T) {
	f := newSchedulerFixture(t)
	f.scheduler.cudaProbe = func(string) bool { return false }
	f.runner.matcherOOMFailures = 1
	f.seedProject(t, "p1", 12)

	require.NoError(t, f.scheduler.Submit("p1"))
	f.scheduler.Wait()

	p, err := f.store.Get("p1")
	require.NoError(t, err)
	require.Equal(t, domain.ProjectStatusFailed, p.Status)

	matcherCalls := 0
	for _, call := range f.runner.recorded() {
		if len(call) > 1 && strings.HasSuffix(call[1], "_matcher") {
			matcherCalls++
		}
	}
	require.Equal(t, 1, matcherCalls)
}

// TestCancelDuringTrainingKeepsCancelledStatus: cancel kills the training
// subprocess; the in-flight stage and project end up cancelled, not failed.
func TestCancelDuringTrainingKeepsCancelledStatus(t *testing.T) {
	f := newSchedulerFixture(t)
	f.runner.trainerBlocks = true
	f.runner.trainerStarted = make(chan struct{})
	f.seedProject(t, "p1", 12)

	require.NoError(t, f.scheduler.Submit("p1"))
	<-f.runner.trainerStarted

	cancelled, err := f.scheduler.Cancel("p1")
	require.NoError(t, err)
	require.True(t, cancelled)
	f.scheduler.Wait()

	p, err := f.store.Get("p1")
	require.NoError(t, err)
	require.Equal(t, domain.ProjectStatusCancelled, p.Status)
	require.Equal(t, domain.StageStatusCancelled, stageByKey(t, p, domain.StageGaussianSplatting).Status)
	require.NotNil(t, p.EndTime)

	// Idempotent: a second cancel finds nothing to cancel.
	cancelled, err = f.scheduler.Cancel("p1")
	require.NoError(t, err)
	require.False(t, cancelled)
}

// TestGlomapResolvedFromPathLookup: with no configured GLOMAP location, a
// PATH-installed binary is discovered and used for sparse reconstruction.
func TestGlomapResolvedFromPathLookup(t *testing.T) {
	f := newSchedulerFixture(t)
	f.scheduler.lookPath = func(file string) (string, error) {
		if file == "glomap" {
			return "/usr/local/bin/glomap", nil
		}
		return "", fmt.Errorf("%s not in PATH", file)
	}
	f.seedProject(t, "p1", 12)
	require.NoError(t, f.store.Mutate("p1", func(p *domain.Project) {
		p.Config.SfMEngine = domain.SfMEngineGlomap
	}))

	require.NoError(t, f.scheduler.Submit("p1"))
	f.scheduler.Wait()

	p, err := f.store.Get("p1")
	require.NoError(t, err)
	require.Equal(t, domain.ProjectStatusCompleted, p.Status)

	var mapper []string
	for _, call := range f.runner.recorded() {
		if len(call) > 1 && call[1] == "mapper" {
			mapper = call
		}
	}
	require.NotEmpty(t, mapper)
	require.Equal(t, "/usr/local/bin/glomap", mapper[0])
}

// TestCancelBetweenSubprocessesHaltsPipeline: a cancel that lands while no
// subprocess is registered (here, during model analysis) still sticks; the
// pipeline stops at the next stage boundary instead of finishing the run.
func TestCancelBetweenSubprocessesHaltsPipeline(t *testing.T) {
	f := newSchedulerFixture(t)
	analyzeStarted := make(chan struct{})
	analyzeRelease := make(chan struct{})
	f.scheduler.analyze = func(projectID, modelDir string) (progress.ModelStats, error) {
		analyzeStarted <- struct{}{}
		<-analyzeRelease
		return progress.ModelStats{Cameras: 1, RegisteredImages: 12, Points: 1000, Images: 12}, nil
	}
	f.seedProject(t, "p1", 12)

	require.NoError(t, f.scheduler.Submit("p1"))
	<-analyzeStarted

	cancelled, err := f.scheduler.Cancel("p1")
	require.NoError(t, err)
	require.True(t, cancelled, "cancel must report success even with no live subprocess")

	close(analyzeRelease)
	f.scheduler.Wait()

	p, err := f.store.Get("p1")
	require.NoError(t, err)
	require.Equal(t, domain.ProjectStatusCancelled, p.Status)
	require.NotNil(t, p.EndTime)

	// The trainer never started.
	for _, call := range f.runner.recorded() {
		require.False(t, strings.HasSuffix(call[0], "opensplat"), "trainer ran after cancellation")
	}
}

// TestConcurrentSubmitsStartOneRun: racing submissions for one project must
// admit exactly one pipeline goroutine.
func TestConcurrentSubmitsStartOneRun(t *testing.T) {
	f := newSchedulerFixture(t)
	f.runner.matcherStarted = make(chan struct{}, 1)
	f.runner.matcherRelease = make(chan struct{})
	f.seedProject(t, "p1", 12)

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.scheduler.Submit("p1")
		}()
	}
	wg.Wait()
	close(errs)

	accepted := 0
	for err := range errs {
		if err == nil {
			accepted++
		} else {
			require.Contains(t, err.Error(), "already processing")
		}
	}
	require.Equal(t, 1, accepted)

	<-f.runner.matcherStarted
	close(f.runner.matcherRelease)
	f.scheduler.Wait()

	p, err := f.store.Get("p1")
	require.NoError(t, err)
	require.Equal(t, domain.ProjectStatusCompleted, p.Status)
}

func TestCancelWithNothingRunning(t *testing.T) {
	f := newSchedulerFixture(t)
	f.seedProject(t, "p1", 12)

	cancelled, err := f.scheduler.Cancel("p1")
	require.NoError(t, err)
	require.False(t, cancelled)

	p, err := f.store.Get("p1")
	require.NoError(t, err)
	require.Equal(t, domain.ProjectStatusQueued, p.Status)
}

// TestRetryFromStageKeepsEarlierStages: a retry from feature_matching keeps
// the earlier completed stages untouched and resets the rest.
func TestRetryFromStageKeepsEarlierStages(t *testing.T) {
	f := newSchedulerFixture(t)
	f.seedProject(t, "p1", 12)

	require.NoError(t, f.scheduler.Submit("p1"))
	f.scheduler.Wait()
	before, err := f.store.Get("p1")
	require.NoError(t, err)
	require.Equal(t, domain.ProjectStatusCompleted, before.Status)
	ingestDone := stageByKey(t, before, domain.StageIngest).CompletedAt

	f.runner.matcherStarted = make(chan struct{})
	f.runner.matcherRelease = make(chan struct{})
	require.NoError(t, f.scheduler.Retry("p1", domain.StageFeatureMatching, nil))
	<-f.runner.matcherStarted

	mid, err := f.store.Get("p1")
	require.NoError(t, err)
	require.Equal(t, domain.ProjectStatusProcessing, mid.Status)
	require.Equal(t, domain.StageStatusCompleted, stageByKey(t, mid, domain.StageIngest).Status)
	require.Equal(t, ingestDone, stageByKey(t, mid, domain.StageIngest).CompletedAt)
	require.Equal(t, domain.StageStatusCompleted, stageByKey(t, mid, domain.StageFeatureExtraction).Status)
	require.Equal(t, domain.StageStatusRunning, stageByKey(t, mid, domain.StageFeatureMatching).Status)
	require.Equal(t, domain.StageStatusPending, stageByKey(t, mid, domain.StageSparseReconstruction).Status)
	require.Equal(t, domain.StageStatusPending, stageByKey(t, mid, domain.StageGaussianSplatting).Status)

	close(f.runner.matcherRelease)
	f.scheduler.Wait()

	after, err := f.store.Get("p1")
	require.NoError(t, err)
	require.Equal(t, domain.ProjectStatusCompleted, after.Status)

	// Feature extraction never reran.
	extractorCalls := 0
	for _, call := range f.runner.recorded() {
		if len(call) > 1 && call[1] == "feature_extractor" {
			extractorCalls++
		}
	}
	require.Equal(t, 1, extractorCalls)
}

func TestRetryUnknownStage(t *testing.T) {
	f := newSchedulerFixture(t)
	f.seedProject(t, "p1", 12)
	require.Error(t, f.scheduler.Retry("p1", domain.StageKey("bogus"), nil))
}

// TestRetryMergesOverrides: a retry with parameter overrides updates the
// stored config before the run.
func TestRetryMergesOverrides(t *testing.T) {
	f := newSchedulerFixture(t)
	f.seedProject(t, "p1", 12)

	require.NoError(t, f.scheduler.Submit("p1"))
	f.scheduler.Wait()

	matches := 12000
	require.NoError(t, f.scheduler.Retry("p1", domain.StageFeatureMatching, &domain.CustomParams{MaxNumMatches: &matches}))
	f.scheduler.Wait()

	p, err := f.store.Get("p1")
	require.NoError(t, err)
	require.NotNil(t, p.Config.Custom)
	require.Equal(t, 12000, *p.Config.Custom.MaxNumMatches)

	var lastMatcher []string
	for _, call := range f.runner.recorded() {
		if len(call) > 1 && strings.HasSuffix(call[1], "_matcher") {
			lastMatcher = call
		}
	}
	require.Equal(t, "12000", f.runner.argValue(lastMatcher, "--FeatureMatching.max_num_matches"))
}

// TestTrainingFailsWithoutSparseModel: resuming at training with no model
// on disk surfaces a reconstruction error instead of starting the trainer.
func TestTrainingFailsWithoutSparseModel(t *testing.T) {
	f := newSchedulerFixture(t)
	f.seedProject(t, "p1", 12)

	require.NoError(t, f.scheduler.Retry("p1", domain.StageGaussianSplatting, nil))
	f.scheduler.Wait()

	p, err := f.store.Get("p1")
	require.NoError(t, err)
	require.Equal(t, domain.ProjectStatusFailed, p.Status)
	require.Contains(t, p.Error, "no valid sparse reconstruction")
}
