package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"splat-pipeline/internal/domain"
	"splat-pipeline/internal/progress"
	"splat-pipeline/internal/projects"
	"splat-pipeline/internal/runner"
	"splat-pipeline/internal/video"
)

func intPtr(n int) *int       { return &n }
func strPtr(s string) *string { return &s }

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// setStage pushes a parsed progress update onto a stage.
func (s *Scheduler) setStage(projectID string, key domain.StageKey, u progress.Update) {
	update := projects.StageUpdate{Progress: intPtr(u.Percent), Detail: strPtr(u.Detail)}
	if u.Subtext != "" {
		update.Subtext = strPtr(u.Subtext)
	}
	_ = s.store.UpdateStage(projectID, key, update)
}

func (s *Scheduler) completeStage(projectID string, key domain.StageKey, detail, subtext string) {
	_ = s.store.UpdateStage(projectID, key, projects.StageUpdate{
		Status:   domain.StageStatusCompleted,
		Progress: intPtr(100),
		Detail:   strPtr(detail),
		Subtext:  strPtr(subtext),
	})
}

// beginIngest starts the ingest stage: logs the dataset summary and the
// up-front time estimate.
func (s *Scheduler) beginIngest(projectID string, p domain.Project, numVideos int) error {
	if err := s.store.Running(projectID, domain.StageIngest); err != nil {
		return err
	}
	numUploads := len(p.Files)
	_ = s.store.UpdateStage(projectID, domain.StageIngest, projects.StageUpdate{
		Progress: intPtr(10),
		Detail:   strPtr(fmt.Sprintf("Files received: %d", numUploads)),
		Subtext:  strPtr(fmt.Sprintf("%d images, %d videos", numUploads-numVideos, numVideos)),
	})

	estImages := (numUploads - numVideos) + p.Config.MaxFrames*numVideos
	if estImages < 50 {
		estImages = 50
	}
	estimate := s.estimator.Estimate(estImages, p.Config.QualityMode, numVideos)

	s.store.AppendLog(projectID, fmt.Sprintf("Starting %s quality processing", p.Config.QualityMode))
	s.store.AppendLog(projectID, fmt.Sprintf("Dataset: %d files, %d videos", numUploads, numVideos))
	s.store.AppendLog(projectID, fmt.Sprintf("Estimated time: %s", FormatDuration(estimate.TotalSeconds)))
	s.store.AppendLog(projectID, fmt.Sprintf("GPU: %s", s.estimator.GPU()))

	return s.store.UpdateStage(projectID, domain.StageIngest, projects.StageUpdate{Progress: intPtr(50)})
}

// completeIngest validates the assembled image set. It runs after video
// extraction so extracted frames count toward the minimum.
func (s *Scheduler) completeIngest(projectID string, paths ProjectPaths) error {
	total := CountImages(paths.Images)
	s.store.AppendLog(projectID, fmt.Sprintf("Total images for reconstruction: %d", total))
	s.completeStage(projectID, domain.StageIngest, fmt.Sprintf("Images ready: %d", total), "")

	if total < minImages {
		return &InsufficientInputError{Have: total, Need: minImages}
	}
	return nil
}

// runVideoExtraction pulls frames from every uploaded video, serially, and
// folds per-frame counters into a single stage percentage weighted by video
// position.
func (s *Scheduler) runVideoExtraction(projectID string, cfg domain.ProcessingConfig, paths ProjectPaths, videos []string) error {
	if len(videos) == 0 {
		s.completeStage(projectID, domain.StageVideoExtraction, "No video files", "")
		return nil
	}

	totalVideos := len(videos)
	if err := s.store.Running(projectID, domain.StageVideoExtraction); err != nil {
		return err
	}
	_ = s.store.UpdateStage(projectID, domain.StageVideoExtraction, projects.StageUpdate{
		Detail:  strPtr(fmt.Sprintf("Videos processed: 0/%d", totalVideos)),
		Subtext: strPtr("Frames extracted: 0"),
	})
	s.store.AppendLog(projectID, fmt.Sprintf("Processing %d video file(s)...", totalVideos))

	opts := video.Options{
		Mode:       string(cfg.ExtractionMode),
		MaxFrames:  cfg.MaxFrames,
		TargetFPS:  cfg.TargetFPS,
		Resolution: cfg.Resolution,
	}
	perVideo := cfg.MaxFrames
	if perVideo <= 0 {
		perVideo = 100
	}
	totalExpected := perVideo * totalVideos

	totalExtracted := 0
	for i, videoPath := range videos {
		s.store.AppendLog(projectID, fmt.Sprintf("Extracting frames from: %s", filepath.Base(videoPath)))

		videoIndex := i
		doneBefore := totalExtracted
		onProgress := func(current, expected int) {
			if current%5 != 0 && current != expected {
				return
			}
			overall := domain.ProgressEvent{Current: videoIndex*perVideo + current, Total: totalExpected}
			s.setStage(projectID, domain.StageVideoExtraction, progress.Update{
				Percent: overall.Percent(),
				Detail:  fmt.Sprintf("Video %d/%d: Frame %d/%d", videoIndex+1, totalVideos, current, expected),
				Subtext: fmt.Sprintf("Total extracted: %d", doneBefore+current),
			})
		}

		extracted, err := s.extractor.Extract(projectID, videoPath, paths.Images, opts, totalExtracted, onProgress)
		if err != nil {
			return err
		}
		totalExtracted += extracted
		s.store.AppendLog(projectID, fmt.Sprintf("Extracted %d frames from video %d", extracted, i+1))

		_ = s.store.UpdateStage(projectID, domain.StageVideoExtraction, projects.StageUpdate{
			Progress: intPtr((i + 1) * 100 / totalVideos),
			Detail:   strPtr(fmt.Sprintf("Videos processed: %d/%d", i+1, totalVideos)),
			Subtext:  strPtr(fmt.Sprintf("Frames extracted: %d", totalExtracted)),
		})
	}

	s.completeStage(projectID, domain.StageVideoExtraction,
		fmt.Sprintf("Videos processed: %d/%d", totalVideos, totalVideos),
		fmt.Sprintf("Frames extracted: %d", totalExtracted))
	s.store.AppendLog(projectID, fmt.Sprintf("Frame extraction complete. Total frames: %d", totalExtracted))
	return nil
}

func (s *Scheduler) runFeatureExtraction(projectID string, cfg domain.ProcessingConfig, ccfg colmapConfig, paths ProjectPaths, numImages int, hasCUDA bool) error {
	if err := s.store.Running(projectID, domain.StageFeatureExtraction); err != nil {
		return err
	}
	_ = s.store.UpdateStage(projectID, domain.StageFeatureExtraction, projects.StageUpdate{
		Detail: strPtr(fmt.Sprintf("Images processed: 0/%d", numImages)),
	})
	s.store.AppendLog(projectID, "Running COLMAP feature extraction...")
	if hasCUDA {
		s.store.AppendLog(projectID, "Using GPU-accelerated COLMAP for feature extraction")
	} else {
		s.store.AppendLog(projectID, "COLMAP CUDA support not detected; using CPU mode")
	}

	argv := []string{
		s.colmapPath(), "feature_extractor",
		"--database_path", paths.Database,
		"--image_path", paths.Images,
		"--ImageReader.camera_model", cfg.CameraModel,
		"--ImageReader.single_camera", "1",
		"--FeatureExtraction.use_gpu", boolFlag(hasCUDA),
		"--SiftExtraction.max_image_size", strconv.Itoa(ccfg.MaxImageSize),
		"--SiftExtraction.max_num_features", strconv.Itoa(ccfg.MaxNumFeatures),
		"--SiftExtraction.first_octave", strconv.Itoa(ccfg.FirstOctave),
		"--SiftExtraction.num_octaves", strconv.Itoa(ccfg.NumOctaves),
	}
	if ccfg.PeakThreshold > 0 {
		argv = append(argv, "--SiftExtraction.peak_threshold", formatFloat(ccfg.PeakThreshold))
	}
	if ccfg.EdgeThreshold > 0 {
		argv = append(argv, "--SiftExtraction.edge_threshold", strconv.Itoa(ccfg.EdgeThreshold))
	}
	if ccfg.MaxNumOrientations > 0 {
		argv = append(argv, "--SiftExtraction.max_num_orientations", strconv.Itoa(ccfg.MaxNumOrientations))
	}

	parser := progress.NewFeatureExtraction(numImages)
	err := s.runner.Run(projectID, argv, "", func(line string) {
		if u, ok := parser.Parse(line); ok {
			s.setStage(projectID, domain.StageFeatureExtraction, u)
		}
	})
	if err != nil {
		return err
	}

	s.completeStage(projectID, domain.StageFeatureExtraction,
		fmt.Sprintf("Images processed: %d/%d", numImages, numImages), "Feature extraction complete")
	s.store.AppendLog(projectID, "COLMAP feature extraction completed")
	return nil
}

// runFeatureMatching matches image pairs. When the GPU matcher dies from
// memory exhaustion the stage retries once on the CPU with a halved match
// budget instead of failing the project.
func (s *Scheduler) runFeatureMatching(projectID string, ccfg colmapConfig, paths ProjectPaths, hasCUDA bool) error {
	if err := s.store.Running(projectID, domain.StageFeatureMatching); err != nil {
		return err
	}
	_ = s.store.UpdateStage(projectID, domain.StageFeatureMatching, projects.StageUpdate{
		Detail: strPtr("Matching pairs: 0/0"),
	})
	s.store.AppendLog(projectID, fmt.Sprintf("Running COLMAP %s matcher...", ccfg.MatcherType))

	buildArgv := func(useGPU bool, maxMatches int) []string {
		argv := []string{
			s.colmapPath(), ccfg.MatcherType + "_matcher",
			"--database_path", paths.Database,
			"--FeatureMatching.max_num_matches", strconv.Itoa(maxMatches),
			"--FeatureMatching.use_gpu", boolFlag(useGPU),
		}
		for _, kv := range ccfg.MatcherParams {
			argv = append(argv, "--"+kv[0], kv[1])
		}
		return argv
	}

	parser := progress.NewMatching()
	sawGPUMemoryError := false
	onLine := func(line string) {
		if progress.IsGPUMemoryError(line) {
			sawGPUMemoryError = true
			s.store.AppendLog(projectID, "GPU memory error detected: "+line)
			return
		}
		if u, ok := parser.Parse(line); ok {
			s.setStage(projectID, domain.StageFeatureMatching, u)
		}
	}

	err := s.runner.Run(projectID, buildArgv(hasCUDA, ccfg.MaxNumMatches), "", onLine)
	if err != nil {
		var procErr *runner.ProcessFailedError
		if !hasCUDA || !sawGPUMemoryError || !errors.As(err, &procErr) {
			return err
		}
		halved := ccfg.MaxNumMatches / 2
		s.store.AppendLog(projectID, "GPU feature matching failed due to memory constraints")
		s.store.AppendLog(projectID, fmt.Sprintf("Retrying with CPU-based matching (max matches %d)...", halved))
		if err := s.runner.Run(projectID, buildArgv(false, halved), "", onLine); err != nil {
			return err
		}
		s.store.AppendLog(projectID, "CPU-based matching completed successfully")
	}

	detail := "Feature matching complete"
	if parser.Total > 0 {
		current := parser.Current
		if current > parser.Total {
			current = parser.Total
		}
		detail = fmt.Sprintf("Matching pairs: %d/%d", current, parser.Total)
	}
	s.completeStage(projectID, domain.StageFeatureMatching, detail, "Feature matching complete")
	s.store.AppendLog(projectID, "COLMAP feature matching completed")
	return nil
}

func (s *Scheduler) runSparseReconstruction(projectID string, cfg domain.ProcessingConfig, ccfg colmapConfig, paths ProjectPaths, numImages int, hasCUDA bool) error {
	if err := s.store.Running(projectID, domain.StageSparseReconstruction); err != nil {
		return err
	}
	_ = s.store.UpdateStage(projectID, domain.StageSparseReconstruction, projects.StageUpdate{
		Detail:  strPtr("Initializing..."),
		Subtext: strPtr(fmt.Sprintf("%d images", numImages)),
	})

	glomap := s.glomapPath()
	useGlomap := cfg.SfMEngine == domain.SfMEngineGlomap && glomap != ""
	if cfg.SfMEngine == domain.SfMEngineGlomap && glomap == "" {
		s.store.AppendLog(projectID, "GLOMAP not found, falling back to COLMAP")
	}

	var argv []string
	var onLine func(string)
	if useGlomap {
		s.store.AppendLog(projectID, "Running GLOMAP global structure-from-motion")
		argv = []string{
			glomap, "mapper",
			"--database_path", paths.Database,
			"--image_path", paths.Images,
			"--output_path", paths.Sparse,
		}
		parser := progress.NewGlomap(numImages)
		onLine = func(line string) {
			if u, ok := parser.Parse(line); ok {
				s.setStage(projectID, domain.StageSparseReconstruction, u)
			}
		}
	} else {
		s.store.AppendLog(projectID, "Running COLMAP incremental sparse reconstruction...")
		argv = []string{
			s.colmapPath(), "mapper",
			"--database_path", paths.Database,
			"--image_path", paths.Images,
			"--output_path", paths.Sparse,
			"--Mapper.min_num_matches", strconv.Itoa(ccfg.MinNumMatches),
			"--Mapper.min_model_size", strconv.Itoa(ccfg.MinModelSize),
			"--Mapper.max_num_models", strconv.Itoa(ccfg.MaxNumModels),
			"--Mapper.init_num_trials", strconv.Itoa(ccfg.InitNumTrials),
			"--Mapper.max_extra_param", strconv.Itoa(ccfg.MaxExtraParam),
			"--Mapper.num_threads", strconv.Itoa(runtime.NumCPU()),
		}
		if hasCUDA {
			argv = append(argv, "--Mapper.ba_use_gpu", "1", "--Mapper.ba_gpu_index", "0")
			s.store.AppendLog(projectID, "Using GPU for bundle adjustment")
		}
		parser := progress.NewColmapMapper(numImages)
		onLine = func(line string) {
			if u, ok := parser.Parse(line); ok {
				s.setStage(projectID, domain.StageSparseReconstruction, u)
			}
		}
	}

	if err := s.runner.Run(projectID, argv, "", onLine); err != nil {
		return err
	}

	engine := "COLMAP"
	if useGlomap {
		engine = "GLOMAP"
	}
	s.completeStage(projectID, domain.StageSparseReconstruction,
		fmt.Sprintf("Images registered: %d/%d", numImages, numImages),
		fmt.Sprintf("%s reconstruction complete", engine))
	s.store.AppendLog(projectID, fmt.Sprintf("Sparse reconstruction completed using %s", engine))
	return nil
}

// runModelConversion picks the best sparse model, renames it to 0/ and
// drops the rest: the trainer only reads sparse/0.
func (s *Scheduler) runModelConversion(projectID string, paths ProjectPaths) error {
	if err := s.store.Running(projectID, domain.StageModelConversion); err != nil {
		return err
	}
	_ = s.store.UpdateStage(projectID, domain.StageModelConversion, projects.StageUpdate{
		Detail: strPtr("Organizing sparse model..."),
	})
	s.store.AppendLog(projectID, "Organizing model structure...")

	modelPath, err := selectBestModel(paths.Sparse, s.analyzerFor(projectID), s.projectLogf(projectID))
	if err != nil {
		return err
	}
	if modelPath == "" {
		return &NoValidReconstructionError{SparseDir: paths.Sparse}
	}

	s.completeStage(projectID, domain.StageModelConversion, "Model organization complete", "")
	s.store.AppendLog(projectID, "Model organization completed")
	return nil
}

func (s *Scheduler) runTraining(projectID string, cfg domain.ProcessingConfig, paths ProjectPaths, numImages int) error {
	if err := s.store.Running(projectID, domain.StageGaussianSplatting); err != nil {
		return err
	}

	tcfg := buildTrainingConfig(cfg, numImages)
	binary, workDir, err := s.resolveTrainer()
	if err != nil {
		return err
	}

	_ = s.store.UpdateStage(projectID, domain.StageGaussianSplatting, projects.StageUpdate{
		Detail:  strPtr(fmt.Sprintf("Training iterations: 0/%d", tcfg.Iterations)),
		Subtext: strPtr(fmt.Sprintf("Quality: %s", cfg.QualityMode)),
	})
	s.store.AppendLog(projectID, fmt.Sprintf("Using %s quality mode: %d iterations", cfg.QualityMode, tcfg.Iterations))
	s.store.AppendLog(projectID, "Running gaussian splatting training...")

	outputPly := filepath.Join(paths.Results, fmt.Sprintf("%s_%s_%diter.ply", projectID, cfg.QualityMode, tcfg.Iterations))
	argv := []string{
		binary,
		paths.Root,
		"-n", strconv.Itoa(tcfg.Iterations),
		"--output", outputPly,
	}
	if cfg.CropSize > 0 {
		argv = append(argv, "--crop-size", strconv.Itoa(cfg.CropSize))
		s.store.AppendLog(projectID, fmt.Sprintf("Using patch-based training with crop size: %d", cfg.CropSize))
	}
	if cfg.QualityMode != domain.QualityFast {
		argv = append(argv,
			"--densify-grad-thresh", formatFloat(tcfg.DensifyGradThreshold),
			"--refine-every", strconv.Itoa(tcfg.RefineEvery),
			"--warmup-length", strconv.Itoa(tcfg.WarmupLength),
			"--ssim-weight", formatFloat(tcfg.SSIMWeight),
		)
	}
	if tcfg.ResetAlphaEvery > 0 {
		argv = append(argv, "--reset-alpha-every", strconv.Itoa(tcfg.ResetAlphaEvery))
	}

	parser := progress.NewTraining(tcfg.Iterations)
	err = s.runner.Run(projectID, argv, workDir, func(line string) {
		if u, ok := parser.Parse(line); ok {
			s.setStage(projectID, domain.StageGaussianSplatting, u)
		}
	})
	if err != nil {
		return err
	}

	current := parser.Current
	if current == 0 || current > tcfg.Iterations {
		current = tcfg.Iterations
	}
	s.completeStage(projectID, domain.StageGaussianSplatting,
		fmt.Sprintf("Training iterations: %d/%d", current, tcfg.Iterations), "Training complete")
	s.store.AppendLog(projectID, "Gaussian splatting training completed")

	return s.store.Mutate(projectID, func(p *domain.Project) {
		p.ResultPath = outputPly
	})
}

// resolveTrainer locates the trainer binary: the configured path can be the
// binary itself or its install directory.
func (s *Scheduler) resolveTrainer() (binary, workDir string, err error) {
	path := s.settings.OpenSplatPath
	if path == "" {
		return "", "", &ToolNotFoundError{Tool: "opensplat"}
	}
	info, statErr := os.Stat(path)
	if statErr != nil {
		return "", "", &ToolNotFoundError{Tool: "opensplat", Path: path}
	}
	if info.IsDir() {
		candidate := filepath.Join(path, "opensplat")
		if _, statErr := os.Stat(candidate); statErr != nil {
			return "", "", &ToolNotFoundError{Tool: "opensplat", Path: candidate}
		}
		return candidate, path, nil
	}
	return path, filepath.Dir(path), nil
}

func (s *Scheduler) finalize(projectID string) error {
	if err := s.store.Running(projectID, domain.StageFinalizing); err != nil {
		return err
	}
	_ = s.store.UpdateStage(projectID, domain.StageFinalizing, projects.StageUpdate{
		Detail: strPtr("Packaging outputs..."),
	})
	s.completeStage(projectID, domain.StageFinalizing, "Processing complete", "")

	// A cancellation landing during finalization wins over completion.
	now := time.Now()
	completed := false
	err := s.store.Mutate(projectID, func(p *domain.Project) {
		if p.Status != domain.ProjectStatusProcessing {
			return
		}
		p.Status = domain.ProjectStatusCompleted
		p.EndTime = &now
		completed = true
	})
	if err != nil {
		return err
	}
	if completed {
		s.store.AppendLog(projectID, "Processing completed successfully")
	}
	return nil
}
