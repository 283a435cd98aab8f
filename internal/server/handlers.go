package server

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"splat-pipeline/internal/config"
	"splat-pipeline/internal/diagnostics"
	"splat-pipeline/internal/domain"
	"splat-pipeline/internal/logger"
	"splat-pipeline/internal/pipeline"
	"splat-pipeline/internal/projects"
)

// Handlers holds the HTTP layer's dependencies. Handlers do request parsing
// and response shaping only; all pipeline behavior lives in the scheduler.
type Handlers struct {
	store     *projects.Store
	scheduler *pipeline.Scheduler
	checker   *diagnostics.Checker
	settings  config.Settings
	log       *logger.Logger
}

func NewHandlers(store *projects.Store, scheduler *pipeline.Scheduler, checker *diagnostics.Checker, settings config.Settings, log *logger.Logger) *Handlers {
	return &Handlers{
		store:     store,
		scheduler: scheduler,
		checker:   checker,
		settings:  settings,
		log:       log,
	}
}

func respondError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

// Health reports liveness plus the startup diagnostics for the external
// tool chain.
func (h *Handlers) Health(c *gin.Context) {
	report := h.checker.Run(h.settings)
	status := "ok"
	if report.HasFailures {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"diagnostics": report,
	})
}

// Upload accepts a multipart batch of images and/or videos, creates the
// project, and submits it to the pipeline.
func (h *Handlers) Upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		respondError(c, http.StatusBadRequest, fmt.Errorf("invalid multipart form: %w", err))
		return
	}

	files := form.File["files"]
	if len(files) == 0 {
		respondError(c, http.StatusBadRequest, fmt.Errorf("no files uploaded"))
		return
	}

	cfg, err := configFromForm(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	projectID := uuid.NewString()
	name := c.PostForm("name")
	if name == "" {
		name = "Project " + projectID[:8]
	}

	paths := pipeline.NewProjectPaths(h.settings.UploadsDir(), h.settings.ResultsDir(), projectID)
	if err := paths.Ensure(); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	saved, inputType, err := h.saveUploads(c, files, paths)
	if err != nil {
		os.RemoveAll(paths.Root)
		respondError(c, http.StatusBadRequest, err)
		return
	}

	project, err := h.store.Create(projectID, name, cfg, inputType, saved)
	if err != nil {
		os.RemoveAll(paths.Root)
		respondError(c, http.StatusConflict, err)
		return
	}

	if err := h.scheduler.Submit(projectID); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	h.log.Info("project submitted",
		"projectId", projectID,
		"files", len(saved),
		"quality", string(cfg.QualityMode),
	)
	c.JSON(http.StatusAccepted, gin.H{
		"projectId": project.ID,
		"status":    project.Status,
		"fileCount": project.FileCount,
	})
}

// saveUploads writes images into the images dir and videos next to it, and
// classifies the batch. Unsupported file types reject the whole upload.
func (h *Handlers) saveUploads(c *gin.Context, files []*multipart.FileHeader, paths pipeline.ProjectPaths) ([]string, domain.InputType, error) {
	var saved []string
	numImages, numVideos := 0, 0

	for _, file := range files {
		name := filepath.Base(file.Filename)
		var dst string
		switch {
		case pipeline.IsImageFile(name):
			numImages++
			dst = filepath.Join(paths.Images, name)
		case pipeline.IsVideoFile(name):
			numVideos++
			dst = filepath.Join(paths.Root, name)
		default:
			return nil, "", fmt.Errorf("unsupported file type: %s", name)
		}
		if err := c.SaveUploadedFile(file, dst); err != nil {
			return nil, "", fmt.Errorf("save %s: %w", name, err)
		}
		saved = append(saved, name)
	}

	inputType := domain.InputTypeImages
	switch {
	case numVideos > 0 && numImages > 0:
		inputType = domain.InputTypeMixed
	case numVideos > 0:
		inputType = domain.InputTypeVideo
	}
	return saved, inputType, nil
}

// configFromForm builds a validated ProcessingConfig from multipart form
// fields, falling back to the balanced defaults for anything unset.
func configFromForm(c *gin.Context) (domain.ProcessingConfig, error) {
	cfg := domain.DefaultProcessingConfig()

	if v := c.PostForm("qualityMode"); v != "" {
		cfg.QualityMode = domain.QualityMode(strings.ToLower(v))
	}
	if v := c.PostForm("sfmEngine"); v != "" {
		cfg.SfMEngine = domain.SfMEngine(strings.ToLower(v))
	}
	if v := c.PostForm("cameraModel"); v != "" {
		cfg.CameraModel = strings.ToUpper(v)
	}
	if v := c.PostForm("extractionMode"); v != "" {
		cfg.ExtractionMode = domain.ExtractionMode(strings.ToLower(v))
	}
	if v := c.PostForm("maxFrames"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid maxFrames: %q", v)
		}
		cfg.MaxFrames = n
	}
	if v := c.PostForm("targetFps"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid targetFps: %q", v)
		}
		cfg.TargetFPS = f
	}
	if v := c.PostForm("resolution"); v != "" {
		cfg.Resolution = v
	}
	if v := c.PostForm("cropSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid cropSize: %q", v)
		}
		cfg.CropSize = n
	}
	if v := c.PostForm("useGpuExtraction"); v != "" {
		cfg.UseGPUExtraction = v == "true" || v == "1"
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ListProjects returns all known projects.
func (h *Handlers) ListProjects(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"projects": h.store.List()})
}

// Status returns the full state snapshot for one project.
func (h *Handlers) Status(c *gin.Context) {
	project, err := h.store.Get(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

type retryRequest struct {
	Stage     string               `json:"stage"`
	Overrides *domain.CustomParams `json:"overrides,omitempty"`
}

// Retry restarts a project from the given stage, keeping the outputs of
// earlier stages.
func (h *Handlers) Retry(c *gin.Context) {
	projectID := c.Param("id")

	var req retryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Stage == "" {
		req.Stage = string(domain.StageIngest)
	}

	stage := domain.StageKey(req.Stage)
	if !domain.ValidStage(stage) {
		respondError(c, http.StatusBadRequest, fmt.Errorf("unknown stage: %q", req.Stage))
		return
	}

	if err := h.scheduler.Retry(projectID, stage, req.Overrides); err != nil {
		respondError(c, http.StatusConflict, err)
		return
	}

	h.log.Info("project retry requested", "projectId", projectID, "fromStage", req.Stage)
	c.JSON(http.StatusAccepted, gin.H{
		"projectId": projectID,
		"fromStage": req.Stage,
	})
}

// Cancel stops the project's active subprocess and marks the run cancelled.
// Cancelling a project with nothing running is not an error.
func (h *Handlers) Cancel(c *gin.Context) {
	projectID := c.Param("id")

	cancelled, err := h.scheduler.Cancel(projectID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	if !cancelled {
		c.JSON(http.StatusOK, gin.H{
			"cancelled": false,
			"message":   "nothing to cancel",
		})
		return
	}

	h.log.Info("project cancelled", "projectId", projectID)
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// Delete cancels any active run and removes the project with its files.
func (h *Handlers) Delete(c *gin.Context) {
	projectID := c.Param("id")

	if _, err := h.store.Get(projectID); err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}

	if _, err := h.scheduler.Cancel(projectID); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	if err := h.store.Delete(projectID); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	paths := pipeline.NewProjectPaths(h.settings.UploadsDir(), h.settings.ResultsDir(), projectID)
	os.RemoveAll(paths.Root)
	os.RemoveAll(paths.Results)

	h.log.Info("project deleted", "projectId", projectID)
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// Result streams the trained model file for a completed project.
func (h *Handlers) Result(c *gin.Context) {
	project, err := h.store.Get(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}
	if project.ResultPath == "" {
		respondError(c, http.StatusNotFound, fmt.Errorf("no result available for project %s", project.ID))
		return
	}
	if _, err := os.Stat(project.ResultPath); err != nil {
		respondError(c, http.StatusNotFound, fmt.Errorf("result file missing: %s", filepath.Base(project.ResultPath)))
		return
	}
	c.FileAttachment(project.ResultPath, filepath.Base(project.ResultPath))
}
