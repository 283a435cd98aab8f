package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"splat-pipeline/internal/config"
	"splat-pipeline/internal/diagnostics"
	"splat-pipeline/internal/domain"
	"splat-pipeline/internal/logger"
	"splat-pipeline/internal/pipeline"
	"splat-pipeline/internal/procs"
	"splat-pipeline/internal/projects"
	"splat-pipeline/internal/realtime"
	"splat-pipeline/internal/video"
)

type stubRunner struct{}

func (stubRunner) Run(string, []string, string, func(string)) error {
	return fmt.Errorf("no tools in test environment")
}

type stubFrameExtractor struct{}

func (stubFrameExtractor) Extract(string, string, string, video.Options, int, func(int, int)) (int, error) {
	return 0, nil
}

type apiFixture struct {
	settings config.Settings
	store    *projects.Store
	router   *gin.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	settings := config.DefaultSettings()
	settings.DataDir = dir
	settings.ColmapPath = writeStubTool(t, dir, "colmap")
	settings.OpenSplatPath = writeStubTool(t, dir, "opensplat")
	settings.FFmpegPath = writeStubTool(t, dir, "ffmpeg")
	settings.FFprobePath = writeStubTool(t, dir, "ffprobe")
	require.NoError(t, settings.EnsureDirectories())

	log := logger.NewNop()
	store := projects.NewStore(settings.ProjectsDBFile(), settings.LogsDir(), settings.MaxLogTail, log)
	scheduler := pipeline.NewScheduler(store, procs.NewRegistry(), stubRunner{}, stubFrameExtractor{}, settings, log)

	handlers := NewHandlers(store, scheduler, diagnostics.NewChecker(), settings, log)
	router := NewRouter(handlers, realtime.NewHub(log), settings.AllowedOrigins)
	return &apiFixture{settings: settings, store: store, router: router}
}

func writeStubTool(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	return path
}

func (f *apiFixture) do(t *testing.T, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func multipartUpload(t *testing.T, fields map[string]string, fileNames ...string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for key, value := range fields {
		require.NoError(t, w.WriteField(key, value))
	}
	for _, name := range fileNames {
		part, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write([]byte("fake image bytes"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func TestHealthReportsDiagnostics(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	out := decodeJSON(t, rec)
	require.Equal(t, "ok", out["status"])
	require.Contains(t, out, "diagnostics")
}

func TestUploadCreatesAndSubmitsProject(t *testing.T) {
	f := newAPIFixture(t)

	body, contentType := multipartUpload(t,
		map[string]string{"name": "kitchen scan", "qualityMode": "fast"},
		"a.jpg", "b.jpg", "c.jpg",
	)
	rec := f.do(t, http.MethodPost, "/api/upload", body, contentType)
	require.Equal(t, http.StatusAccepted, rec.Code)

	out := decodeJSON(t, rec)
	require.Equal(t, float64(3), out["fileCount"])
	projectID, ok := out["projectId"].(string)
	require.True(t, ok)

	project, err := f.store.Get(projectID)
	require.NoError(t, err)
	require.Equal(t, "kitchen scan", project.Name)
	require.Equal(t, domain.QualityFast, project.Config.QualityMode)
	require.Equal(t, domain.InputTypeImages, project.InputType)

	// Image files land in the project's images directory.
	paths := pipeline.NewProjectPaths(f.settings.UploadsDir(), f.settings.ResultsDir(), projectID)
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		_, err := os.Stat(filepath.Join(paths.Images, name))
		require.NoError(t, err)
	}
}

func TestUploadRejectsEmptyBatch(t *testing.T) {
	f := newAPIFixture(t)

	body, contentType := multipartUpload(t, map[string]string{"qualityMode": "fast"})
	rec := f.do(t, http.MethodPost, "/api/upload", body, contentType)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, decodeJSON(t, rec)["error"], "no files")
}

func TestUploadRejectsUnsupportedFileType(t *testing.T) {
	f := newAPIFixture(t)

	body, contentType := multipartUpload(t, nil, "a.jpg", "notes.txt")
	rec := f.do(t, http.MethodPost, "/api/upload", body, contentType)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, decodeJSON(t, rec)["error"], "unsupported file type")

	// The partially written project directory is cleaned up.
	entries, err := os.ReadDir(f.settings.UploadsDir())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestUploadRejectsInvalidConfig(t *testing.T) {
	f := newAPIFixture(t)

	body, contentType := multipartUpload(t, map[string]string{"qualityMode": "turbo"}, "a.jpg")
	rec := f.do(t, http.MethodPost, "/api/upload", body, contentType)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, decodeJSON(t, rec)["error"], "unknown quality mode")
}

func TestStatusUnknownProject(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/status/nope", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListProjects(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.store.Create("p1", "one", domain.DefaultProcessingConfig(), domain.InputTypeImages, []string{"a.jpg"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/projects", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeJSON(t, rec)["projects"], 1)
}

func TestRetryRejectsUnknownStage(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.store.Create("p1", "one", domain.DefaultProcessingConfig(), domain.InputTypeImages, []string{"a.jpg"})
	require.NoError(t, err)

	body := bytes.NewBufferString(`{"stage": "warp_drive"}`)
	rec := f.do(t, http.MethodPost, "/api/project/p1/retry", body, "application/json")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, decodeJSON(t, rec)["error"], "unknown stage")
}

func TestRetryUnknownProjectConflicts(t *testing.T) {
	f := newAPIFixture(t)

	body := bytes.NewBufferString(`{"stage": "feature_matching"}`)
	rec := f.do(t, http.MethodPost, "/api/project/nope/retry", body, "application/json")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelWithNothingRunning(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.store.Create("p1", "one", domain.DefaultProcessingConfig(), domain.InputTypeImages, []string{"a.jpg"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/project/p1/cancel", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	out := decodeJSON(t, rec)
	require.Equal(t, false, out["cancelled"])
	require.Equal(t, "nothing to cancel", out["message"])
}

func TestDeleteRemovesProjectAndFiles(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.store.Create("p1", "one", domain.DefaultProcessingConfig(), domain.InputTypeImages, []string{"a.jpg"})
	require.NoError(t, err)

	paths := pipeline.NewProjectPaths(f.settings.UploadsDir(), f.settings.ResultsDir(), "p1")
	require.NoError(t, paths.Ensure())

	rec := f.do(t, http.MethodPost, "/api/project/p1/delete", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = f.store.Get("p1")
	require.Error(t, err)
	_, err = os.Stat(paths.Root)
	require.True(t, os.IsNotExist(err))
}

func TestDeleteUnknownProject(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/project/nope/delete", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResultNotAvailable(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.store.Create("p1", "one", domain.DefaultProcessingConfig(), domain.InputTypeImages, []string{"a.jpg"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/project/p1/result", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, decodeJSON(t, rec)["error"], "no result available")
}

func TestResultServesFile(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.store.Create("p1", "one", domain.DefaultProcessingConfig(), domain.InputTypeImages, []string{"a.jpg"})
	require.NoError(t, err)

	plyPath := filepath.Join(f.settings.ResultsDir(), "p1_fast_500iter.ply")
	require.NoError(t, os.WriteFile(plyPath, []byte("ply content"), 0o644))
	require.NoError(t, f.store.Mutate("p1", func(p *domain.Project) {
		p.ResultPath = plyPath
	}))

	rec := f.do(t, http.MethodGet, "/api/project/p1/result", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ply content", rec.Body.String())
	require.True(t, strings.Contains(rec.Header().Get("Content-Disposition"), "p1_fast_500iter.ply"))
}
