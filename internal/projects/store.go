package projects

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"splat-pipeline/internal/domain"
	"splat-pipeline/internal/logger"
	"splat-pipeline/internal/realtime"
)

// ErrDuplicateProject is returned when creating a project whose ID exists.
var ErrDuplicateProject = errors.New("project already exists")

// ErrProjectNotFound is returned for lookups of unknown project IDs.
var ErrProjectNotFound = errors.New("project not found")

// ErrProjectNotProcessing is returned when a stage tries to start on a
// project that is no longer processing, typically after a cancellation that
// landed between stages.
var ErrProjectNotProcessing = errors.New("project is not processing")

// Store owns all project records. Every read and write goes through its
// mutex; the raw map is never exposed. The on-disk JSON file is rewritten
// after each mutation and the in-memory map is the working copy.
type Store struct {
	mu       sync.Mutex
	dbPath   string
	logsDir  string
	maxTail  int
	projects map[string]*domain.Project
	notifier realtime.Notifier
	log      *logger.Logger
	now      func() time.Time
}

// NewStore creates an empty store backed by the given JSON file, with
// per-project log files under logsDir.
func NewStore(dbPath, logsDir string, maxTail int, log *logger.Logger) *Store {
	if maxTail <= 0 {
		maxTail = 500
	}
	return &Store{
		dbPath:   dbPath,
		logsDir:  logsDir,
		maxTail:  maxTail,
		projects: make(map[string]*domain.Project),
		notifier: realtime.NopNotifier{},
		log:      log.With("component", "project-store"),
		now:      time.Now,
	}
}

// SetNotifier registers the realtime fan-out used for progress and log
// events. Must be called before the store is shared across goroutines.
func (s *Store) SetNotifier(n realtime.Notifier) {
	if n != nil {
		s.notifier = n
	}
}

// Load reads the project database from disk. A missing or corrupt file
// yields an empty store rather than a startup failure.
func (s *Store) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.dbPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Error("failed to read projects database", "path", s.dbPath, "error", err)
		}
		s.projects = make(map[string]*domain.Project)
		return
	}

	loaded := make(map[string]*domain.Project)
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.log.Error("projects database is corrupt, starting empty", "path", s.dbPath, "error", err)
		s.projects = make(map[string]*domain.Project)
		return
	}

	s.projects = loaded
	s.log.Info("loaded projects from database", "count", len(loaded))
}

// Save persists the full map to disk. Failures are logged, never fatal.
func (s *Store) Save() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked()
}

func (s *Store) saveLocked() {
	data, err := json.MarshalIndent(s.projects, "", "  ")
	if err != nil {
		s.log.Error("failed to encode projects database", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.dbPath), 0o755); err != nil {
		s.log.Error("failed to create database directory", "error", err)
		return
	}
	if err := os.WriteFile(s.dbPath, data, 0o644); err != nil {
		s.log.Error("failed to write projects database", "path", s.dbPath, "error", err)
	}
}

// Create registers a new project with pending stages in pipeline order.
func (s *Store) Create(id, name string, cfg domain.ProcessingConfig, inputType domain.InputType, files []string) (domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.projects[id]; exists {
		return domain.Project{}, fmt.Errorf("%w: %s", ErrDuplicateProject, id)
	}

	now := s.now()
	project := &domain.Project{
		ID:        id,
		Name:      name,
		Status:    domain.ProjectStatusQueued,
		Config:    cfg,
		Stages:    domain.NewStageStates(),
		LogTail:   []domain.LogEntry{},
		LogFile:   filepath.Join(s.logsDir, id+".log"),
		InputType: inputType,
		FileCount: len(files),
		Files:     append([]string(nil), files...),
		StartTime: now,
		UpdatedAt: now,
	}

	s.projects[id] = project
	s.saveLocked()
	return cloneProject(project), nil
}

// Get returns a snapshot copy of a project.
func (s *Store) Get(id string) (domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	project, ok := s.projects[id]
	if !ok {
		return domain.Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	return cloneProject(project), nil
}

// List returns snapshot copies of all projects.
func (s *Store) List() []domain.Project {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Project, 0, len(s.projects))
	for _, project := range s.projects {
		out = append(out, cloneProject(project))
	}
	return out
}

// Delete removes a project record and persists the change.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[id]; !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	delete(s.projects, id)
	s.saveLocked()
	return nil
}

// Mutate is the only sanctioned write path. It applies fn to the live
// record under the lock, recomputes derived progress, persists, and keeps
// the updated-at timestamp current. State transitions within one project
// are therefore serialized.
func (s *Store) Mutate(id string, fn func(*domain.Project)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	project, ok := s.projects[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}

	fn(project)
	project.Progress = domain.OverallProgress(project.Stages)
	project.UpdatedAt = s.now()
	s.saveLocked()
	return nil
}

// AppendLog adds a timestamped line to the bounded in-memory tail and the
// per-project log file, then notifies subscribers. Log persistence is
// best-effort: file write failures are logged locally and swallowed.
func (s *Store) AppendLog(id, message string) {
	s.mu.Lock()

	project, ok := s.projects[id]
	if !ok {
		s.mu.Unlock()
		return
	}

	ts := s.now()
	project.LogTail = append(project.LogTail, domain.LogEntry{Time: ts, Message: message})
	if overflow := len(project.LogTail) - s.maxTail; overflow > 0 {
		project.LogTail = append([]domain.LogEntry(nil), project.LogTail[overflow:]...)
	}
	logFile := project.LogFile
	s.saveLocked()

	// Notify inside the lock window so subscribers observe log lines in
	// the order they were appended.
	s.notifier.NotifyLogLine(id, message, ts)
	s.mu.Unlock()

	line := fmt.Sprintf("[%s] %s\n", ts.Format(time.RFC3339), message)
	if err := appendToFile(logFile, line); err != nil {
		s.log.Error("failed writing project log", "projectID", id, "error", err)
	}
}

// UpdateStage applies a stage transition. A status of running stamps
// StartedAt once; completed and cancelled stamp CompletedAt. Progress
// changes are fanned out to subscribers within the same lock acquisition.
func (s *Store) UpdateStage(id string, key domain.StageKey, update StageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	project, ok := s.projects[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}

	stage := project.Stage(key)
	if stage == nil {
		return fmt.Errorf("unknown stage %q for project %s", key, id)
	}

	// Stages cannot start on a finished project. This is the boundary where
	// a cancellation recorded while no subprocess was running halts the
	// pipeline goroutine.
	if update.Status == domain.StageStatusRunning {
		switch project.Status {
		case domain.ProjectStatusCancelled, domain.ProjectStatusFailed, domain.ProjectStatusCompleted:
			return fmt.Errorf("%w: %s", ErrProjectNotProcessing, id)
		}
	}

	now := s.now()
	if update.Status != "" {
		stage.Status = update.Status
		switch update.Status {
		case domain.StageStatusRunning:
			if stage.StartedAt == nil {
				started := now
				stage.StartedAt = &started
			}
		case domain.StageStatusCompleted, domain.StageStatusCancelled, domain.StageStatusFailed:
			completed := now
			stage.CompletedAt = &completed
		}
	}
	if update.Progress != nil {
		stage.Progress = clampStageProgress(*update.Progress, stage.Status)
	}
	if update.Detail != nil {
		stage.Detail = *update.Detail
	}
	if update.Subtext != nil {
		stage.Subtext = *update.Subtext
	}

	project.Progress = domain.OverallProgress(project.Stages)
	project.UpdatedAt = now
	s.saveLocked()

	if update.Progress != nil || update.Status != "" {
		s.notifier.NotifyStageProgress(id, string(key), stage.Progress, stage.Detail)
	}
	return nil
}

// StageUpdate describes a partial stage mutation. Nil fields are untouched.
type StageUpdate struct {
	Status   domain.StageStatus
	Progress *int
	Detail   *string
	Subtext  *string
}

// Running transitions a stage to running.
func (s *Store) Running(id string, key domain.StageKey) error {
	return s.UpdateStage(id, key, StageUpdate{Status: domain.StageStatusRunning})
}

// Completed transitions a stage to completed with 100% progress.
func (s *Store) Completed(id string, key domain.StageKey) error {
	progress := 100
	return s.UpdateStage(id, key, StageUpdate{Status: domain.StageStatusCompleted, Progress: &progress})
}

// Progress records stage-local progress, clamped to [0, 99] while running.
func (s *Store) Progress(id string, key domain.StageKey, percent int, detail string) error {
	return s.UpdateStage(id, key, StageUpdate{Progress: &percent, Detail: &detail})
}

// clampStageProgress keeps running stages below 100: completion is an
// explicit transition, never inferred from a progress line.
func clampStageProgress(percent int, status domain.StageStatus) int {
	if percent < 0 {
		return 0
	}
	if status != domain.StageStatusCompleted && percent > 99 {
		return 99
	}
	if percent > 100 {
		return 100
	}
	return percent
}

func appendToFile(path, line string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}

func cloneProject(p *domain.Project) domain.Project {
	out := *p
	out.Stages = append([]domain.StageState(nil), p.Stages...)
	out.LogTail = append([]domain.LogEntry(nil), p.LogTail...)
	out.Files = append([]string(nil), p.Files...)
	return out
}
