package domain

import "time"

// ProjectStatus tracks the lifecycle of one reconstruction project.
type ProjectStatus string

const (
	ProjectStatusQueued     ProjectStatus = "queued"
	ProjectStatusProcessing ProjectStatus = "processing"
	ProjectStatusCompleted  ProjectStatus = "completed"
	ProjectStatusFailed     ProjectStatus = "failed"
	ProjectStatusCancelled  ProjectStatus = "cancelled"
)

// StageStatus tracks one pipeline stage within a project.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusCancelled StageStatus = "cancelled"
	StageStatusFailed    StageStatus = "failed"
)

// StageState is the per-stage progress record stored on a project.
type StageState struct {
	Key         StageKey    `json:"key"`
	Label       string      `json:"label"`
	Status      StageStatus `json:"status"`
	Progress    int         `json:"progress"`
	Detail      string      `json:"detail,omitempty"`
	Subtext     string      `json:"subtext,omitempty"`
	StartedAt   *time.Time  `json:"startedAt"`
	CompletedAt *time.Time  `json:"completedAt"`
}

// LogEntry is one line of the bounded in-memory log tail.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// InputType classifies what kind of media a project was created from.
type InputType string

const (
	InputTypeImages InputType = "images"
	InputTypeVideo  InputType = "video"
	InputTypeMixed  InputType = "mixed"
)

// Project is the durable record for one submitted reconstruction job.
type Project struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Status     ProjectStatus    `json:"status"`
	Config     ProcessingConfig `json:"config"`
	Stages     []StageState     `json:"progressStages"`
	Progress   int              `json:"progress"`
	LogTail    []LogEntry       `json:"logTail"`
	LogFile    string           `json:"logFile"`
	Error      string           `json:"error,omitempty"`
	InputType  InputType        `json:"inputType"`
	FileCount  int              `json:"fileCount"`
	Files      []string         `json:"files"`
	StartTime  time.Time        `json:"startTime"`
	EndTime    *time.Time       `json:"endTime"`
	UpdatedAt  time.Time        `json:"updatedAt"`
	ResultPath string           `json:"resultPath,omitempty"`
}

// Stage returns a pointer to the stage state with the given key, or nil.
func (p *Project) Stage(key StageKey) *StageState {
	for i := range p.Stages {
		if p.Stages[i].Key == key {
			return &p.Stages[i]
		}
	}
	return nil
}

// ProgressEvent is one structured progress update parsed from tool output.
type ProgressEvent struct {
	Current int
	Total   int
	Label   string
}

// Percent converts the event to a stage percentage floored into [0, 99].
// 100 is reserved for the explicit stage-completion transition so a
// progress line can never mark a stage done before its process exits.
func (e ProgressEvent) Percent() int {
	if e.Total <= 0 {
		return 0
	}
	current := e.Current
	if current < 0 {
		current = 0
	}
	if current > e.Total {
		current = e.Total
	}
	percent := current * 100 / e.Total
	if percent > 99 {
		percent = 99
	}
	return percent
}
