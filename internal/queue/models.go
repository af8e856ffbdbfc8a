package queue

import "time"

// RunStatus is the lifecycle of one coordinator run.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunDone     RunStatus = "done"
	RunFailed   RunStatus = "failed"
	RunCanceled RunStatus = "canceled"
)

// Run is the persisted record of one coordinator run.
type Run struct {
	ID           string
	Workflow     string
	Status       RunStatus
	ResourceJSON string
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// EntityRecord mirrors the canonical state of one task, stage, or pipeline.
type EntityRecord struct {
	RunID      string
	UID        string
	Kind       string
	Name       string
	PipelineID string
	StageID    string
	State      string
	ExitCode   *int
	Path       string
	StageIndex int
	TaskIndex  int
	ResubmitOf string
	UpdatedAt  time.Time
}
