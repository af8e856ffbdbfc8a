package pipeline

import (
	"fmt"

	"loom/internal/state"
)

// Stage is a set of tasks that may run concurrently once the owning
// pipeline's cursor reaches it. Resubmission can grow the task set.
type Stage struct {
	uid        string
	Name       string
	PipelineID string
	// Index is the 1-based position inside the pipeline.
	Index int
	Tasks []*Task

	state state.State
}

// NewStage creates an INITIAL stage holding tasks.
func NewStage(name string, tasks ...*Task) *Stage {
	s := &Stage{uid: newUID("stage"), Name: name, state: state.Initial}
	for _, t := range tasks {
		s.AddTask(t)
	}
	return s
}

func (s *Stage) UID() string               { return s.uid }
func (s *Stage) Kind() state.Kind          { return state.KindStage }
func (s *Stage) State() state.State        { return s.state }
func (s *Stage) SetState(st state.State)   { s.state = st }
func (s *Stage) Parents() (string, string) { return s.PipelineID, "" }

// AddTask appends t, stamping its parent ids and position. Tasks that
// already carry a position (resubmission clones) keep it.
func (s *Stage) AddTask(t *Task) {
	t.StageID = s.uid
	t.PipelineID = s.PipelineID
	if t.StageIndex == 0 {
		t.StageIndex = s.Index
	}
	if t.TaskIndex == 0 {
		t.TaskIndex = len(s.Tasks) + 1
	}
	s.Tasks = append(s.Tasks, t)
}

// Task returns the task with uid.
func (s *Stage) Task(uid string) (*Task, bool) {
	for _, t := range s.Tasks {
		if t.uid == uid {
			return t, true
		}
	}
	return nil, false
}

// Complete reports whether every task reached a terminal state.
func (s *Stage) Complete() bool {
	for _, t := range s.Tasks {
		if !t.Terminal() {
			return false
		}
	}
	return true
}

// Superseded reports whether a FAILED task has been replaced by a clone.
func (s *Stage) Superseded(uid string) bool {
	for _, t := range s.Tasks {
		if t.ResubmitOf == uid {
			return true
		}
	}
	return false
}

// Clone returns a deep copy carrying the same uids.
func (s *Stage) Clone() *Stage {
	c := *s
	c.Tasks = make([]*Task, len(s.Tasks))
	for i, t := range s.Tasks {
		c.Tasks[i] = t.Clone()
	}
	return &c
}

// Validate checks the stage and its tasks.
func (s *Stage) Validate() error {
	if len(s.Tasks) == 0 {
		return fmt.Errorf("stage %s: at least one task is required", s.label())
	}
	for _, t := range s.Tasks {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("stage %s: %w", s.label(), err)
		}
	}
	return nil
}

func (s *Stage) label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.uid
}

func (s *Stage) setPipeline(pipelineID string, index int) {
	s.PipelineID = pipelineID
	s.Index = index
	for _, t := range s.Tasks {
		t.PipelineID = pipelineID
		t.StageIndex = index
	}
}
