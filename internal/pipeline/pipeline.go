package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"loom/internal/state"
)

var (
	// ErrNoStage is returned when the cursor would move outside the stage list.
	ErrNoStage = errors.New("no such stage")
	// ErrFrozen is returned when membership changes after execution began.
	ErrFrozen = errors.New("workflow membership is frozen")
)

// Pipeline is an ordered sequence of stages with a cursor naming the stage
// currently eligible for scheduling. Readers and mutators of the pipeline's
// stages and tasks must hold Lock for one inspect-and-transition step.
type Pipeline struct {
	mu sync.Mutex

	uid    string
	Name   string
	Stages []*Stage

	cursor int
	state  state.State
}

// NewPipeline creates an INITIAL pipeline holding stages in order.
func NewPipeline(name string, stages ...*Stage) *Pipeline {
	p := &Pipeline{uid: newUID("pipeline"), Name: name, state: state.Initial}
	for _, s := range stages {
		p.AddStage(s)
	}
	return p
}

func (p *Pipeline) UID() string            { return p.uid }
func (p *Pipeline) Kind() state.Kind       { return state.KindPipeline }
func (p *Pipeline) State() state.State     { return p.state }
func (p *Pipeline) SetState(s state.State) { p.state = s }
func (p *Pipeline) Lock()                  { p.mu.Lock() }
func (p *Pipeline) Unlock()                { p.mu.Unlock() }

// AddStage appends s and stamps ownership on it and its tasks.
func (p *Pipeline) AddStage(s *Stage) {
	s.setPipeline(p.uid, len(p.Stages)+1)
	p.Stages = append(p.Stages, s)
}

// CurrentIndex is the 0-based cursor; it equals len(Stages) once completed.
func (p *Pipeline) CurrentIndex() int { return p.cursor }

// CurrentStage returns the stage under the cursor.
func (p *Pipeline) CurrentStage() (*Stage, bool) {
	if p.cursor < 0 || p.cursor >= len(p.Stages) {
		return nil, false
	}
	return p.Stages[p.cursor], true
}

// Completed reports whether the cursor advanced past the last stage.
func (p *Pipeline) Completed() bool { return p.cursor >= len(p.Stages) }

// AdvanceStage moves the cursor forward by one. Moving beyond the
// past-the-end position is rejected and leaves the cursor unchanged.
func (p *Pipeline) AdvanceStage() error {
	next := p.cursor + 1
	if next > len(p.Stages) {
		return fmt.Errorf("pipeline %s: advance to stage %d of %d: %w", p.label(), next+1, len(p.Stages), ErrNoStage)
	}
	p.cursor = next
	return nil
}

// RetreatStage undoes one AdvanceStage.
func (p *Pipeline) RetreatStage() error {
	if p.cursor == 0 {
		return fmt.Errorf("pipeline %s: retreat before first stage: %w", p.label(), ErrNoStage)
	}
	p.cursor--
	return nil
}

// Stage returns the stage with uid.
func (p *Pipeline) Stage(uid string) (*Stage, bool) {
	for _, s := range p.Stages {
		if s.uid == uid {
			return s, true
		}
	}
	return nil, false
}

// StageAt returns the stage at a 1-based position.
func (p *Pipeline) StageAt(index int) (*Stage, bool) {
	if index < 1 || index > len(p.Stages) {
		return nil, false
	}
	return p.Stages[index-1], true
}

// Clone returns a deep copy with the same uids and a fresh lock. The caller
// must ensure p is not being mutated concurrently.
func (p *Pipeline) Clone() *Pipeline {
	c := &Pipeline{uid: p.uid, Name: p.Name, cursor: p.cursor, state: p.state}
	c.Stages = make([]*Stage, len(p.Stages))
	for i, s := range p.Stages {
		c.Stages[i] = s.Clone()
	}
	return c
}

// SetCursor positions the cursor when restoring from a persisted mirror.
func (p *Pipeline) SetCursor(index int) error {
	if index < 0 || index > len(p.Stages) {
		return fmt.Errorf("pipeline %s: cursor %d: %w", p.label(), index, ErrNoStage)
	}
	p.cursor = index
	return nil
}

// Validate checks the pipeline and everything it holds.
func (p *Pipeline) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline %s: at least one stage is required", p.label())
	}
	for _, s := range p.Stages {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("pipeline %s: %w", p.label(), err)
		}
	}
	return nil
}

// Label is the human name, falling back to the uid.
func (p *Pipeline) Label() string { return p.label() }

func (p *Pipeline) label() string {
	if p.Name != "" {
		return p.Name
	}
	return p.uid
}
