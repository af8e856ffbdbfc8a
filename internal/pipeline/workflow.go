package pipeline

import (
	"fmt"
)

// Workflow is the set of pipelines of one run. Membership is fixed once
// Freeze is called; only intra-stage resubmission clones may be added later.
type Workflow struct {
	Pipelines []*Pipeline
	frozen    bool
}

// NewWorkflow groups pipelines into a workflow.
func NewWorkflow(pipelines ...*Pipeline) *Workflow {
	return &Workflow{Pipelines: pipelines}
}

// AddPipeline appends p unless the workflow is frozen.
func (w *Workflow) AddPipeline(p *Pipeline) error {
	if w.frozen {
		return ErrFrozen
	}
	w.Pipelines = append(w.Pipelines, p)
	return nil
}

// Freeze fixes pipeline and stage membership.
func (w *Workflow) Freeze() { w.frozen = true }

// Frozen reports whether Freeze was called.
func (w *Workflow) Frozen() bool { return w.frozen }

// Clone returns a deep copy. The copy keeps the frozen flag.
func (w *Workflow) Clone() *Workflow {
	c := &Workflow{Pipelines: make([]*Pipeline, len(w.Pipelines)), frozen: w.frozen}
	for i, p := range w.Pipelines {
		c.Pipelines[i] = p.Clone()
	}
	return c
}

// Pipeline returns the pipeline with uid.
func (w *Workflow) Pipeline(uid string) (*Pipeline, bool) {
	for _, p := range w.Pipelines {
		if p.uid == uid {
			return p, true
		}
	}
	return nil, false
}

// Validate checks every pipeline and rejects duplicate uids.
func (w *Workflow) Validate() error {
	if len(w.Pipelines) == 0 {
		return fmt.Errorf("workflow: at least one pipeline is required")
	}
	seen := make(map[string]struct{})
	mark := func(uid string) error {
		if _, ok := seen[uid]; ok {
			return fmt.Errorf("workflow: duplicate id %s", uid)
		}
		seen[uid] = struct{}{}
		return nil
	}
	for _, p := range w.Pipelines {
		if err := p.Validate(); err != nil {
			return err
		}
		if err := mark(p.uid); err != nil {
			return err
		}
		for _, s := range p.Stages {
			if err := mark(s.uid); err != nil {
				return err
			}
			for _, t := range s.Tasks {
				if err := mark(t.uid); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Counts summarizes the workflow's size.
type Counts struct {
	Pipelines int
	Stages    int
	Tasks     int
}

// Count walks the workflow. Callers sharing the workflow with running loops
// must not call it without holding each pipeline's lock.
func (w *Workflow) Count() Counts {
	var c Counts
	c.Pipelines = len(w.Pipelines)
	for _, p := range w.Pipelines {
		c.Stages += len(p.Stages)
		for _, s := range p.Stages {
			c.Tasks += len(s.Tasks)
		}
	}
	return c
}
