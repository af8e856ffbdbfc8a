package appmanager

import (
	"time"

	"loom/internal/state"
)

// Summary describes a finished run.
type Summary struct {
	RunID    string
	Workflow string
	Duration time.Duration
	// Tasks counts canonical tasks by final state, resubmission clones
	// included.
	Tasks         map[state.State]int
	Resubmissions int
	// Unrecovered counts FAILED tasks no clone replaced.
	Unrecovered   int
	Pipelines     int
	PipelinesDone int
	Restarts      int
}

// Succeeded reports whether every pipeline finished with no failure left
// standing.
func (s Summary) Succeeded() bool {
	return s.PipelinesDone == s.Pipelines && s.Unrecovered == 0 && s.Tasks[state.Canceled] == 0
}

func (r *run) summary() Summary {
	s := Summary{
		RunID:     r.id,
		Workflow:  r.name,
		Duration:  time.Since(r.started),
		Tasks:     make(map[state.State]int),
		Pipelines: len(r.wf.Pipelines),
		Restarts:  r.restarts,
	}
	for _, pl := range r.wf.Pipelines {
		pl.Lock()
		if pl.State() == state.Done {
			s.PipelinesDone++
		}
		for _, stg := range pl.Stages {
			for _, t := range stg.Tasks {
				s.Tasks[t.State()]++
				if t.ResubmitOf != "" {
					s.Resubmissions++
				}
				if t.State() == state.Failed && !stg.Superseded(t.UID()) {
					s.Unrecovered++
				}
			}
		}
		pl.Unlock()
	}
	return s
}
