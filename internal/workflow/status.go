package workflow

import (
	"loom/internal/state"
)

// StatusSummary is a point-in-time view of the processor.
type StatusSummary struct {
	Running      bool
	EnqueueAlive bool
	DequeueAlive bool
	LastError    string
	// Tasks counts the processor's tasks by state.
	Tasks map[state.State]int
	// PipelinesDone counts pipelines whose cursor passed the last stage.
	PipelinesDone int
}

// Status returns the latest processor information.
func (p *Processor) Status() StatusSummary {
	p.mu.RLock()
	summary := StatusSummary{
		Running:      p.running,
		EnqueueAlive: p.enqueueAlive,
		DequeueAlive: p.dequeueAlive,
	}
	if p.lastErr != nil {
		summary.LastError = p.lastErr.Error()
	}
	p.mu.RUnlock()

	summary.Tasks = make(map[state.State]int)
	for _, pl := range p.wf.Pipelines {
		pl.Lock()
		if pl.Completed() {
			summary.PipelinesDone++
		}
		for _, s := range pl.Stages {
			for _, t := range s.Tasks {
				summary.Tasks[t.State()]++
			}
		}
		pl.Unlock()
	}
	return summary
}
