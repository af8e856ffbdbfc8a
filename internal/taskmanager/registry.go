package taskmanager

import (
	"sync"

	"loom/internal/pipeline"
)

// Registry tracks tasks handed to the pool. Share one across manager
// restarts.
type Registry struct {
	mu        sync.Mutex
	submitted map[string]struct{}
	parked    []*pipeline.Task
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{submitted: make(map[string]struct{})}
}

// Claim marks uid as submitted. It returns false when uid was already
// claimed.
func (r *Registry) Claim(uid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.submitted[uid]; ok {
		return false
	}
	r.submitted[uid] = struct{}{}
	return true
}

// Release forgets uid after a failed submission.
func (r *Registry) Release(uid string) {
	r.mu.Lock()
	delete(r.submitted, uid)
	r.mu.Unlock()
}

// Submitted reports how many tasks have been claimed.
func (r *Registry) Submitted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.submitted)
}

// park keeps a finished task whose completion could not be published.
func (r *Registry) park(t *pipeline.Task) {
	r.mu.Lock()
	r.parked = append(r.parked, t)
	r.mu.Unlock()
}

// takeParked removes and returns every parked task.
func (r *Registry) takeParked() []*pipeline.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.parked
	r.parked = nil
	return out
}

// Parked reports how many completions are waiting to be published.
func (r *Registry) Parked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.parked)
}
