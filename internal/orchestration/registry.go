package orchestration

import "sync"

// Registry tracks the executors of in-flight batches by batch run ID.
// Executors remove themselves when they reach a terminal status, so a miss
// here means the batch is finished and lives only in the store.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]*Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]*Executor)}
}

// Track registers an executor under its batch run ID and arranges removal
// at termination. Call after Start has assigned the run.
func (r *Registry) Track(e *Executor) {
	run := e.RunSnapshot()

	r.mu.Lock()
	r.executors[run.ID] = e
	r.mu.Unlock()

	e.setOnTerminal(func(e *Executor) {
		r.mu.Lock()
		delete(r.executors, run.ID)
		r.mu.Unlock()
	})
}

// Get returns the live executor for a batch run, if any.
func (r *Registry) Get(batchRunID string) (*Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[batchRunID]
	return e, ok
}

// Len reports how many batches are currently live.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executors)
}
