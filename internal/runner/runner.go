package runner

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Runner performs one concrete download for a job, translating whatever
// progress signal the underlying mechanism exposes into store updates. A
// runner issues exactly one terminal update and never panics out.
type Runner interface {
	// Start performs the download. It blocks until the job reaches a
	// terminal state; callers run it in its own goroutine.
	Start(ctx context.Context) error

	// Cancel signals the underlying process or stream to stop. No further
	// progress updates are written after cancellation is acknowledged.
	Cancel()

	// JobID returns the job this runner is bound to.
	JobID() uuid.UUID
}

// Registry tracks the live runner for each job so cancellation requests can
// reach the process or stream doing the work.
type Registry struct {
	mu      sync.Mutex
	runners map[uuid.UUID]Runner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[uuid.UUID]Runner),
	}
}

// Add registers a runner for its job.
func (r *Registry) Add(runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runners[runner.JobID()] = runner
}

// Remove deregisters the runner for a job.
func (r *Registry) Remove(jobID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.runners, jobID)
}

// Cancel signals the runner for jobID, if one is live. Cancelling a job with
// no live runner is a no-op; cancellation of terminal jobs is idempotent.
func (r *Registry) Cancel(jobID uuid.UUID) {
	r.mu.Lock()
	runner, ok := r.runners[jobID]
	r.mu.Unlock()

	if ok {
		runner.Cancel()
	}
}

// Len returns the number of live runners.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.runners)
}
