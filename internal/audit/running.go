package audit

import (
	"context"
	"sync"
)

// running tracks the cancel funcs of jobs executing in this process.
type running struct {
	mu   sync.Mutex
	jobs map[string]context.CancelFunc
}

func newRunning() *running {
	return &running{jobs: make(map[string]context.CancelFunc)}
}

func (r *running) add(jobID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID] = cancel
}

func (r *running) remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
}

// cancel stops a job running here. It reports false when the job runs
// elsewhere or not at all.
func (r *running) cancel(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.jobs[jobID]
	if ok {
		cancel()
	}
	return ok
}

func (r *running) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
