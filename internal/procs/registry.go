package procs

import (
	"sync"
	"time"
)

// Process is the handle the registry needs to cancel a running tool:
// a graceful terminate, a hard kill, and exit notification.
type Process interface {
	Terminate() error
	Kill() error
	Done() <-chan struct{}
}

// Registry tracks the single active subprocess per project so cancellation
// always targets "the" process. At most one handle exists per project.
type Registry struct {
	mu     sync.Mutex
	active map[string]Process
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]Process)}
}

// Register stores the handle for a project's running subprocess.
func (r *Registry) Register(projectID string, p Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[projectID] = p
}

// Unregister removes the handle. Safe to call when none is registered.
func (r *Registry) Unregister(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, projectID)
}

// Get returns the active handle for a project, if any.
func (r *Registry) Get(projectID string) (Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.active[projectID]
	return p, ok
}

// Cancel terminates the project's active subprocess: graceful signal first,
// then a forced kill if it is still alive after the grace period. Returns
// false when there is nothing to cancel, which is not an error.
func (r *Registry) Cancel(projectID string, grace time.Duration) bool {
	r.mu.Lock()
	p, ok := r.active[projectID]
	if ok {
		delete(r.active, projectID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	_ = p.Terminate()
	select {
	case <-p.Done():
	case <-time.After(grace):
		_ = p.Kill()
		<-p.Done()
	}
	return true
}
