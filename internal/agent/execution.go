package agent

import (
	"sync"
	"sync/atomic"

	"simrun.engine/internal/core/apperrors"
	"simrun.engine/internal/core/ports"
)

// execution is the worker-local state of one claimed job. It is never
// persisted.
type execution struct {
	jobID string

	cancelRequested atomic.Bool
	// shutdown marks a cancel forced by dispatcher shutdown rather than a user.
	shutdown atomic.Bool
}

func (e *execution) requestCancel() bool {
	return e.cancelRequested.Swap(true)
}

// executions tracks the jobs this instance owns.
type executions struct {
	mu   sync.RWMutex
	jobs map[string]*execution
}

var _ ports.ExecutionControl = (*executions)(nil)

func newExecutions() *executions {
	return &executions{jobs: make(map[string]*execution)}
}

// reserve registers jobID before it is claimed so a duplicate hint on this
// instance does not race the claim.
func (t *executions) reserve(jobID string) (*execution, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.jobs[jobID]; exists {
		return nil, apperrors.Conflict("execution", jobID, "already owned by this instance")
	}
	e := &execution{jobID: jobID}
	t.jobs[jobID] = e
	return e, nil
}

func (t *executions) release(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, jobID)
}

func (t *executions) get(jobID string) (*execution, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.jobs[jobID]
	return e, ok
}

func (t *executions) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

// abortAll flags every owned execution for a shutdown cancel.
func (t *executions) abortAll() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.jobs {
		e.shutdown.Store(true)
		e.cancelRequested.Store(true)
	}
	return len(t.jobs)
}

func (t *executions) RequestCancel(jobID string) (found, already bool) {
	e, ok := t.get(jobID)
	if !ok {
		return false, false
	}
	return true, e.requestCancel()
}
