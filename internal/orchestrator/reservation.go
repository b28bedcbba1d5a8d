package orchestrator

import (
	"sync"

	"executor/internal/apperrors"
)

// reservations tracks executions with a provisioning call in flight in
// this process, so one process never creates two containers for the
// same execution. Other processes are fenced by the registry.
type reservations struct {
	mu    sync.Mutex
	slots map[string]struct{}
}

func newReservations() *reservations {
	return &reservations{slots: make(map[string]struct{})}
}

// reserve claims the slot for an execution. Returns a conflict error if
// the slot is already taken.
func (r *reservations) reserve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.slots[id]; exists {
		return apperrors.Conflict("execution", id, "execution is already being provisioned")
	}
	r.slots[id] = struct{}{}
	return nil
}

// release frees the slot.
func (r *reservations) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.slots, id)
}

// has reports whether an execution is reserved.
func (r *reservations) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.slots[id]
	return exists
}

// len returns the number of in-flight reservations.
func (r *reservations) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
