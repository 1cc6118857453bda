package docker

import (
	"context"
	"controlplane/internal/apperrors"
	"controlplane/internal/job"
	"sort"
	"sync"
)

// unitState holds the containers backing one workload.
type unitState struct {
	workerID    string
	sidecarID   string
	volumeName  string
	cancelWatch context.CancelFunc
}

// unitRepo tracks the units this process launched or adopted.
type unitRepo struct {
	mu    sync.RWMutex
	units map[job.WorkloadRef]*unitState
}

func newUnitRepo() *unitRepo {
	return &unitRepo{
		units: make(map[job.WorkloadRef]*unitState),
	}
}

// reserve claims ref. The slot holds nil until commit is called.
func (r *unitRepo) reserve(ref job.WorkloadRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.units[ref]; exists {
		return apperrors.Conflict("workload", string(ref), "workload already exists")
	}
	r.units[ref] = nil
	return nil
}

// get returns the state for ref. A reserved but uncommitted slot is (nil, true).
func (r *unitRepo) get(ref job.WorkloadRef) (*unitState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	us, ok := r.units[ref]
	return us, ok
}

// commit fills in a reserved slot.
func (r *unitRepo) commit(ref job.WorkloadRef, us *unitState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units[ref] = us
}

// release removes ref. Returns the state if it existed.
func (r *unitRepo) release(ref job.WorkloadRef) (*unitState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	us, exists := r.units[ref]
	if exists {
		delete(r.units, ref)
	}
	return us, exists
}

// refs returns every tracked ref, sorted.
func (r *unitRepo) refs() []job.WorkloadRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]job.WorkloadRef, 0, len(r.units))
	for ref := range r.units {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs
}
