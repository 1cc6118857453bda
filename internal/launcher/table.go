package launcher

import (
	"controlplane/internal/job"
	"sync"
)

// launch is one workload id's entry in the idempotency table. done is closed
// once result is final; until then concurrent submitters wait on it.
type launch struct {
	done   chan struct{}
	result Result
}

// launchTable remembers accepted launches so a workload id is never
// submitted to the platform twice while it is live.
type launchTable struct {
	mu    sync.Mutex
	byID  map[job.WorkloadID]*launch
	byRef map[job.WorkloadRef]job.WorkloadID
}

func newLaunchTable() *launchTable {
	return &launchTable{
		byID:  make(map[job.WorkloadID]*launch),
		byRef: make(map[job.WorkloadRef]job.WorkloadID),
	}
}

// reserve claims id for a new submission. When the id is already claimed,
// the existing entry is returned with owner false.
func (t *launchTable) reserve(id job.WorkloadID) (l *launch, owner bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if l, ok := t.byID[id]; ok {
		return l, false
	}
	l = &launch{done: make(chan struct{})}
	t.byID[id] = l
	return l, true
}

// commit publishes the result of a reserved submission. Rejections release
// the id so it may be submitted again.
func (t *launchTable) commit(id job.WorkloadID, l *launch, r Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l.result = r
	close(l.done)
	if r.IsAccepted() {
		t.byRef[r.Ref()] = id
		return
	}
	if t.byID[id] == l {
		delete(t.byID, id)
	}
}

// adopt records a unit found on the platform, e.g. after a restart.
func (t *launchTable) adopt(id job.WorkloadID, ref job.WorkloadRef) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byID[id]; ok {
		return
	}
	l := &launch{done: make(chan struct{}), result: Accepted(ref)}
	close(l.done)
	t.byID[id] = l
	t.byRef[ref] = id
}

// release forgets the launch behind ref.
func (t *launchTable) release(ref job.WorkloadRef) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.byRef[ref]; ok {
		delete(t.byRef, ref)
		if l, ok := t.byID[id]; ok && l.result.Ref() == ref {
			delete(t.byID, id)
		}
	}
}

// accepted returns the number of live accepted launches.
func (t *launchTable) accepted() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byRef)
}
