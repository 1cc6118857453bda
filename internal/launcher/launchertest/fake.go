// Package launchertest provides an in-memory launcher backend for tests.
package launchertest

import (
	"context"
	"controlplane/internal/apperrors"
	"controlplane/internal/job"
	"controlplane/internal/launcher"
	"errors"
	"sort"
	"sync"
)

// ErrInfra is the default transient failure injected by FailSubmits.
var ErrInfra = errors.New("platform unavailable")

// Backend is a launcher.Backend holding units in memory. It is idempotent by
// workload id like a real platform backend and counts every call.
type Backend struct {
	mu          sync.Mutex
	units       map[job.WorkloadRef]*launcher.UnitStatus
	descriptors map[job.WorkloadRef]*launcher.Descriptor
	failNext    []error
	gate        chan struct{}
	submits     int
	deletes     map[job.WorkloadRef]int
	pingErr     error
	submitted   chan *launcher.Descriptor
}

// New creates an empty backend.
func New() *Backend {
	return &Backend{
		units:       make(map[job.WorkloadRef]*launcher.UnitStatus),
		descriptors: make(map[job.WorkloadRef]*launcher.Descriptor),
		deletes:     make(map[job.WorkloadRef]int),
		submitted:   make(chan *launcher.Descriptor, 256),
	}
}

// FailSubmits makes the next n submits fail with err (ErrInfra when nil).
func (b *Backend) FailSubmits(n int, err error) {
	if err == nil {
		err = ErrInfra
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for range n {
		b.failNext = append(b.failNext, err)
	}
}

// Hold blocks submits until Release is called. Every Hold must be
// followed by Release.
func (b *Backend) Hold() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gate == nil {
		b.gate = make(chan struct{})
	}
}

// Release unblocks held submits.
func (b *Backend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gate != nil {
		close(b.gate)
		b.gate = nil
	}
}

// SetPingError sets the error returned by Ping.
func (b *Backend) SetPingError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pingErr = err
}

// Submitted delivers every successfully created descriptor.
func (b *Backend) Submitted() <-chan *launcher.Descriptor {
	return b.submitted
}

func (b *Backend) Submit(_ context.Context, d *launcher.Descriptor) (job.WorkloadRef, error) {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		// Held submits complete even if the caller gave up, like a platform
		// that accepted the request before the client timed out.
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.submits++

	if len(b.failNext) > 0 {
		err := b.failNext[0]
		b.failNext = b.failNext[1:]
		return "", err
	}

	ref := job.WorkloadRef(d.WorkloadID)
	if _, ok := b.units[ref]; ok {
		return ref, nil
	}
	b.units[ref] = &launcher.UnitStatus{Ref: ref, WorkloadID: d.WorkloadID, State: launcher.UnitRunning}
	cp := *d
	b.descriptors[ref] = &cp
	select {
	case b.submitted <- &cp:
	default:
	}
	return ref, nil
}

func (b *Backend) Status(_ context.Context, ref job.WorkloadRef) (*launcher.UnitStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.units[ref]
	if !ok {
		return nil, apperrors.NotFound("workload", string(ref))
	}
	cp := *u
	return &cp, nil
}

func (b *Backend) Delete(_ context.Context, ref job.WorkloadRef) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes[ref]++
	delete(b.units, ref)
	return nil
}

func (b *Backend) List(_ context.Context) ([]launcher.UnitStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]launcher.UnitStatus, 0, len(b.units))
	for _, u := range b.units {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, nil
}

func (b *Backend) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pingErr
}

// Put registers a unit directly, as if it survived a restart.
func (b *Backend) Put(id job.WorkloadID, state launcher.UnitState) job.WorkloadRef {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref := job.WorkloadRef(id)
	b.units[ref] = &launcher.UnitStatus{Ref: ref, WorkloadID: id, State: state}
	return ref
}

// Vanish removes a unit without counting a delete, as if the node died.
func (b *Backend) Vanish(ref job.WorkloadRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.units, ref)
}

// SubmitCalls returns the number of Submit calls that reached the backend.
func (b *Backend) SubmitCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submits
}

// DeleteCalls returns how often ref was deleted.
func (b *Backend) DeleteCalls(ref job.WorkloadRef) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deletes[ref]
}

// Live returns the refs of units still present, sorted.
func (b *Backend) Live() []job.WorkloadRef {
	b.mu.Lock()
	defer b.mu.Unlock()
	refs := make([]job.WorkloadRef, 0, len(b.units))
	for ref := range b.units {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs
}

// Descriptor returns the descriptor a unit was created from.
func (b *Backend) Descriptor(ref job.WorkloadRef) *launcher.Descriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.descriptors[ref]
}

var _ launcher.Backend = (*Backend)(nil)
