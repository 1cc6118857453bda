package store

import (
	"context"
	"controlplane/internal/apperrors"
	"controlplane/internal/job"
	"encoding/json"
	"slices"
	"strings"
	"sync"
)

// Memory is an in-process Store. State does not survive a restart.
type Memory struct {
	mu       sync.RWMutex
	jobs     map[job.ID]*job.Job
	order    []job.ID
	attempts map[job.ID][]*job.Attempt
	schemas  map[job.ConnectionID][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[job.ID]*job.Job),
		attempts: make(map[job.ID][]*job.Attempt),
		schemas:  make(map[job.ConnectionID][]byte),
	}
}

func (m *Memory) CreateJob(_ context.Context, j *job.Job, first *job.Attempt) (*job.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.Key()
	for _, id := range m.order {
		if existing := m.jobs[id]; !existing.Terminal() && existing.Key() == key {
			return copyJob(existing), false, nil
		}
	}
	if _, ok := m.jobs[j.ID]; ok {
		return nil, false, apperrors.Conflict("job", string(j.ID), "job already exists")
	}

	m.jobs[j.ID] = copyJob(j)
	m.order = append(m.order, j.ID)
	m.attempts[j.ID] = []*job.Attempt{copyAttempt(first)}
	return copyJob(j), true, nil
}

func (m *Memory) GetJob(_ context.Context, id job.ID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", string(id))
	}
	return copyJob(j), nil
}

func (m *Memory) ListJobs(_ context.Context, opts ListOptions) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*job.Job, 0, len(m.order))
	for _, id := range m.order {
		j := m.jobs[id]
		if opts.OpenOnly && j.Terminal() {
			continue
		}
		out = append(out, copyJob(j))
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) FinalizeJob(_ context.Context, id job.ID, s Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return apperrors.NotFound("job", string(id))
	}
	if j.Terminal() {
		return apperrors.AlreadyTerminal("job", string(id), string(j.Status))
	}
	finished := s.FinishedAt
	j.Status = s.Status
	j.FinishedAt = &finished
	j.Retries = s.Retries
	j.Failure = copyFailure(s.Failure)
	return nil
}

func (m *Memory) CreateAttempt(_ context.Context, a *job.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[a.JobID]; !ok {
		return apperrors.NotFound("job", string(a.JobID))
	}
	for _, existing := range m.attempts[a.JobID] {
		if existing.Number == a.Number {
			return apperrors.Conflict("attempt", a.Key(), "attempt already exists")
		}
	}
	m.attempts[a.JobID] = append(m.attempts[a.JobID], copyAttempt(a))
	slices.SortFunc(m.attempts[a.JobID], func(x, y *job.Attempt) int { return x.Number - y.Number })
	return nil
}

func (m *Memory) GetAttempt(_ context.Context, id job.ID, number int) (*job.Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if a := m.find(id, number); a != nil {
		return copyAttempt(a), nil
	}
	return nil, apperrors.NotFound("attempt", attemptID(id, number))
}

func (m *Memory) LatestAttempt(_ context.Context, id job.ID) (*job.Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.attempts[id]
	if len(list) == 0 {
		return nil, apperrors.NotFound("job", string(id))
	}
	return copyAttempt(list[len(list)-1]), nil
}

func (m *Memory) ListAttempts(_ context.Context, id job.ID) ([]*job.Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.jobs[id]; !ok {
		return nil, apperrors.NotFound("job", string(id))
	}
	out := make([]*job.Attempt, 0, len(m.attempts[id]))
	for _, a := range m.attempts[id] {
		out = append(out, copyAttempt(a))
	}
	return out, nil
}

func (m *Memory) TransitionAttempt(_ context.Context, id job.ID, number int, expected job.AttemptStatus, u Update) (*job.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.find(id, number)
	if a == nil {
		return nil, apperrors.NotFound("attempt", attemptID(id, number))
	}
	if a.Status != expected {
		return nil, apperrors.Stale("attempt", a.Key(), string(expected), string(a.Status))
	}
	applyUpdate(a, u)
	return copyAttempt(a), nil
}

func (m *Memory) SaveSchema(_ context.Context, conn job.ConnectionID, catalog []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemas[conn] = slices.Clone(catalog)
	return nil
}

func (m *Memory) LatestSchema(_ context.Context, conn job.ConnectionID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.schemas[conn]), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) find(id job.ID, number int) *job.Attempt {
	for _, a := range m.attempts[id] {
		if a.Number == number {
			return a
		}
	}
	return nil
}

func copyJob(j *job.Job) *job.Job {
	c := *j
	c.Input.Config = append(json.RawMessage(nil), j.Input.Config...)
	c.Input.Secrets = slices.Clone(j.Input.Secrets)
	c.Input.Command = slices.Clone(j.Input.Command)
	if j.Input.Environment != nil {
		c.Input.Environment = make(map[string]string, len(j.Input.Environment))
		for k, v := range j.Input.Environment {
			c.Input.Environment[k] = v
		}
	}
	if j.Callback != nil {
		cb := *j.Callback
		cb.Events = slices.Clone(j.Callback.Events)
		c.Callback = &cb
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	c.Failure = copyFailure(j.Failure)
	return &c
}

func copyAttempt(a *job.Attempt) *job.Attempt {
	c := *a
	if a.StartedAt != nil {
		t := *a.StartedAt
		c.StartedAt = &t
	}
	if a.EndedAt != nil {
		t := *a.EndedAt
		c.EndedAt = &t
	}
	c.Failure = copyFailure(a.Failure)
	c.Result = append(json.RawMessage(nil), a.Result...)
	if len(c.Result) == 0 {
		c.Result = nil
	}
	return &c
}

func copyFailure(f *job.Failure) *job.Failure {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

// openKey renders the natural key used for uniqueness of open jobs.
func openKey(k job.NaturalKey) string {
	return strings.Join([]string{string(k.Kind), string(k.ConnectionID), string(k.WorkspaceID)}, "|")
}

var _ Store = (*Memory)(nil)
