// Package store persists jobs, attempts and last-known connection schemas.
//
// The engine treats the store as the single source of truth. Every attempt
// status write is a compare-and-swap on the previous status: when two writers
// race for the same attempt, exactly one succeeds and the other receives
// apperrors.ErrStaleTransition.
package store

import (
	"context"
	"controlplane/internal/job"
	"encoding/json"
	"time"
)

// Store is the job record store.
type Store interface {
	// CreateJob inserts a job with its first attempt unless a non-terminal job
	// with the same natural key exists, in which case that job is returned and
	// created is false.
	CreateJob(ctx context.Context, j *job.Job, first *job.Attempt) (existing *job.Job, created bool, err error)
	GetJob(ctx context.Context, id job.ID) (*job.Job, error)
	ListJobs(ctx context.Context, opts ListOptions) ([]*job.Job, error)
	// FinalizeJob records the terminal summary. It fails with ErrAlreadyTerminal
	// when the job already has one.
	FinalizeJob(ctx context.Context, id job.ID, summary Summary) error

	// CreateAttempt inserts a new attempt; the number must not exist yet.
	CreateAttempt(ctx context.Context, a *job.Attempt) error
	GetAttempt(ctx context.Context, id job.ID, number int) (*job.Attempt, error)
	LatestAttempt(ctx context.Context, id job.ID) (*job.Attempt, error)
	ListAttempts(ctx context.Context, id job.ID) ([]*job.Attempt, error)
	// TransitionAttempt applies update only if the attempt's current status is
	// expected, and returns the updated attempt.
	TransitionAttempt(ctx context.Context, id job.ID, number int, expected job.AttemptStatus, update Update) (*job.Attempt, error)

	SaveSchema(ctx context.Context, conn job.ConnectionID, catalog []byte) error
	// LatestSchema returns nil when the connection has never been discovered.
	LatestSchema(ctx context.Context, conn job.ConnectionID) ([]byte, error)

	Ping(ctx context.Context) error
	Close() error
}

// ListOptions filters ListJobs.
type ListOptions struct {
	OpenOnly bool // only jobs without a terminal summary
	Limit    int  // 0 means no limit
}

// Update describes the fields written by a transition. Zero-valued fields are
// left unchanged.
type Update struct {
	Status      job.AttemptStatus
	WorkloadRef job.WorkloadRef
	StartedAt   *time.Time
	EndedAt     *time.Time
	OutputRef   string
	Failure     *job.Failure
	Result      json.RawMessage
}

// Summary is the terminal outcome of a job.
type Summary struct {
	Status     job.AttemptStatus
	FinishedAt time.Time
	Retries    int
	Failure    *job.Failure
}

func applyUpdate(a *job.Attempt, u Update) {
	a.Status = u.Status
	if u.WorkloadRef != "" {
		a.WorkloadRef = u.WorkloadRef
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		a.StartedAt = &t
	}
	if u.EndedAt != nil {
		t := *u.EndedAt
		a.EndedAt = &t
	}
	if u.OutputRef != "" {
		a.OutputRef = u.OutputRef
	}
	if u.Failure != nil {
		f := *u.Failure
		a.Failure = &f
	}
	if len(u.Result) > 0 {
		a.Result = append(json.RawMessage(nil), u.Result...)
	}
}

func attemptID(id job.ID, number int) string {
	return (&job.Attempt{JobID: id, Number: number}).Key()
}
