package launcher

import (
	"context"
	"controlplane/internal/job"
)

// UnitState is the platform view of a workload.
type UnitState string

const (
	UnitPending UnitState = "pending" // created, not yet running
	UnitRunning UnitState = "running"
	UnitExited  UnitState = "exited"
)

// UnitStatus describes one workload unit on the platform.
type UnitStatus struct {
	Ref        job.WorkloadRef
	WorkloadID job.WorkloadID
	State      UnitState
	ExitCode   *int
	Message    string
}

// Backend is the container platform. Implementations must be idempotent:
// Submit of an existing workload id returns its ref, Delete of a missing
// unit succeeds. Submit errors wrapping apperrors.ErrValidation are treated
// as permanent; all others as transient. Status returns an error wrapping
// apperrors.ErrNotFound when the unit is gone.
type Backend interface {
	Submit(ctx context.Context, d *Descriptor) (job.WorkloadRef, error)
	Status(ctx context.Context, ref job.WorkloadRef) (*UnitStatus, error)
	Delete(ctx context.Context, ref job.WorkloadRef) error
	List(ctx context.Context) ([]UnitStatus, error)
	Ping(ctx context.Context) error
}
