package launcher

import (
	"controlplane/internal/job"
	"fmt"
)

// Outcome discriminates launch results.
type Outcome int

const (
	outcomeInvalid Outcome = iota
	OutcomeAccepted
	OutcomeRejectedInfra
	OutcomeRejectedInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejectedInfra:
		return "rejected_infra"
	case OutcomeRejectedInvalid:
		return "rejected_invalid"
	default:
		return "invalid"
	}
}

// Result is the outcome of Submit: Accepted carries a workload ref, the
// rejections carry a reason. Build with Accepted, RejectedInfra or
// RejectedInvalid.
type Result struct {
	outcome Outcome
	ref     job.WorkloadRef
	reason  string
}

// Accepted reports the platform took the workload.
func Accepted(ref job.WorkloadRef) Result {
	return Result{outcome: OutcomeAccepted, ref: ref}
}

// RejectedInfra reports a transient platform fault. Retryable.
func RejectedInfra(reason string) Result {
	return Result{outcome: OutcomeRejectedInfra, reason: reason}
}

// RejectedInvalid reports a launch input the platform will never accept.
func RejectedInvalid(reason string) Result {
	return Result{outcome: OutcomeRejectedInvalid, reason: reason}
}

func (r Result) Outcome() Outcome     { return r.outcome }
func (r Result) Ref() job.WorkloadRef { return r.ref }
func (r Result) Reason() string       { return r.reason }
func (r Result) IsAccepted() bool     { return r.outcome == OutcomeAccepted }

// Failure converts a rejection to the attempt failure it causes. Returns nil
// for Accepted.
func (r Result) Failure() *job.Failure {
	switch r.outcome {
	case OutcomeRejectedInfra:
		return job.NewFailure(job.ReasonInfraTransient, job.OriginLauncher, r.reason)
	case OutcomeRejectedInvalid:
		return job.NewFailure(job.ReasonInvalidLaunchInput, job.OriginLauncher, r.reason)
	case OutcomeAccepted:
		return nil
	default:
		return job.NewFailure(job.ReasonInfraTransient, job.OriginLauncher, "no launch result")
	}
}

func (r Result) String() string {
	if r.outcome == OutcomeAccepted {
		return fmt.Sprintf("accepted(%s)", r.ref)
	}
	return fmt.Sprintf("%s(%s)", r.outcome, r.reason)
}
