package launcher

import (
	"controlplane/internal/apperrors"
	"controlplane/internal/job"
	"controlplane/internal/placement"
	"fmt"
	"maps"
)

// Descriptor is the serialized launch instruction for one attempt.
type Descriptor struct {
	WorkloadID   job.WorkloadID        `json:"workloadId"`
	JobID        job.ID                `json:"jobId"`
	Attempt      int                   `json:"attempt"`
	Kind         job.Kind              `json:"kind"`
	ConnectionID job.ConnectionID      `json:"connectionId"`
	WorkspaceID  job.WorkspaceID       `json:"workspaceId"`
	Input        job.LaunchInput       `json:"launchInput"`
	Placement    placement.Requirement `json:"placement"`
	Labels       map[string]string     `json:"labels,omitempty"`
}

// Label keys set on every descriptor.
const (
	LabelJobID      = "controlplane.job-id"
	LabelAttempt    = "controlplane.attempt"
	LabelKind       = "controlplane.kind"
	LabelWorkloadID = "controlplane.workload-id"
)

// NewDescriptor builds the descriptor for an attempt of j.
func NewDescriptor(j *job.Job, a *job.Attempt, req placement.Requirement) *Descriptor {
	labels := map[string]string{
		LabelJobID:      string(j.ID),
		LabelAttempt:    fmt.Sprint(a.Number),
		LabelKind:       string(j.Kind),
		LabelWorkloadID: string(a.WorkloadID),
	}
	maps.Copy(labels, req.Labels("placement."))

	return &Descriptor{
		WorkloadID:   a.WorkloadID,
		JobID:        j.ID,
		Attempt:      a.Number,
		Kind:         j.Kind,
		ConnectionID: j.ConnectionID,
		WorkspaceID:  j.WorkspaceID,
		Input:        j.Input,
		Placement:    req,
		Labels:       labels,
	}
}

// Validate checks the descriptor is launchable. Errors wrap ErrValidation.
func (d *Descriptor) Validate() error {
	if d.WorkloadID == "" {
		return apperrors.Validation("workloadId", "workload id is required")
	}
	id, n, kind, err := job.ParseWorkloadID(d.WorkloadID)
	if err != nil {
		return apperrors.Validation("workloadId", err.Error())
	}
	if id != d.JobID || n != d.Attempt || kind != d.Kind {
		return apperrors.Validationf("workloadId", "workload id %s does not match job %s attempt %d kind %s",
			d.WorkloadID, d.JobID, d.Attempt, d.Kind)
	}
	return d.Input.Validate()
}
