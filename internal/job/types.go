package job

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind is the logical operation a job performs.
type Kind string

const (
	KindSpec     Kind = "SPEC"
	KindCheck    Kind = "CHECK"
	KindDiscover Kind = "DISCOVER"
	KindSync     Kind = "SYNC"
)

// Kinds lists every job kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindSpec, KindCheck, KindDiscover, KindSync}
}

// ParseKind accepts a kind name in any case.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case KindSpec, KindCheck, KindDiscover, KindSync:
		return k, nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

// Interactive reports whether the kind is user-facing and expected to finish quickly.
func (k Kind) Interactive() bool {
	return k != KindSync
}

// AttemptStatus is the state of one attempt.
type AttemptStatus string

const (
	StatusPending   AttemptStatus = "PENDING"
	StatusLaunching AttemptStatus = "LAUNCHING"
	StatusRunning   AttemptStatus = "RUNNING"
	StatusSucceeded AttemptStatus = "SUCCEEDED"
	StatusFailed    AttemptStatus = "FAILED"
	StatusCancelled AttemptStatus = "CANCELLED"
)

var transitions = map[AttemptStatus][]AttemptStatus{
	StatusPending:   {StatusLaunching, StatusFailed, StatusCancelled},
	StatusLaunching: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:   {StatusSucceeded, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from → to is a legal attempt transition.
func CanTransition(from, to AttemptStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s AttemptStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether a workload may exist on the platform for this status.
func (s AttemptStatus) IsActive() bool {
	return s == StatusLaunching || s == StatusRunning
}

// Valid reports whether s is one of the known statuses.
func (s AttemptStatus) Valid() bool {
	switch s {
	case StatusPending, StatusLaunching, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Tenant carries the ownership metadata placement decisions depend on.
type Tenant struct {
	Tier            string `json:"tier,omitempty"`
	CustomConnector bool   `json:"customConnector,omitempty"`
	DataplaneGroup  string `json:"dataplaneGroup,omitempty"`
}

// SecretRef points at a secret held by the secrets store. The value itself
// never passes through the control plane.
type SecretRef struct {
	Env string `json:"env"`
	Ref string `json:"ref"`
}

// LaunchInput is everything a worker needs to run one attempt.
type LaunchInput struct {
	Image           string            `json:"image"`
	ProtocolVersion string            `json:"protocolVersion,omitempty"`
	Config          json.RawMessage   `json:"config,omitempty"`
	Secrets         []SecretRef       `json:"secrets,omitempty"`
	Command         []string          `json:"command,omitempty"`
	Environment     map[string]string `json:"environment,omitempty"`
	CPU             float64           `json:"cpu,omitempty"`
	MemoryMB        int               `json:"memoryMb,omitempty"`
}

// Callback configures lifecycle notifications for a job.
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
	Key    string   `json:"key,omitempty"` // HMAC signing key
}

// Job is a logical unit of work. Only the terminal summary fields change after creation.
type Job struct {
	ID           ID           `json:"id"`
	Kind         Kind         `json:"kind"`
	ConnectionID ConnectionID `json:"connectionId"`
	WorkspaceID  WorkspaceID  `json:"workspaceId"`
	Tenant       Tenant       `json:"tenant"`
	Input        LaunchInput  `json:"launchInput"`
	Callback     *Callback    `json:"callback,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`

	// Terminal summary.
	Status     AttemptStatus `json:"status,omitempty"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
	Retries    int           `json:"retries"`
	Failure    *Failure      `json:"failure,omitempty"`
}

// Terminal reports whether the job has a final outcome.
func (j *Job) Terminal() bool {
	return j.Status.IsTerminal()
}

// Key returns the natural key used for idempotent submission.
func (j *Job) Key() NaturalKey {
	return NaturalKey{Kind: j.Kind, ConnectionID: j.ConnectionID, WorkspaceID: j.WorkspaceID}
}

// NaturalKey identifies duplicate submissions of the same logical job.
type NaturalKey struct {
	Kind         Kind
	ConnectionID ConnectionID
	WorkspaceID  WorkspaceID
}

// Attempt is one execution try of a job.
type Attempt struct {
	JobID       ID              `json:"jobId"`
	Number      int             `json:"number"`
	Status      AttemptStatus   `json:"status"`
	WorkloadID  WorkloadID      `json:"workloadId"`
	WorkloadRef WorkloadRef     `json:"workloadRef,omitempty"`
	ScheduledAt time.Time       `json:"scheduledAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	EndedAt     *time.Time      `json:"endedAt,omitempty"`
	OutputRef   string          `json:"outputRef,omitempty"`
	Failure     *Failure        `json:"failure,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// Key renders the attempt identity for logs and errors.
func (a *Attempt) Key() string {
	return fmt.Sprintf("%s/%d", a.JobID, a.Number)
}
