package job

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ID identifies a Job.
type ID string

// ConnectionID identifies the connection a job operates on.
type ConnectionID string

// WorkspaceID identifies the workspace owning a connection.
type WorkspaceID string

// WorkloadID is the deterministic identity of one attempt's execution unit.
type WorkloadID string

// WorkloadRef is the platform's handle for a launched unit, returned by the launcher.
type WorkloadRef string

// NewID returns a fresh random job ID.
func NewID() ID {
	return ID(uuid.NewString())
}

// ParseID validates the textual form of a job ID.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid job id %q: %w", s, err)
	}
	return ID(u.String()), nil
}

// WorkloadIDFor derives the workload identity for an attempt. Resubmitting the
// same attempt always yields the same id, which is what makes launches idempotent.
func WorkloadIDFor(id ID, attempt int, kind Kind) WorkloadID {
	return WorkloadID(fmt.Sprintf("%s_%d_%s", id, attempt, strings.ToLower(string(kind))))
}

// ParseWorkloadID splits a workload id produced by WorkloadIDFor.
func ParseWorkloadID(w WorkloadID) (ID, int, Kind, error) {
	parts := strings.Split(string(w), "_")
	if len(parts) != 3 {
		return "", 0, "", fmt.Errorf("malformed workload id %q", w)
	}
	attempt, err := strconv.Atoi(parts[1])
	if err != nil || attempt < 0 {
		return "", 0, "", fmt.Errorf("malformed attempt in workload id %q", w)
	}
	kind, err := ParseKind(parts[2])
	if err != nil {
		return "", 0, "", err
	}
	return ID(parts[0]), attempt, kind, nil
}

func (id ID) String() string          { return string(id) }
func (id WorkloadID) String() string  { return string(id) }
func (id WorkloadRef) String() string { return string(id) }
