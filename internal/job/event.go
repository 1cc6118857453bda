package job

import (
	"controlplane/pkg/cloudevent"
	"fmt"
	"slices"
	"time"
)

// Event types for lifecycle notifications
const (
	EventTypeLaunched  = "controlplane.attempt.launched"
	EventTypeRunning   = "controlplane.attempt.running"
	EventTypeSucceeded = "controlplane.attempt.succeeded"
	EventTypeFailed    = "controlplane.attempt.failed"
	EventTypeCancelled = "controlplane.attempt.cancelled"
	EventTypeRetrying  = "controlplane.attempt.retrying"
	EventTypeCompleted = "controlplane.job.completed"
)

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents for one job.
type EventBuilder struct {
	source string
	job    *Job
}

// NewEventBuilder creates an EventBuilder for the job.
func NewEventBuilder(source string, j *Job) *EventBuilder {
	return &EventBuilder{source: source, job: j}
}

func (b *EventBuilder) build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	data["jobId"] = b.job.ID
	data["kind"] = b.job.Kind
	data["connectionId"] = b.job.ConnectionID
	id := fmt.Sprintf("%s-%d", b.job.ID, time.Now().UnixNano())
	return cloudevent.New(eventType, b.source, string(b.job.ID), id, data)
}

// ForAttempt creates the event describing an attempt's new status.
// Returns nil for statuses that produce no notification.
func (b *EventBuilder) ForAttempt(a *Attempt) *cloudevent.CloudEvent {
	var eventType string
	switch a.Status {
	case StatusLaunching:
		eventType = EventTypeLaunched
	case StatusRunning:
		eventType = EventTypeRunning
	case StatusSucceeded:
		eventType = EventTypeSucceeded
	case StatusFailed:
		eventType = EventTypeFailed
	case StatusCancelled:
		eventType = EventTypeCancelled
	default:
		return nil
	}
	data := map[string]any{
		"attempt":    a.Number,
		"status":     a.Status,
		"workloadId": a.WorkloadID,
	}
	if a.Failure != nil {
		data["failure"] = a.Failure
	}
	if len(a.Result) > 0 {
		data["result"] = a.Result
	}
	return b.build(eventType, data)
}

// Retrying creates the event announcing a scheduled retry.
func (b *EventBuilder) Retrying(next *Attempt) *cloudevent.CloudEvent {
	return b.build(EventTypeRetrying, map[string]any{
		"attempt":     next.Number,
		"scheduledAt": next.ScheduledAt,
	})
}

// Completed creates the event carrying the job's terminal summary.
func (b *EventBuilder) Completed() *cloudevent.CloudEvent {
	data := map[string]any{
		"status":  b.job.Status,
		"retries": b.job.Retries,
	}
	if b.job.Failure != nil {
		data["failure"] = b.job.Failure
	}
	return b.build(EventTypeCompleted, data)
}
