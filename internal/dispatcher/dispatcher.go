// Package dispatcher delivers job lifecycle notifications to callback URLs.
//
// Every job maps to one delivery lane, so its notifications arrive in the
// order the engine emitted them. Delivery is best effort: failures are
// logged and counted but never feed back into job state.
package dispatcher

import (
	"context"
	"controlplane/internal/job"
	"controlplane/pkg/cloudevent"
	"errors"
)

// ErrBacklogFull is returned when the job's lane cannot take another notification.
var ErrBacklogFull = errors.New("notification lane full, notification dropped")

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher is closed")

// JobLevel is the Attempt of notifications that describe the job as a whole.
const JobLevel = -1

// Dispatcher delivers notifications asynchronously.
type Dispatcher interface {
	// Dispatch hands n to its job's lane. Non-blocking.
	Dispatch(n *Notification) error

	// Stats returns delivery counters.
	Stats() Stats

	// Close stops accepting notifications and delivers what is pending
	// until ctx is done.
	Close(ctx context.Context) error
}

// Notification is one lifecycle event addressed to a job's callback.
type Notification struct {
	JobID      job.ID
	Attempt    int // attempt number, or JobLevel
	Event      *cloudevent.CloudEvent
	URL        string
	SigningKey string // HMAC key, empty means unsigned
}

// Notify dispatches event to j's callback. Jobs without a callback, nil
// events and event types outside the callback's filter are skipped.
func Notify(d Dispatcher, j *job.Job, event *cloudevent.CloudEvent) error {
	if d == nil || j == nil || event == nil {
		return nil
	}
	cb := j.Callback
	if cb == nil || cb.URL == "" || !job.FilteredEvents(event.Type, cb.Events) {
		return nil
	}
	attempt := JobLevel
	if n, ok := event.Data["attempt"].(int); ok {
		attempt = n
	}
	return d.Dispatch(&Notification{
		JobID:      j.ID,
		Attempt:    attempt,
		Event:      event,
		URL:        cb.URL,
		SigningKey: cb.Key,
	})
}

// Stats holds delivery counters.
type Stats struct {
	Pending      int64 // accepted, not yet delivered or dropped
	Delivered    int64
	Failed       int64 // gave up after retries
	Dropped      int64 // lane full, open circuit or shutdown
	Retries      int64
	BreakersOpen int
}
