// Package cloudevent provides CloudEvents 1.0 types and an HTTP sender using
// the structured content mode.
package cloudevent

import "time"

// SpecVersion is the CloudEvents version produced by this package.
const SpecVersion = "1.0"

// CloudEvent is a CloudEvents 1.0 event with a JSON object payload.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject,omitempty"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// New creates an event stamped with the current UTC time.
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	if data == nil {
		data = map[string]any{}
	}
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}
