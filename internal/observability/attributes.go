// Package observability provides metrics and tracing for the control plane.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrKind     = "kind"
	attrOutcome  = "outcome"
	attrReason   = "reason"
	attrSuccess  = "success"
	attrWorkload = "workload.id"
	attrJob      = "job.id"
	attrAttempt  = "attempt"
	attrOp       = "operation"
	attrEvent    = "event_type"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 2xx, 4xx, 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func statusNameAttr(status string) attribute.KeyValue {
	return attribute.String(attrStatus, status)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func eventAttr(eventType string) attribute.KeyValue {
	return attribute.String(attrEvent, eventType)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/jobs/") && len(path) > len("/v1/jobs/"):
		return "/v1/jobs/{jobId}"
	case strings.HasPrefix(path, "/v1/workloads/"):
		rest := strings.TrimPrefix(path, "/v1/workloads/")
		if i := strings.LastIndex(rest, "/"); i > 0 {
			return "/v1/workloads/{workloadRef}" + rest[i:]
		}
		return "/v1/workloads/{workloadRef}"
	}
	return path
}

// WithKind returns a metric option with the job kind attribute.
func WithKind(kind string) metric.MeasurementOption {
	return metric.WithAttributes(kindAttr(kind))
}
