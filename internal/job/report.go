package job

import (
	"controlplane/internal/apperrors"
	"strings"
	"time"
	"unicode/utf8"
)

// ReportOutcome is the lifecycle signal a workload sends about itself.
type ReportOutcome string

const (
	ReportStarted ReportOutcome = "STARTED"
	ReportDone    ReportOutcome = "DONE"
	ReportFailed  ReportOutcome = "FAILED"
)

const maxReportMessage = 4096

// ReportedFailure is the failure detail a workload attaches to a FAILED report.
type ReportedFailure struct {
	Message      string `json:"message"`
	NonRetryable bool   `json:"nonRetryable,omitempty"`
}

// Report is the body of a workload report.
type Report struct {
	Outcome    ReportOutcome    `json:"outcome"`
	PayloadRef string           `json:"payloadRef,omitempty"`
	Failure    *ReportedFailure `json:"failure,omitempty"`
}

// Normalize upper-cases the outcome and bounds the failure message.
func (r *Report) Normalize() {
	r.Outcome = ReportOutcome(strings.ToUpper(strings.TrimSpace(string(r.Outcome))))
	if r.Failure != nil && len(r.Failure.Message) > maxReportMessage {
		r.Failure.Message = truncateUTF8(r.Failure.Message, maxReportMessage)
	}
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Validate checks a normalized report.
func (r *Report) Validate() error {
	switch r.Outcome {
	case ReportStarted:
	case ReportDone:
		if r.PayloadRef == "" {
			return apperrors.Validation("payloadRef", "payloadRef is required for DONE")
		}
	case ReportFailed:
		if r.Failure == nil {
			r.Failure = &ReportedFailure{Message: "worker reported failure"}
		}
	default:
		return apperrors.Validationf("outcome", "unknown outcome %q", r.Outcome)
	}
	return nil
}

// ToFailure converts a FAILED report into an attempt failure.
func (r *Report) ToFailure() *Failure {
	if r.Failure == nil {
		return WorkerFailure("worker reported failure", false)
	}
	return WorkerFailure(r.Failure.Message, r.Failure.NonRetryable)
}

// Heartbeat is the body of a workload heartbeat.
type Heartbeat struct {
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Source    string     `json:"source,omitempty"`
}
