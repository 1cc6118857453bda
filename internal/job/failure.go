package job

import "fmt"

// FailureReason classifies why an attempt failed.
type FailureReason string

const (
	ReasonInfraTransient     FailureReason = "INFRA_TRANSIENT"
	ReasonLaunchTimeout      FailureReason = "LAUNCH_TIMEOUT"
	ReasonHeartbeatLost      FailureReason = "HEARTBEAT_LOST"
	ReasonWorkerReported     FailureReason = "WORKER_REPORTED_FAILURE"
	ReasonChecksumInvalid    FailureReason = "CHECKSUM_INVALID"
	ReasonInvalidLaunchInput FailureReason = "INVALID_LAUNCH_INPUT"
)

// Retryable returns the default classification of a reason.
// Worker-reported failures default to retryable; the worker may override.
func (r FailureReason) Retryable() bool {
	switch r {
	case ReasonInfraTransient, ReasonLaunchTimeout, ReasonHeartbeatLost, ReasonWorkerReported:
		return true
	default:
		return false
	}
}

// Origin names the component that observed a failure.
type Origin string

const (
	OriginLauncher    Origin = "launcher"
	OriginPlatform    Origin = "platform"
	OriginHeartbeat   Origin = "heartbeat"
	OriginWorker      Origin = "worker"
	OriginPostprocess Origin = "postprocess"
)

// Failure is the structured reason attached to a failed attempt.
type Failure struct {
	Reason    FailureReason `json:"reason"`
	Origin    Origin        `json:"origin"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
}

// NewFailure builds a failure with the reason's default classification.
func NewFailure(reason FailureReason, origin Origin, message string) *Failure {
	return &Failure{Reason: reason, Origin: origin, Message: message, Retryable: reason.Retryable()}
}

// WorkerFailure builds a failure reported by the worker itself.
func WorkerFailure(message string, nonRetryable bool) *Failure {
	return &Failure{
		Reason:    ReasonWorkerReported,
		Origin:    OriginWorker,
		Message:   message,
		Retryable: !nonRetryable,
	}
}

func (f *Failure) String() string {
	return fmt.Sprintf("%s (%s): %s", f.Reason, f.Origin, f.Message)
}
