package postprocess

import (
	"controlplane/internal/job"
	"encoding/json"
)

// Output is the summary of a successfully validated payload.
type Output struct {
	Checksum string      `json:"checksum"`
	Bytes    int         `json:"bytes"`
	Stats    *SyncStats  `json:"stats,omitempty"`
	Diff     *SchemaDiff `json:"schemaDiff,omitempty"`

	catalog []byte // normalized catalog to persist for DISCOVER
}

// Catalog returns the normalized catalog discovered by a DISCOVER attempt,
// or nil for other kinds.
func (o *Output) Catalog() []byte {
	return o.catalog
}

// Result is either a validated Output or a Failure, never both and never
// neither. The zero Result is invalid; use Succeed or Fail.
type Result struct {
	output  *Output
	failure *job.Failure
}

// Succeed builds a success result.
func Succeed(out *Output) Result {
	if out == nil {
		out = &Output{}
	}
	return Result{output: out}
}

// Fail builds a failure result. A nil failure is treated as an infra fault.
func Fail(f *job.Failure) Result {
	if f == nil {
		f = job.NewFailure(job.ReasonInfraTransient, job.OriginPostprocess, "postprocess failed")
	}
	return Result{failure: f}
}

// Output returns the success value; ok is false for failures.
func (r Result) Output() (*Output, bool) {
	return r.output, r.output != nil
}

// Failure returns the failure value; ok is false for successes.
func (r Result) Failure() (*job.Failure, bool) {
	return r.failure, r.failure != nil
}

// Succeeded reports whether r holds an Output.
func (r Result) Succeeded() bool {
	return r.output != nil
}

// Summary renders the result for persistence on the attempt.
func (r Result) Summary() json.RawMessage {
	var v any
	if r.output != nil {
		v = struct {
			Outcome string `json:"outcome"`
			*Output
		}{"success", r.output}
	} else {
		v = struct {
			Outcome string       `json:"outcome"`
			Failure *job.Failure `json:"failure"`
		}{"failure", r.failure}
	}
	data, _ := json.Marshal(v)
	return data
}
