// Package postprocess validates worker output before an attempt may succeed.
//
// Two checks run in sequence: the payload's declared checksum is recomputed
// over its body, then kind-specific checks run (record counts for SYNC, a
// schema diff against the connection's last known catalog for DISCOVER).
// The outcome is a Result holding exactly one of an Output or a Failure.
package postprocess

import (
	"bytes"
	"context"
	"controlplane/internal/job"
	"controlplane/internal/observability"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PayloadReader fetches an output payload by reference.
type PayloadReader interface {
	Read(ctx context.Context, ref string, limit int64) ([]byte, error)
}

// SchemaSource returns the last known catalog of a connection, or nil.
type SchemaSource interface {
	LatestSchema(ctx context.Context, conn job.ConnectionID) ([]byte, error)
}

// Input identifies the attempt output to validate.
type Input struct {
	JobID        job.ID
	Attempt      int
	Kind         job.Kind
	ConnectionID job.ConnectionID
	PayloadRef   string
}

// Envelope is the payload format written by workers.
type Envelope struct {
	Checksum Checksum        `json:"checksum"`
	Body     json.RawMessage `json:"body"`
	Stats    *SyncStats      `json:"stats,omitempty"`
}

// SyncStats are the record counters reported by a SYNC worker.
type SyncStats struct {
	RecordsEmitted   *int64 `json:"recordsEmitted,omitempty"`
	RecordsCommitted *int64 `json:"recordsCommitted,omitempty"`
	BytesEmitted     int64  `json:"bytesEmitted,omitempty"`
}

// Config configures a Processor.
type Config struct {
	Timeout  time.Duration
	MaxBytes int64
}

// Processor runs output validation.
type Processor struct {
	reader  PayloadReader
	schemas SchemaSource
	cfg     Config
	tracer  *observability.Tracer
}

// New creates a processor. tracer may be nil.
func New(reader PayloadReader, schemas SchemaSource, cfg Config, tracer *observability.Tracer) *Processor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 << 20
	}
	if tracer == nil {
		tracer = observability.NewNoopTracer()
	}
	return &Processor{reader: reader, schemas: schemas, cfg: cfg, tracer: tracer}
}

// Process validates the payload of one attempt. It never returns a zero
// Result and all waits are bounded by the configured timeout.
func (p *Processor) Process(ctx context.Context, in Input) Result {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	ctx, span := p.tracer.StartPostprocess(ctx, string(in.JobID), string(in.Kind), in.Attempt)
	res := p.process(ctx, in)
	if f, failed := res.Failure(); failed {
		observability.SetOutcome(span, string(f.Reason))
		observability.EndSpan(span, errors.New(f.Message))
	} else {
		observability.SetOutcome(span, "success")
		observability.EndSpan(span, nil)
	}
	return res
}

func (p *Processor) process(ctx context.Context, in Input) Result {
	if in.PayloadRef == "" {
		return Fail(job.NewFailure(job.ReasonChecksumInvalid, job.OriginPostprocess, "worker reported done without a payload"))
	}

	data, err := p.reader.Read(ctx, in.PayloadRef, p.cfg.MaxBytes)
	if err != nil {
		return Fail(job.NewFailure(job.ReasonInfraTransient, job.OriginPostprocess,
			fmt.Sprintf("read payload %s: %v", in.PayloadRef, err)))
	}

	env, err := decodeEnvelope(data)
	if err != nil {
		return Fail(job.NewFailure(job.ReasonChecksumInvalid, job.OriginPostprocess, err.Error()))
	}
	if err := env.Checksum.Verify(env.Body); err != nil {
		return Fail(job.NewFailure(job.ReasonChecksumInvalid, job.OriginPostprocess, err.Error()))
	}

	out := &Output{Checksum: env.Checksum.String(), Bytes: len(env.Body)}

	switch in.Kind {
	case job.KindSync:
		if err := env.Stats.check(); err != nil {
			return Fail(job.NewFailure(job.ReasonChecksumInvalid, job.OriginPostprocess, err.Error()))
		}
		out.Stats = env.Stats

	case job.KindDiscover:
		next, err := ParseCatalog(env.Body)
		if err != nil {
			return Fail(job.NewFailure(job.ReasonChecksumInvalid, job.OriginPostprocess, err.Error()))
		}
		var prev *Catalog
		if p.schemas != nil {
			raw, err := p.schemas.LatestSchema(ctx, in.ConnectionID)
			if err != nil {
				return Fail(job.NewFailure(job.ReasonInfraTransient, job.OriginPostprocess,
					fmt.Sprintf("load previous schema: %v", err)))
			}
			if prev, err = ParseCatalog(raw); err != nil {
				// A corrupt baseline is treated as no baseline.
				prev = nil
			}
		}
		out.Diff = Diff(prev, next)
		out.catalog = next.Marshal()
	}

	return Succeed(out)
}

func decodeEnvelope(data []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("malformed payload envelope: %w", err)
	}
	if env.Checksum.Algorithm == "" || env.Checksum.Value == "" {
		return nil, errors.New("payload envelope has no checksum")
	}
	if len(env.Body) == 0 {
		return nil, errors.New("payload envelope has no body")
	}
	return &env, nil
}

func (s *SyncStats) check() error {
	if s == nil || s.RecordsEmitted == nil || s.RecordsCommitted == nil {
		return nil
	}
	if *s.RecordsEmitted < 0 || *s.RecordsCommitted < 0 {
		return fmt.Errorf("negative record counts: emitted %d, committed %d", *s.RecordsEmitted, *s.RecordsCommitted)
	}
	if *s.RecordsEmitted != *s.RecordsCommitted {
		return fmt.Errorf("record count mismatch: emitted %d, committed %d", *s.RecordsEmitted, *s.RecordsCommitted)
	}
	return nil
}

// NewEnvelope builds a payload envelope for body. Workers and tests use it to
// produce payloads that pass validation.
func NewEnvelope(algorithm string, body []byte, stats *SyncStats) ([]byte, error) {
	// The body is embedded compacted, so the digest covers the compact form.
	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		return nil, fmt.Errorf("payload body: %w", err)
	}
	sum, err := Compute(algorithm, compact.Bytes())
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(Envelope{
		Checksum: Checksum{Algorithm: algorithm, Value: sum},
		Body:     json.RawMessage(compact.Bytes()),
		Stats:    stats,
	}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

