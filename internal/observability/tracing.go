package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope of control plane spans.
const TracerName = "controlplane"

// Tracer wraps an OpenTelemetry tracer with control plane span helpers.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer from the given provider.
func NewTracer(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(TracerName)}
}

// NewNoopTracer creates a tracer that records nothing.
func NewNoopTracer() *Tracer {
	return NewTracer(tracenoop.NewTracerProvider())
}

// StartLauncherCall starts a span around one backend call.
func (t *Tracer) StartLauncherCall(ctx context.Context, op, workloadID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "launcher."+op, trace.WithAttributes(
		attribute.String(attrOp, op),
		attribute.String(attrWorkload, workloadID),
	), trace.WithSpanKind(trace.SpanKindClient))
}

// StartPostprocess starts a span around output validation of one attempt.
func (t *Tracer) StartPostprocess(ctx context.Context, jobID, kind string, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "postprocess", trace.WithAttributes(
		attribute.String(attrJob, jobID),
		kindAttr(kind),
		attribute.Int(attrAttempt, attempt),
	))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// SetOutcome annotates span with a non-error outcome label.
func SetOutcome(span trace.Span, outcome string) {
	span.SetAttributes(outcomeAttr(outcome))
}
