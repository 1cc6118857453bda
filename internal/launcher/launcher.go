// Package launcher submits workloads to the container platform.
//
// Every platform call runs on a bounded worker pool under a per-call timeout,
// paced by a rate limiter and guarded by a circuit breaker. Submission is
// idempotent on the descriptor's workload id: a live id is never submitted
// twice, and concurrent submissions of the same id share one platform call.
package launcher

import (
	"context"
	"controlplane/internal/apperrors"
	"controlplane/internal/job"
	"controlplane/internal/observability"
	"controlplane/pkg/circuitbreaker"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// MetricsRecorder is an optional interface for recording launcher metrics.
type MetricsRecorder interface {
	RecordLaunch(ctx context.Context, kind, outcome string, durationSeconds float64)
	RecordTermination(ctx context.Context, success bool)
	RecordLauncherQueue(ctx context.Context, delta int64)
}

// Launcher is the engine's only path to the platform.
type Launcher struct {
	backend Backend
	cfg     Config
	pool    *pool
	table   *launchTable
	breaker *circuitbreaker.Breaker
	limiter *rate.Limiter
	tracer  *observability.Tracer
	metrics MetricsRecorder
	logger  *slog.Logger
}

// New creates a launcher over backend. tracer and metrics may be nil.
func New(backend Backend, cfg Config, tracer *observability.Tracer, metrics MetricsRecorder) *Launcher {
	cfg = cfg.withDefaults()
	logger := slog.With("component", "launcher")

	if cfg.Breaker.OnStateChange == nil {
		cfg.Breaker.OnStateChange = func(from, to circuitbreaker.State) {
			logger.Warn("Platform circuit changed state", "from", from.String(), "to", to.String())
		}
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if tracer == nil {
		tracer = observability.NewNoopTracer()
	}

	return &Launcher{
		backend: backend,
		cfg:     cfg,
		pool:    newPool(cfg.Workers, cfg.QueueSize),
		table:   newLaunchTable(),
		breaker: circuitbreaker.New(cfg.Breaker),
		limiter: rate.NewLimiter(limit, cfg.RateBurst),
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
	}
}

// Submit launches the workload described by d, or returns the result of the
// live launch already holding d.WorkloadID.
func (l *Launcher) Submit(ctx context.Context, d *Descriptor) Result {
	if err := d.Validate(); err != nil {
		return RejectedInvalid(err.Error())
	}

	entry, owner := l.table.reserve(d.WorkloadID)
	if !owner {
		select {
		case <-entry.done:
			l.logger.Debug("Duplicate launch suppressed", "workloadId", d.WorkloadID, "result", entry.result.String())
			return entry.result
		case <-ctx.Done():
			return RejectedInfra(fmt.Sprintf("waiting for in-flight launch: %v", ctx.Err()))
		}
	}

	start := time.Now()
	res := l.submit(ctx, d)
	l.table.commit(d.WorkloadID, entry, res)

	if l.metrics != nil {
		l.metrics.RecordLaunch(ctx, string(d.Kind), res.Outcome().String(), time.Since(start).Seconds())
	}
	l.logger.Info("Workload submitted", "workloadId", d.WorkloadID, "result", res.String())
	return res
}

type submitted struct {
	ref job.WorkloadRef
	err error
}

func (l *Launcher) submit(ctx context.Context, d *Descriptor) Result {
	if !l.breaker.Allow() {
		return RejectedInfra("platform circuit open")
	}

	out := make(chan submitted, 1)
	err := l.call(ctx, "submit", string(d.WorkloadID), func(ctx context.Context) error {
		ref, err := l.backend.Submit(ctx, d)
		out <- submitted{ref: ref, err: err}
		return err
	})

	switch {
	case err == nil:
		l.breaker.RecordSuccess()
		return Accepted((<-out).ref)
	case errors.Is(err, apperrors.ErrValidation):
		l.breaker.RecordSuccess()
		return RejectedInvalid(err.Error())
	default:
		l.breaker.RecordFailure()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			go l.reapLate(out, d.WorkloadID)
		}
		return RejectedInfra(err.Error())
	}
}

// reapLate deletes a unit whose submit completed after its caller gave up.
func (l *Launcher) reapLate(out <-chan submitted, id job.WorkloadID) {
	select {
	case s := <-out:
		if s.err != nil || s.ref == "" {
			return
		}
		l.logger.Warn("Removing workload accepted after launch timeout", "workloadId", id, "workloadRef", s.ref)
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.CallTimeout)
		defer cancel()
		_ = l.Terminate(ctx, s.ref)
	case <-time.After(l.cfg.CallTimeout + time.Minute):
	}
}

// Terminate deletes the workload behind ref. Deleting a unit that is already
// gone succeeds. Teardown bypasses the circuit breaker.
func (l *Launcher) Terminate(ctx context.Context, ref job.WorkloadRef) error {
	if ref == "" {
		return nil
	}
	err := l.call(ctx, "terminate", string(ref), func(ctx context.Context) error {
		return l.backend.Delete(ctx, ref)
	})
	if errors.Is(err, apperrors.ErrNotFound) {
		err = nil
	}
	if err == nil {
		l.table.release(ref)
	}
	if l.metrics != nil {
		l.metrics.RecordTermination(ctx, err == nil)
	}
	if err != nil {
		return apperrors.Unavailable("launcher.terminate", err)
	}
	return nil
}

// Status queries the platform for ref.
func (l *Launcher) Status(ctx context.Context, ref job.WorkloadRef) (*UnitStatus, error) {
	var st *UnitStatus
	err := l.call(ctx, "status", string(ref), func(ctx context.Context) error {
		var err error
		st, err = l.backend.Status(ctx, ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// List returns every unit managed on the platform.
func (l *Launcher) List(ctx context.Context) ([]UnitStatus, error) {
	var units []UnitStatus
	err := l.call(ctx, "list", "", func(ctx context.Context) error {
		var err error
		units, err = l.backend.List(ctx)
		return err
	})
	return units, err
}

// Adopt records a unit that is known to be live without submitting it,
// so a later Submit of the same id returns ref.
func (l *Launcher) Adopt(id job.WorkloadID, ref job.WorkloadRef) {
	l.table.adopt(id, ref)
}

// Ready reports whether the platform is reachable.
func (l *Launcher) Ready(ctx context.Context) error {
	if err := l.backend.Ping(ctx); err != nil {
		return apperrors.Unavailable("launcher.ping", err)
	}
	return nil
}

// BreakerState returns the platform circuit state.
func (l *Launcher) BreakerState() circuitbreaker.State {
	return l.breaker.State()
}

// Close stops the worker pool.
func (l *Launcher) Close() {
	l.pool.close()
}

func (l *Launcher) call(ctx context.Context, op, id string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()

	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("launcher rate limit: %w", err)
	}

	ctx, span := l.tracer.StartLauncherCall(ctx, op, id)
	if l.metrics != nil {
		l.metrics.RecordLauncherQueue(ctx, 1)
		defer l.metrics.RecordLauncherQueue(ctx, -1)
	}

	err := l.pool.run(ctx, fn)
	observability.EndSpan(span, err)
	return err
}
