// Package engine is the job execution state machine.
//
// Every job that is not yet terminal is owned by one supervisor goroutine.
// Launch results, worker reports, heartbeats, liveness failures, timers and
// cancellation requests reach the supervisor through its mailbox and are
// applied one at a time, so the transitions of a job are serialized. Each
// status write is still a compare-and-swap against the store, which remains
// the single source of truth: a lost write is discarded and the supervisor
// reloads the attempt.
//
// After a restart, Recover rebuilds the supervisors from the store and
// reconciles them with the units found on the platform.
package engine

import (
	"context"
	"controlplane/internal/apperrors"
	"controlplane/internal/dispatcher"
	"controlplane/internal/heartbeat"
	"controlplane/internal/job"
	"controlplane/internal/launcher"
	"controlplane/internal/observability"
	"controlplane/internal/placement"
	"controlplane/internal/postprocess"
	"controlplane/internal/store"
	"controlplane/pkg/cloudevent"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Launcher is the subset of *launcher.Launcher the engine drives.
type Launcher interface {
	Submit(ctx context.Context, d *launcher.Descriptor) launcher.Result
	Terminate(ctx context.Context, ref job.WorkloadRef) error
	Status(ctx context.Context, ref job.WorkloadRef) (*launcher.UnitStatus, error)
	List(ctx context.Context) ([]launcher.UnitStatus, error)
	Adopt(id job.WorkloadID, ref job.WorkloadRef)
}

// Postprocessor validates the output of an attempt.
type Postprocessor interface {
	Process(ctx context.Context, in postprocess.Input) postprocess.Result
}

// MetricsRecorder is an optional interface for recording engine metrics.
type MetricsRecorder interface {
	RecordJobSubmitted(ctx context.Context, kind string)
	RecordSupervised(ctx context.Context, kind string, delta int64)
	RecordJobCompleted(ctx context.Context, kind, status string, durationSeconds float64)
	RecordTransition(ctx context.Context, kind, to, reason string)
	RecordRetry(ctx context.Context, kind, reason string)
	RecordStale(ctx context.Context, kind string)
	RecordHeartbeat(ctx context.Context)
	RecordHeartbeatLost(ctx context.Context, kind string)
	RecordPostprocess(ctx context.Context, kind string, success bool, durationSeconds float64)
}

// Deps are the collaborators of an Engine. Dispatcher and Metrics are optional.
type Deps struct {
	Store       store.Store
	Launcher    Launcher
	Placement   *placement.Resolver
	Postprocess Postprocessor
	Dispatcher  dispatcher.Dispatcher
	Metrics     MetricsRecorder
}

// Config configures an Engine.
type Config struct {
	Policies       Policies
	Source         string        // CloudEvent source (default: controlplane)
	SweepInterval  time.Duration // heartbeat sweep cadence (default: 5s)
	MailboxTimeout time.Duration // wait for a busy supervisor (default: 5s)
	StoreTimeout   time.Duration // per store call (default: 10s)
}

func (c Config) withDefaults() Config {
	if c.Policies == nil {
		c.Policies = DefaultPolicies()
	}
	if c.Source == "" {
		c.Source = "controlplane"
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.MailboxTimeout <= 0 {
		c.MailboxTimeout = 5 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	return c
}

// errSupervisorGone means the job's supervisor exited before taking a message.
var errSupervisorGone = errors.New("job supervisor has exited")

// Engine owns the lifecycle of every open job.
type Engine struct {
	deps    Deps
	cfg     Config
	monitor *heartbeat.Monitor
	metrics MetricsRecorder
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[job.ID]*supervisor
	refs   map[job.WorkloadRef]job.ID
	closed bool
}

// New creates an engine. Call Recover before serving requests and Run to
// start liveness sweeps.
func New(deps Deps, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		deps:    deps,
		cfg:     cfg,
		metrics: metrics,
		logger:  slog.With("component", "engine"),
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[job.ID]*supervisor),
		refs:    make(map[job.WorkloadRef]job.ID),
	}
	e.monitor = heartbeat.NewMonitor(heartbeat.Config{
		Timeouts:      cfg.Policies.HeartbeatTimeouts(),
		SweepInterval: cfg.SweepInterval,
	}, e.onLost)
	return e
}

// SubmitResult is the outcome of Submit.
type SubmitResult struct {
	JobID   job.ID `json:"jobId"`
	Created bool   `json:"created"`
}

// Submit creates a job and starts supervising it. When an open job with the
// same natural key exists, that job is returned instead and Created is false.
func (e *Engine) Submit(ctx context.Context, req *job.SubmitRequest) (*SubmitResult, error) {
	req.ApplyDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if e.isClosed() {
		return nil, apperrors.Unavailable("engine.submit", errors.New("engine is shutting down"))
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:           job.NewID(),
		Kind:         req.Kind,
		ConnectionID: req.ConnectionID,
		WorkspaceID:  req.WorkspaceID,
		Tenant:       req.Tenant,
		Input:        req.LaunchInput,
		Callback:     req.Callback,
		CreatedAt:    now,
	}
	first := &job.Attempt{
		JobID:       j.ID,
		Number:      0,
		Status:      job.StatusPending,
		WorkloadID:  job.WorkloadIDFor(j.ID, 0, j.Kind),
		ScheduledAt: now,
	}

	existing, created, err := e.deps.Store.CreateJob(ctx, j, first)
	if err != nil {
		return nil, err
	}
	if !created {
		e.logger.Info("Duplicate submission joined open job", "jobId", existing.ID, "kind", existing.Kind, "connectionId", existing.ConnectionID)
		return &SubmitResult{JobID: existing.ID, Created: false}, nil
	}

	e.metrics.RecordJobSubmitted(ctx, string(j.Kind))
	e.logger.Info("Job submitted",
		"jobId", j.ID,
		"kind", j.Kind,
		"connectionId", j.ConnectionID,
		"workspaceId", j.WorkspaceID)
	e.supervise(j, first, (*supervisor).advance)
	return &SubmitResult{JobID: j.ID, Created: true}, nil
}

// JobView is a job with its attempts.
type JobView struct {
	*job.Job
	Attempts []*job.Attempt `json:"attempts"`
	Result   json.RawMessage `json:"result,omitempty"` // postprocess summary of the final attempt
}

// Get returns a job and its attempts.
func (e *Engine) Get(ctx context.Context, id job.ID) (*JobView, error) {
	j, err := e.deps.Store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	attempts, err := e.deps.Store.ListAttempts(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &JobView{Job: j, Attempts: attempts}
	if j.Terminal() && len(attempts) > 0 {
		view.Result = attempts[len(attempts)-1].Result
	}
	return view, nil
}

// List returns jobs in submission order.
func (e *Engine) List(ctx context.Context, opts store.ListOptions) ([]*job.Job, error) {
	return e.deps.Store.ListJobs(ctx, opts)
}

// Cancel cancels an open job. The active attempt is marked CANCELLED and its
// workload torn down. Returns an ErrAlreadyTerminal error for finished jobs.
func (e *Engine) Cancel(ctx context.Context, id job.ID) error {
	if s := e.lookup(id); s != nil {
		err := e.send(ctx, s, func(reply chan error) any { return cancelMsg{reply: reply} })
		if !errors.Is(err, errSupervisorGone) {
			return err
		}
	}
	return e.settled(ctx, id)
}

// Report applies a workload's lifecycle report.
func (e *Engine) Report(ctx context.Context, ref job.WorkloadRef, report *job.Report) error {
	report.Normalize()
	if err := report.Validate(); err != nil {
		return err
	}
	id, err := e.resolve(ref)
	if err != nil {
		return err
	}
	if s := e.lookup(id); s != nil {
		err := e.send(ctx, s, func(reply chan error) any { return reportMsg{ref: ref, report: report, reply: reply} })
		if !errors.Is(err, errSupervisorGone) {
			return err
		}
	}
	return e.settled(ctx, id)
}

// Heartbeat records a liveness signal. The first heartbeat of a launching
// workload moves its attempt to RUNNING.
func (e *Engine) Heartbeat(ctx context.Context, ref job.WorkloadRef, hb *job.Heartbeat) error {
	at := time.Now()
	var source string
	if hb != nil {
		if hb.Timestamp != nil {
			at = *hb.Timestamp
		}
		source = hb.Source
	}

	if err := e.monitor.Beat(ref, at, source); err == nil {
		e.metrics.RecordHeartbeat(ctx)
		return nil
	}

	id, err := e.resolve(ref)
	if err != nil {
		return err
	}
	if s := e.lookup(id); s != nil {
		err := e.send(ctx, s, func(reply chan error) any {
			return heartbeatMsg{ref: ref, at: at, source: source, reply: reply}
		})
		if err == nil {
			e.metrics.RecordHeartbeat(ctx)
		}
		if !errors.Is(err, errSupervisorGone) {
			return err
		}
	}
	return e.settled(ctx, id)
}

// Run sweeps heartbeats until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.monitor.Run(ctx)
}

// Close stops every supervisor and waits for them and for pending teardowns.
// Open jobs stay open in the store and are resumed by the next Recover.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	supervised := len(e.jobs)
	e.mu.Unlock()

	e.logger.Info("Engine shutting down", "supervised", supervised)
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Supervised returns the number of jobs currently owned by a supervisor.
func (e *Engine) Supervised() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// supervise starts a supervisor for j unless one already exists. start runs
// on the supervisor goroutine before the first message.
func (e *Engine) supervise(j *job.Job, a *job.Attempt, start func(*supervisor)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	if _, ok := e.jobs[j.ID]; ok {
		return false
	}
	s := newSupervisor(e, j, a)
	e.jobs[j.ID] = s
	e.wg.Add(1)
	e.metrics.RecordSupervised(e.ctx, string(j.Kind), 1)
	go s.run(start)
	return true
}

func (e *Engine) release(s *supervisor) {
	e.mu.Lock()
	if e.jobs[s.job.ID] == s {
		delete(e.jobs, s.job.ID)
	}
	for ref, id := range e.refs {
		if id == s.job.ID {
			delete(e.refs, ref)
		}
	}
	e.mu.Unlock()
	e.metrics.RecordSupervised(context.Background(), string(s.job.Kind), -1)
}

func (e *Engine) lookup(id job.ID) *supervisor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobs[id]
}

func (e *Engine) register(ref job.WorkloadRef, id job.ID) {
	if ref == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refs[ref] = id
}

func (e *Engine) unregister(ref job.WorkloadRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.refs, ref)
}

// resolve maps a workload ref to its job. Refs not seen by this process are
// parsed as workload ids, which is what every backend returns.
func (e *Engine) resolve(ref job.WorkloadRef) (job.ID, error) {
	e.mu.Lock()
	id, ok := e.refs[ref]
	e.mu.Unlock()
	if ok {
		return id, nil
	}
	id, _, _, err := job.ParseWorkloadID(job.WorkloadID(ref))
	if err != nil {
		return "", apperrors.NotFound("workload", string(ref))
	}
	return id, nil
}

// send hands a message to a supervisor and waits for its reply.
func (e *Engine) send(ctx context.Context, s *supervisor, build func(reply chan error) any) error {
	reply := make(chan error, 1)
	timer := time.NewTimer(e.cfg.MailboxTimeout)
	defer timer.Stop()

	select {
	case s.mailbox <- build(reply):
	case <-s.done:
		return errSupervisorGone
	case <-timer.C:
		return apperrors.Unavailable("engine.mailbox", fmt.Errorf("supervisor of job %s is busy", s.job.ID))
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-reply
}

// settled answers for a job without a supervisor from its stored state.
func (e *Engine) settled(ctx context.Context, id job.ID) error {
	j, err := e.deps.Store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.Terminal() {
		return apperrors.AlreadyTerminal("job", string(id), string(j.Status))
	}
	return apperrors.Unavailable("engine", fmt.Errorf("job %s is not supervised", id))
}

// onLost is called from the heartbeat sweep and must not block.
func (e *Engine) onLost(l heartbeat.Lost) {
	e.metrics.RecordHeartbeatLost(e.ctx, string(l.Kind))
	id, err := e.resolve(l.Ref)
	if err != nil {
		return
	}
	s := e.lookup(id)
	if s == nil {
		return
	}
	go func() {
		if err := e.send(e.ctx, s, func(reply chan error) any { return lostMsg{lost: l, reply: reply} }); err != nil &&
			!errors.Is(err, errSupervisorGone) && !errors.Is(err, apperrors.ErrAlreadyTerminal) {
			e.logger.Warn("Failed to deliver heartbeat loss", "jobId", id, "workloadRef", l.Ref, "error", err)
		}
	}()
}

// teardown terminates a workload in the background. Termination is
// idempotent and bounded by the launcher's call timeout.
func (e *Engine) teardown(ref job.WorkloadRef, logger *slog.Logger) {
	if ref == "" {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.deps.Launcher.Terminate(context.WithoutCancel(e.ctx), ref); err != nil {
			logger.Warn("Workload teardown failed", "workloadRef", ref, "error", err)
			return
		}
		logger.Info("Workload torn down", "workloadRef", ref)
	}()
}

func (e *Engine) notify(j *job.Job, logger *slog.Logger, event *cloudevent.CloudEvent) {
	if err := dispatcher.Notify(e.deps.Dispatcher, j, event); err != nil {
		logger.Warn("Failed to queue notification", "type", event.Type, "error", err)
	}
}

func (e *Engine) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(e.ctx, e.cfg.StoreTimeout)
}
