package engine

import (
	"context"
	"controlplane/internal/apperrors"
	"controlplane/internal/heartbeat"
	"controlplane/internal/job"
	"controlplane/internal/launcher"
	"controlplane/internal/postprocess"
	"controlplane/internal/store"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// storeRetryDelay paces re-evaluation after a failed store write.
const storeRetryDelay = time.Second

// Mailbox messages. External ones carry a reply channel that is always
// answered before the next message is taken.
type (
	cancelMsg struct {
		reply chan error
	}
	reportMsg struct {
		ref    job.WorkloadRef
		report *job.Report
		reply  chan error
	}
	heartbeatMsg struct {
		ref    job.WorkloadRef
		at     time.Time
		source string
		reply  chan error
	}
	lostMsg struct {
		lost  heartbeat.Lost
		reply chan error
	}
	launchedMsg struct {
		number int
		result launcher.Result
	}
	postprocessedMsg struct {
		number     int
		payloadRef string
		result     postprocess.Result
		duration   time.Duration
	}
)

// supervisor owns one job until it is terminal. All fields are confined to
// the run goroutine.
type supervisor struct {
	e       *Engine
	job     *job.Job
	attempt *job.Attempt
	policy  Policy
	events  *job.EventBuilder
	logger  *slog.Logger

	mailbox chan any
	done    chan struct{}

	wakeup          *time.Timer // next launch or store retry
	launchDeadline  *time.Timer
	submitting      bool
	postprocessing  bool
	stopPostprocess context.CancelFunc
	finished        bool
}

func newSupervisor(e *Engine, j *job.Job, a *job.Attempt) *supervisor {
	return &supervisor{
		e:       e,
		job:     j,
		attempt: a,
		policy:  e.cfg.Policies.For(j.Kind),
		events:  job.NewEventBuilder(e.cfg.Source, j),
		logger:  slog.With("component", "engine", "jobId", j.ID, "kind", j.Kind),
		mailbox: make(chan any),
		done:    make(chan struct{}),
	}
}

// run is the supervisor loop. It keeps running after the job is terminal
// while a submit is still in flight, so a late accepted unit is torn down.
func (s *supervisor) run(start func(*supervisor)) {
	defer s.e.wg.Done()
	defer s.exit()

	start(s)
	for !s.finished || s.submitting {
		select {
		case m := <-s.mailbox:
			s.handle(m)
		case <-timerC(s.wakeup):
			s.wakeup = nil
			s.advance()
		case <-timerC(s.launchDeadline):
			s.launchDeadline = nil
			s.launchTimedOut()
		case <-s.e.ctx.Done():
			s.log().Debug("Supervisor stopped")
			return
		}
	}
}

func (s *supervisor) exit() {
	stopTimer(s.wakeup)
	stopTimer(s.launchDeadline)
	if s.stopPostprocess != nil {
		s.stopPostprocess()
	}
	s.e.release(s)
	close(s.done)
}

func (s *supervisor) handle(m any) {
	switch m := m.(type) {
	case cancelMsg:
		m.reply <- s.cancel()
	case reportMsg:
		m.reply <- s.onReport(m.ref, m.report)
	case heartbeatMsg:
		m.reply <- s.onHeartbeat(m.ref, m.at, m.source)
	case lostMsg:
		m.reply <- s.onLost(m.lost)
	case launchedMsg:
		s.onLaunched(m)
	case postprocessedMsg:
		s.onPostprocessed(m)
	}
}

// post delivers an internal message, giving up if the supervisor exited.
func (s *supervisor) post(m any) {
	select {
	case s.mailbox <- m:
	case <-s.done:
	}
}

func (s *supervisor) log() *slog.Logger {
	return s.logger.With("attempt", s.attempt.Number)
}

// advance moves the job forward from the current attempt's stored status:
// a pending attempt is launched when due, a failed one is retried or ends
// the job, any other terminal status ends the job.
func (s *supervisor) advance() {
	if s.finished {
		return
	}
	switch a := s.attempt; {
	case a.Status == job.StatusPending:
		s.launch()
	case a.Status == job.StatusFailed:
		s.afterFailure()
	case a.Status.IsTerminal():
		s.finalize(a.Status, a.Failure)
	}
}

func (s *supervisor) launch() {
	a := s.attempt
	if a.Status != job.StatusPending || s.submitting {
		return
	}
	if wait := time.Until(a.ScheduledAt); wait > 0 {
		s.wakeIn(wait)
		return
	}

	s.submitting = true
	d := launcher.NewDescriptor(s.job, a, s.e.deps.Placement.Resolve(s.job.Kind, s.job.Tenant))
	number := a.Number
	s.log().Info("Launching attempt", "workloadId", d.WorkloadID)
	go func() {
		// Not tied to cancellation: the result is needed to tear down a
		// unit accepted after the job was cancelled.
		res := s.e.deps.Launcher.Submit(s.e.ctx, d)
		s.post(launchedMsg{number: number, result: res})
	}()
}

func (s *supervisor) onLaunched(m launchedMsg) {
	s.submitting = false
	a := s.attempt

	if s.finished || a.Number != m.number || a.Status != job.StatusPending {
		if m.result.IsAccepted() {
			s.log().Info("Tearing down workload accepted after the attempt ended", "workloadRef", m.result.Ref())
			s.e.teardown(m.result.Ref(), s.log())
		}
		return
	}

	if !m.result.IsAccepted() {
		_ = s.fail(job.StatusPending, m.result.Failure(), store.Update{})
		return
	}

	ref := m.result.Ref()
	now := time.Now().UTC()
	if _, err := s.transition(job.StatusPending, store.Update{Status: job.StatusLaunching, WorkloadRef: ref, StartedAt: &now}); err != nil {
		if !errors.Is(err, apperrors.ErrStaleTransition) {
			// Still PENDING: the relaunch returns the same unit.
			s.wakeIn(storeRetryDelay)
		}
		return
	}
	s.e.register(ref, s.job.ID)
	s.launchDeadline = time.NewTimer(s.policy.LaunchTimeout)
}

func (s *supervisor) launchTimedOut() {
	a := s.attempt
	if s.finished || a.Status != job.StatusLaunching {
		return
	}
	f := job.NewFailure(job.ReasonLaunchTimeout, job.OriginPlatform,
		fmt.Sprintf("workload did not start within %s", s.policy.LaunchTimeout))
	_ = s.fail(job.StatusLaunching, f, store.Update{})
}

func (s *supervisor) markRunning() error {
	a, err := s.transition(job.StatusLaunching, store.Update{Status: job.StatusRunning})
	if err != nil {
		return err
	}
	stopTimer(s.launchDeadline)
	s.launchDeadline = nil
	s.e.monitor.Track(a.WorkloadRef, s.job.Kind, time.Now())
	return nil
}

func (s *supervisor) onReport(ref job.WorkloadRef, r *job.Report) error {
	if err := s.checkRef(ref); err != nil {
		return err
	}
	if s.postprocessing {
		s.log().Info("Report ignored while postprocessing", "outcome", r.Outcome)
		return nil
	}

	a := s.attempt
	switch r.Outcome {
	case job.ReportStarted:
		if a.Status == job.StatusLaunching {
			return s.markRunning()
		}
		return nil

	case job.ReportFailed:
		return s.fail(a.Status, r.ToFailure(), store.Update{})

	case job.ReportDone:
		if a.Status == job.StatusLaunching {
			if err := s.markRunning(); err != nil {
				return err
			}
		}
		s.startPostprocess(r.PayloadRef)
		return nil
	}
	return apperrors.Validationf("outcome", "unknown outcome %q", r.Outcome)
}

func (s *supervisor) onHeartbeat(ref job.WorkloadRef, at time.Time, source string) error {
	if err := s.checkRef(ref); err != nil {
		return err
	}
	if s.postprocessing || s.attempt.Status != job.StatusLaunching {
		return nil
	}
	if err := s.markRunning(); err != nil {
		return err
	}
	return s.e.monitor.Beat(ref, at, source)
}

func (s *supervisor) onLost(l heartbeat.Lost) error {
	if s.checkRef(l.Ref) != nil || s.postprocessing {
		return nil
	}
	f := job.NewFailure(job.ReasonHeartbeatLost, job.OriginHeartbeat,
		fmt.Sprintf("no heartbeat for %s", l.Silence.Round(time.Millisecond)))
	return s.fail(s.attempt.Status, f, store.Update{})
}

// checkRef verifies that ref belongs to the active attempt.
func (s *supervisor) checkRef(ref job.WorkloadRef) error {
	a := s.attempt
	if s.finished {
		return apperrors.AlreadyTerminal("job", string(s.job.ID), string(s.job.Status))
	}
	owned := ref == a.WorkloadRef || ref == job.WorkloadRef(a.WorkloadID)
	switch {
	case !owned:
		return apperrors.AlreadyTerminal("workload", string(ref), "superseded")
	case a.Status == job.StatusPending:
		// The launch has not been recorded yet; the workload retries.
		return apperrors.Unavailable("engine.report", errors.New("launch in progress"))
	case !a.Status.IsActive():
		return apperrors.Conflict("workload", string(ref), fmt.Sprintf("attempt is %s", a.Status))
	}
	return nil
}

func (s *supervisor) startPostprocess(payloadRef string) {
	a := s.attempt
	s.postprocessing = true
	s.e.monitor.Untrack(a.WorkloadRef)

	ctx, cancel := context.WithCancel(s.e.ctx)
	s.stopPostprocess = cancel
	in := postprocess.Input{
		JobID:        s.job.ID,
		Attempt:      a.Number,
		Kind:         s.job.Kind,
		ConnectionID: s.job.ConnectionID,
		PayloadRef:   payloadRef,
	}
	s.log().Info("Postprocessing output", "payloadRef", payloadRef)
	go func() {
		start := time.Now()
		res := s.e.deps.Postprocess.Process(ctx, in)
		s.post(postprocessedMsg{number: in.Attempt, payloadRef: payloadRef, result: res, duration: time.Since(start)})
	}()
}

func (s *supervisor) onPostprocessed(m postprocessedMsg) {
	s.postprocessing = false
	if s.stopPostprocess != nil {
		s.stopPostprocess()
		s.stopPostprocess = nil
	}
	a := s.attempt
	if s.finished || a.Number != m.number || a.Status != job.StatusRunning {
		return
	}

	s.e.metrics.RecordPostprocess(s.e.ctx, string(s.job.Kind), m.result.Succeeded(), m.duration.Seconds())
	update := store.Update{OutputRef: m.payloadRef, Result: m.result.Summary()}

	out, ok := m.result.Output()
	if !ok {
		f, failed := m.result.Failure()
		if !failed {
			f = job.NewFailure(job.ReasonInfraTransient, job.OriginPostprocess, "postprocessing produced no result")
		}
		_ = s.fail(job.StatusRunning, f, update)
		return
	}

	if catalog := out.Catalog(); catalog != nil {
		ctx, cancel := s.e.storeCtx()
		err := s.e.deps.Store.SaveSchema(ctx, s.job.ConnectionID, catalog)
		cancel()
		if err != nil {
			f := job.NewFailure(job.ReasonInfraTransient, job.OriginPostprocess, fmt.Sprintf("save schema: %v", err))
			_ = s.fail(job.StatusRunning, f, store.Update{OutputRef: m.payloadRef})
			return
		}
	}

	now := time.Now().UTC()
	update.Status = job.StatusSucceeded
	update.EndedAt = &now
	succeeded, err := s.transition(job.StatusRunning, update)
	if err != nil {
		return
	}
	s.cleanup(succeeded)
	s.finalize(job.StatusSucceeded, nil)
}

func (s *supervisor) cancel() error {
	if s.finished {
		return apperrors.AlreadyTerminal("job", string(s.job.ID), string(s.job.Status))
	}
	stopTimer(s.wakeup)
	s.wakeup = nil

	a := s.attempt
	if a.Status.IsTerminal() {
		// The attempt ended but the job has not been settled yet.
		s.finalize(job.StatusCancelled, a.Failure)
		return nil
	}

	now := time.Now().UTC()
	cancelled, err := s.transition(a.Status, store.Update{Status: job.StatusCancelled, EndedAt: &now})
	if err != nil {
		return err
	}
	if s.stopPostprocess != nil {
		s.stopPostprocess()
		s.stopPostprocess = nil
		s.postprocessing = false
	}
	s.log().Info("Attempt cancelled", "submitInFlight", s.submitting)
	s.cleanup(cancelled)
	s.finalize(job.StatusCancelled, nil)
	return nil
}

// fail marks the attempt FAILED and decides between a retry and the end of
// the job.
func (s *supervisor) fail(from job.AttemptStatus, f *job.Failure, update store.Update) error {
	now := time.Now().UTC()
	update.Status = job.StatusFailed
	update.EndedAt = &now
	update.Failure = f

	failed, err := s.transition(from, update)
	if err != nil {
		return err
	}
	s.log().Warn("Attempt failed",
		"reason", f.Reason,
		"origin", f.Origin,
		"retryable", f.Retryable,
		"message", f.Message)
	s.cleanup(failed)
	s.afterFailure()
	return nil
}

func (s *supervisor) afterFailure() {
	a := s.attempt
	f := a.Failure
	if f == nil || !f.Retryable || a.Number >= s.policy.MaxRetries {
		s.finalize(job.StatusFailed, f)
		return
	}

	number := a.Number + 1
	next := &job.Attempt{
		JobID:       s.job.ID,
		Number:      number,
		Status:      job.StatusPending,
		WorkloadID:  job.WorkloadIDFor(s.job.ID, number, s.job.Kind),
		ScheduledAt: time.Now().UTC().Add(s.policy.Backoff.Delay(number)),
	}

	ctx, cancel := s.e.storeCtx()
	defer cancel()
	if err := s.e.deps.Store.CreateAttempt(ctx, next); err != nil {
		if !errors.Is(err, apperrors.ErrConflict) {
			s.log().Error("Failed to create retry attempt", "error", err)
			s.wakeIn(storeRetryDelay)
			return
		}
		// Created before a restart.
		if next, err = s.e.deps.Store.GetAttempt(ctx, s.job.ID, number); err != nil {
			s.log().Error("Failed to load retry attempt", "error", err)
			s.wakeIn(storeRetryDelay)
			return
		}
	}

	s.e.metrics.RecordRetry(ctx, string(s.job.Kind), string(f.Reason))
	s.attempt = next
	s.log().Info("Retry scheduled", "reason", f.Reason, "scheduledAt", next.ScheduledAt)
	s.e.notify(s.job, s.logger, s.events.Retrying(next))
	s.launch()
}

// finalize records the job's terminal summary.
func (s *supervisor) finalize(status job.AttemptStatus, f *job.Failure) {
	now := time.Now().UTC()
	summary := store.Summary{Status: status, FinishedAt: now, Retries: s.attempt.Number, Failure: f}

	ctx, cancel := s.e.storeCtx()
	defer cancel()
	if err := s.e.deps.Store.FinalizeJob(ctx, s.job.ID, summary); err != nil && !errors.Is(err, apperrors.ErrAlreadyTerminal) {
		s.log().Error("Failed to finalize job", "status", status, "error", err)
		s.wakeIn(storeRetryDelay)
		return
	}

	s.finished = true
	s.job.Status = status
	s.job.FinishedAt = &now
	s.job.Retries = summary.Retries
	s.job.Failure = f

	s.e.metrics.RecordJobCompleted(ctx, string(s.job.Kind), string(status), now.Sub(s.job.CreatedAt).Seconds())
	s.log().Info("Job finished", "status", status, "retries", summary.Retries)
	s.e.notify(s.job, s.logger, s.events.Completed())
}

// transition applies a CAS status write. A stale write reloads the attempt.
func (s *supervisor) transition(from job.AttemptStatus, update store.Update) (*job.Attempt, error) {
	a := s.attempt
	if !job.CanTransition(from, update.Status) {
		return nil, apperrors.Conflict("attempt", a.Key(), fmt.Sprintf("cannot move from %s to %s", from, update.Status))
	}

	ctx, cancel := s.e.storeCtx()
	defer cancel()
	updated, err := s.e.deps.Store.TransitionAttempt(ctx, a.JobID, a.Number, from, update)
	if err != nil {
		if errors.Is(err, apperrors.ErrStaleTransition) {
			s.e.metrics.RecordStale(ctx, string(s.job.Kind))
			s.log().Warn("Stale transition discarded", "from", from, "to", update.Status, "error", err)
			s.reload()
		} else {
			s.log().Error("Transition failed", "from", from, "to", update.Status, "error", err)
		}
		return nil, err
	}

	reason := ""
	if update.Failure != nil {
		reason = string(update.Failure.Reason)
	}
	s.attempt = updated
	s.e.metrics.RecordTransition(ctx, string(s.job.Kind), string(update.Status), reason)
	s.log().Info("Attempt transitioned", "from", from, "to", update.Status)
	if event := s.events.ForAttempt(updated); event != nil {
		s.e.notify(s.job, s.logger, event)
	}
	return updated, nil
}

// reload replaces the cached attempt with the stored one after a lost write.
func (s *supervisor) reload() {
	ctx, cancel := s.e.storeCtx()
	defer cancel()
	a, err := s.e.deps.Store.GetAttempt(ctx, s.attempt.JobID, s.attempt.Number)
	if err != nil {
		s.log().Error("Failed to reload attempt", "error", err)
		return
	}
	s.attempt = a
	if a.Status.IsTerminal() {
		s.cleanup(a)
		s.wakeIn(0)
	}
}

// cleanup releases everything held for a terminal attempt. The workload is
// terminated exactly once per terminal transition.
func (s *supervisor) cleanup(a *job.Attempt) {
	stopTimer(s.launchDeadline)
	s.launchDeadline = nil
	if a.WorkloadRef == "" {
		return
	}
	s.e.monitor.Untrack(a.WorkloadRef)
	s.e.unregister(a.WorkloadRef)
	s.e.teardown(a.WorkloadRef, s.log())
}

func (s *supervisor) wakeIn(d time.Duration) {
	stopTimer(s.wakeup)
	s.wakeup = time.NewTimer(d)
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
