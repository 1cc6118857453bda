package engine

import (
	"context"
	"controlplane/internal/apperrors"
	"controlplane/internal/job"
	"controlplane/internal/launcher"
	"controlplane/internal/store"
	"errors"
	"fmt"
	"time"
)

// Recover resumes supervision of every open job after a restart.
//
// Attempts recorded as LAUNCHING or RUNNING are checked against the platform:
// a unit that still exists is adopted and given a fresh liveness grace period,
// a missing or exited one fails the attempt as transient. Units that belong
// to no open attempt are terminated before any supervisor starts, so units
// launched by resumed jobs are never mistaken for orphans.
func (e *Engine) Recover(ctx context.Context) error {
	jobs, err := e.deps.Store.ListJobs(ctx, store.ListOptions{OpenOnly: true})
	if err != nil {
		return fmt.Errorf("recover: list open jobs: %w", err)
	}

	type resumed struct {
		job     *job.Job
		attempt *job.Attempt
		start   func(*supervisor)
	}
	plan := make([]resumed, 0, len(jobs))
	keep := make(map[job.WorkloadID]bool, len(jobs))

	for _, j := range jobs {
		a, err := e.deps.Store.LatestAttempt(ctx, j.ID)
		if err != nil {
			return fmt.Errorf("recover: job %s: %w", j.ID, err)
		}
		start := (*supervisor).advance
		switch {
		case a.Status.IsActive():
			keep[a.WorkloadID] = true
			gone := e.unitGone(ctx, a)
			start = func(s *supervisor) { s.resume(gone) }
		case a.Status == job.StatusPending:
			// A unit accepted before the crash is returned again by the
			// idempotent relaunch.
			keep[a.WorkloadID] = true
		}
		plan = append(plan, resumed{job: j, attempt: a, start: start})
	}

	orphans, err := e.reapOrphans(ctx, keep)
	if err != nil {
		e.logger.Warn("Orphan scan failed", "error", err)
	}

	for _, r := range plan {
		e.supervise(r.job, r.attempt, r.start)
	}
	e.logger.Info("Recovery complete", "openJobs", len(plan), "orphansTerminated", orphans)
	return nil
}

// unitGone returns why an active attempt's unit can no longer make progress, or
// "" when it is still there.
func (e *Engine) unitGone(ctx context.Context, a *job.Attempt) string {
	if a.WorkloadRef == "" {
		return "workload reference was never recorded"
	}
	st, err := e.deps.Launcher.Status(ctx, a.WorkloadRef)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return "workload disappeared while the control plane was down"
	case err != nil:
		// Liveness supervision decides once the platform answers again.
		e.logger.Warn("Workload status unknown during recovery", "jobId", a.JobID, "workloadRef", a.WorkloadRef, "error", err)
	case st.State == launcher.UnitExited:
		return "workload exited while the control plane was down"
	}
	e.deps.Launcher.Adopt(a.WorkloadID, a.WorkloadRef)
	return ""
}

func (e *Engine) reapOrphans(ctx context.Context, keep map[job.WorkloadID]bool) (int, error) {
	units, err := e.deps.Launcher.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, u := range units {
		if keep[u.WorkloadID] {
			continue
		}
		if err := e.deps.Launcher.Terminate(ctx, u.Ref); err != nil {
			e.logger.Warn("Failed to terminate orphaned workload", "workloadRef", u.Ref, "workloadId", u.WorkloadID, "error", err)
			continue
		}
		e.logger.Info("Orphaned workload terminated", "workloadRef", u.Ref, "workloadId", u.WorkloadID)
		n++
	}
	return n, nil
}

// resume restarts supervision of an attempt that was active before a
// restart. gone is the reason its unit is unusable, if any.
func (s *supervisor) resume(gone string) {
	a := s.attempt
	if gone != "" {
		f := job.NewFailure(job.ReasonInfraTransient, job.OriginPlatform, gone)
		_ = s.fail(a.Status, f, store.Update{})
		return
	}

	s.e.register(a.WorkloadRef, s.job.ID)
	switch a.Status {
	case job.StatusLaunching:
		s.launchDeadline = time.NewTimer(s.policy.LaunchTimeout)
	case job.StatusRunning:
		s.e.monitor.Track(a.WorkloadRef, s.job.Kind, time.Now())
	}
	s.log().Info("Attempt resumed", "status", a.Status, "workloadRef", a.WorkloadRef)
}
