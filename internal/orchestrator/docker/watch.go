package docker

import (
	"context"
	"controlplane/internal/job"
	"log/slog"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

type watchState struct {
	workerStarted bool
	workerExited  bool
}

// watchUnit coordinates a unit's containers:
// 1. Sidecar healthy → start worker
// 2. Worker exit → signal sidecar
// 3. Sidecar exit → done
//
// The watcher reconnects on event stream errors after reconciling current state.
func (b *Backend) watchUnit(ctx context.Context, ref job.WorkloadRef, us *unitState) {
	logger := slog.With("workloadRef", ref)
	state := &watchState{}

	for {
		// Subscribe before reconciling so no transition falls between the two.
		streamCtx, cancel := context.WithCancel(ctx)
		eventCh, errCh := b.client.Events(streamCtx, events.ListOptions{
			Filters: filters.NewArgs(
				filters.Arg("type", string(events.ContainerEventType)),
				filters.Arg("container", us.sidecarID),
				filters.Arg("container", us.workerID),
			),
		})

		done := b.reconcileUnit(ctx, logger, us, state) ||
			b.processEvents(ctx, logger, us, state, eventCh, errCh)
		cancel()
		if done {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// reconcileUnit applies the current container states.
// Returns true when the unit needs no further watching.
func (b *Backend) reconcileUnit(ctx context.Context, logger *slog.Logger, us *unitState, state *watchState) bool {
	sc, err := b.client.ContainerInspect(ctx, us.sidecarID)
	if err != nil {
		if ctx.Err() != nil || client.IsErrNotFound(err) {
			return true
		}
		logger.Warn("Failed to inspect sidecar during reconcile", "error", err)
		return false
	}
	if sc.State == nil || !sc.State.Running {
		if !state.workerStarted {
			logger.Warn("Sidecar exited before hydration completed")
		}
		return true
	}

	worker, err := b.client.ContainerInspect(ctx, us.workerID)
	if err != nil {
		if ctx.Err() != nil || client.IsErrNotFound(err) {
			return true
		}
		logger.Warn("Failed to inspect worker during reconcile", "error", err)
		return false
	}
	workerCreated := worker.State == nil || worker.State.Status == "created"
	if !workerCreated {
		state.workerStarted = true
	}

	if !state.workerStarted && sc.State.Health != nil && sc.State.Health.Status == "healthy" {
		logger.Info("Sidecar healthy (reconciled), starting worker")
		b.startWorker(ctx, logger, us, state)
		return false
	}

	if !workerCreated && !state.workerExited && !worker.State.Running {
		state.workerExited = true
		logger.Info("Worker exited (reconciled)", "exitCode", worker.State.ExitCode)
		b.signalSidecar(ctx, logger, us)
	}
	return false
}

// processEvents handles the event stream until the unit is done or the
// stream fails. Returns true when done, false when a reconnect is needed.
func (b *Backend) processEvents(ctx context.Context, logger *slog.Logger, us *unitState, state *watchState, eventCh <-chan events.Message, errCh <-chan error) bool {
	for {
		select {
		case <-ctx.Done():
			return true

		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				logger.Warn("Event stream error", "error", err)
			}
			return false

		case event, ok := <-eventCh:
			if !ok {
				return false
			}

			switch {
			case event.Actor.ID == us.sidecarID &&
				event.Action == events.ActionHealthStatusHealthy &&
				!state.workerStarted:

				logger.Info("Sidecar healthy, starting worker")
				b.startWorker(ctx, logger, us, state)

			case event.Actor.ID == us.workerID &&
				event.Action == events.ActionDie &&
				!state.workerExited:

				state.workerExited = true
				logger.Info("Worker exited", "exitCode", exitCodeOf(event))
				b.signalSidecar(ctx, logger, us)

			case event.Actor.ID == us.sidecarID && event.Action == events.ActionDie:
				if !state.workerStarted {
					logger.Warn("Sidecar exited before hydration completed")
				} else {
					logger.Info("Sidecar exited")
				}
				return true
			}
		}
	}
}

// startWorker starts the worker. On failure the sidecar is signalled anyway
// so it reports the missing output as a failure.
func (b *Backend) startWorker(ctx context.Context, logger *slog.Logger, us *unitState, state *watchState) {
	state.workerStarted = true
	if err := b.client.ContainerStart(ctx, us.workerID, container.StartOptions{}); err != nil {
		logger.Error("Failed to start worker", "error", err)
		state.workerExited = true
		b.signalSidecar(ctx, logger, us)
	}
}

func (b *Backend) signalSidecar(ctx context.Context, logger *slog.Logger, us *unitState) {
	if err := b.client.ContainerKill(ctx, us.sidecarID, "SIGUSR1"); err != nil {
		logger.Warn("Failed to signal sidecar", "error", err)
	}
}

// exitCodeOf extracts the exit code from a container die event.
func exitCodeOf(event events.Message) int {
	if code, ok := event.Actor.Attributes["exitCode"]; ok {
		if n, err := strconv.Atoi(code); err == nil {
			return n
		}
	}
	return -1
}
