// Package docker implements launcher.Backend on the host Docker daemon.
//
// Each workload is a worker container and a sidecar container sharing a
// named volume. All three are named after the workload id, which makes
// Submit idempotent across restarts: a unit that already exists is adopted
// instead of recreated. The sidecar hydrates the launch input into the
// volume and turns healthy; a watcher then starts the worker and, when the
// worker exits, signals the sidecar to report the outcome.
package docker

import (
	"context"
	"controlplane/internal/apperrors"
	"controlplane/internal/job"
	"controlplane/internal/launcher"
	"controlplane/internal/sidecar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
)

// Labels set on every managed container, in addition to the descriptor labels.
const (
	LabelManagedBy = "managed-by"
	LabelRole      = "controlplane.role"

	managedBy   = "controlplane"
	roleWorker  = "worker"
	roleSidecar = "sidecar"
)

// Backend runs workloads as Docker containers.
type Backend struct {
	client *client.Client
	cfg    Config
	units  *unitRepo

	watchCtx    context.Context
	stopWatches context.CancelFunc
	watchWg     sync.WaitGroup
}

// New connects to the daemon from the environment and resumes watching any
// units left running by a previous process.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.SidecarImage == "" {
		return nil, fmt.Errorf("sidecar image is required")
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	watchCtx, stop := context.WithCancel(context.Background())
	b := &Backend{
		client:      dockerClient,
		cfg:         cfg.withDefaults(),
		units:       newUnitRepo(),
		watchCtx:    watchCtx,
		stopWatches: stop,
	}

	if err := b.reconcile(ctx); err != nil {
		slog.Warn("Failed to reconcile workloads", "error", err)
	}
	return b, nil
}

func workerName(ref job.WorkloadRef) string  { return string(ref) + "-worker" }
func sidecarName(ref job.WorkloadRef) string { return string(ref) + "-sidecar" }
func volumeName(ref job.WorkloadRef) string  { return string(ref) + "-workspace" }

// Submit creates and starts the unit for d. The returned ref is the workload id.
func (b *Backend) Submit(ctx context.Context, d *launcher.Descriptor) (job.WorkloadRef, error) {
	ref := job.WorkloadRef(d.WorkloadID)
	logger := slog.With("workloadRef", ref)

	if err := b.units.reserve(ref); err != nil {
		live, err := b.live(ctx, ref)
		if err != nil {
			return "", err
		}
		if live {
			return ref, nil
		}
		// Left behind by a previous process, or already finished.
		logger.Info("Replacing stale workload")
		if err := b.Delete(ctx, ref); err != nil {
			return "", err
		}
		if err := b.units.reserve(ref); err != nil {
			return "", apperrors.Unavailable("docker.submit", errors.New("launch in progress"))
		}
	}

	us := &unitState{}
	success := false
	defer func() {
		if !success {
			b.cleanup(context.WithoutCancel(ctx), us)
			b.units.release(ref)
		}
	}()

	adopted, err := b.adoptExisting(ctx, ref)
	if err != nil {
		return "", err
	}
	if adopted != nil {
		logger.Info("Adopted existing workload")
		success = true
		b.watch(ref, adopted)
		return ref, nil
	}

	// A worker without its sidecar is left from a launch that died midway.
	_ = b.removeContainer(ctx, workerName(ref))

	if _, err := b.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   volumeName(ref),
		Labels: b.labels(d, "volume"),
	}); err != nil {
		return "", apperrors.Internal("docker.createVolume", err)
	}
	us.volumeName = volumeName(ref)

	pullCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.PullTimeout)
	defer cancel()
	if err := b.pullImageIfNeeded(pullCtx, d.Input.Image); err != nil {
		if client.IsErrNotFound(err) {
			return "", apperrors.Validationf("launchInput.image", "image %s not found: %v", d.Input.Image, err)
		}
		return "", apperrors.Internal("docker.pullImage", err)
	}

	if us.workerID, err = b.createWorker(ctx, d, ref); err != nil {
		return "", apperrors.Internal("docker.createWorker", err)
	}
	if us.sidecarID, err = b.createSidecar(ctx, d, ref); err != nil {
		return "", apperrors.Internal("docker.createSidecar", err)
	}

	// The sidecar hydrates the volume and turns healthy; the watcher starts the worker.
	if err := b.client.ContainerStart(ctx, us.sidecarID, container.StartOptions{}); err != nil {
		return "", apperrors.Internal("docker.startSidecar", err)
	}

	success = true
	b.watch(ref, us)
	logger.Info("Workload submitted", "image", d.Input.Image)
	return ref, nil
}

// adoptExisting returns the state of a unit already present on the daemon,
// or nil when there is none.
func (b *Backend) adoptExisting(ctx context.Context, ref job.WorkloadRef) (*unitState, error) {
	sc, err := b.client.ContainerInspect(ctx, sidecarName(ref))
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, apperrors.Internal("docker.inspectSidecar", err)
	}
	worker, err := b.client.ContainerInspect(ctx, workerName(ref))
	if err != nil {
		if client.IsErrNotFound(err) {
			_ = b.removeContainer(ctx, sc.ID)
			return nil, nil
		}
		return nil, apperrors.Internal("docker.inspectWorker", err)
	}
	return &unitState{workerID: worker.ID, sidecarID: sc.ID, volumeName: volumeName(ref)}, nil
}

// live reports whether the tracked unit for ref can still run to completion.
func (b *Backend) live(ctx context.Context, ref job.WorkloadRef) (bool, error) {
	if us, ok := b.units.get(ref); ok && us == nil {
		return false, apperrors.Unavailable("docker.submit", errors.New("launch in progress"))
	}
	sc, err := b.client.ContainerInspect(ctx, sidecarName(ref))
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, apperrors.Internal("docker.inspectSidecar", err)
	}
	return sc.State != nil && sc.State.Running, nil
}

// watch commits us and follows its containers until the sidecar exits or
// the unit is deleted.
func (b *Backend) watch(ref job.WorkloadRef, us *unitState) {
	ctx, cancel := context.WithCancel(b.watchCtx)
	us.cancelWatch = cancel
	b.units.commit(ref, us)

	b.watchWg.Add(1)
	go func() {
		defer b.watchWg.Done()
		b.watchUnit(ctx, ref, us)
	}()
}

// Status reports the worker container's state.
func (b *Backend) Status(ctx context.Context, ref job.WorkloadRef) (*launcher.UnitStatus, error) {
	info, err := b.client.ContainerInspect(ctx, workerName(ref))
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, apperrors.NotFound("workload", string(ref))
		}
		return nil, apperrors.Internal("docker.inspectWorker", err)
	}

	status := &launcher.UnitStatus{
		Ref:        ref,
		WorkloadID: job.WorkloadID(ref),
		State:      launcher.UnitExited,
	}
	if info.State != nil {
		status.State = unitStateOf(info.State.Status)
		status.Message = info.State.Status
		if status.State == launcher.UnitExited {
			code := info.State.ExitCode
			status.ExitCode = &code
		}
	}
	return status, nil
}

// Delete stops the unit's watcher and removes its containers and volume.
// Missing pieces are ignored.
func (b *Backend) Delete(ctx context.Context, ref job.WorkloadRef) error {
	if us, ok := b.units.release(ref); ok && us != nil && us.cancelWatch != nil {
		us.cancelWatch()
	}

	var errs []error
	for _, name := range []string{sidecarName(ref), workerName(ref)} {
		if err := b.removeContainer(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.client.VolumeRemove(ctx, volumeName(ref), true); err != nil && !client.IsErrNotFound(err) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return apperrors.Internal("docker.delete", errors.Join(errs...))
	}

	slog.Debug("Workload deleted", "workloadRef", ref)
	return nil
}

// List returns every managed worker container on the daemon.
func (b *Backend) List(ctx context.Context) ([]launcher.UnitStatus, error) {
	containers, err := b.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManagedBy+"="+managedBy),
			filters.Arg("label", LabelRole+"="+roleWorker),
		),
	})
	if err != nil {
		return nil, apperrors.Internal("docker.listContainers", err)
	}

	out := make([]launcher.UnitStatus, 0, len(containers))
	for _, c := range containers {
		id := c.Labels[launcher.LabelWorkloadID]
		if id == "" {
			continue
		}
		out = append(out, launcher.UnitStatus{
			Ref:        job.WorkloadRef(id),
			WorkloadID: job.WorkloadID(id),
			State:      unitStateOf(string(c.State)),
			Message:    c.Status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, nil
}

// Ping checks the daemon is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	_, err := b.client.Ping(ctx)
	return err
}

// Payloads returns a reader for docker:// payload references.
func (b *Backend) Payloads() *PayloadReader {
	return &PayloadReader{client: b.client}
}

// Close stops all watchers. Containers keep running and are adopted by the
// next process.
func (b *Backend) Close() error {
	b.stopWatches()
	b.watchWg.Wait()
	slog.Info("Docker backend closed", "units", len(b.units.refs()))
	return b.client.Close()
}

// reconcile rebuilds unit state from managed containers and resumes watching
// units whose sidecar is still running.
func (b *Backend) reconcile(ctx context.Context) error {
	logger := slog.With("component", "reconcile")

	containers, err := b.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManagedBy+"="+managedBy),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	units := make(map[job.WorkloadRef]*unitState)
	sidecarRunning := make(map[job.WorkloadRef]bool)
	for _, c := range containers {
		id := c.Labels[launcher.LabelWorkloadID]
		if id == "" {
			continue
		}
		ref := job.WorkloadRef(id)
		us := units[ref]
		if us == nil {
			us = &unitState{volumeName: volumeName(ref)}
			units[ref] = us
		}
		switch c.Labels[LabelRole] {
		case roleWorker:
			us.workerID = c.ID
		case roleSidecar:
			us.sidecarID = c.ID
			sidecarRunning[ref] = string(c.State) == "running"
		}
	}

	var resumed int
	for ref, us := range units {
		if us.workerID == "" || us.sidecarID == "" || !sidecarRunning[ref] {
			b.units.commit(ref, us)
			continue
		}
		b.watch(ref, us)
		resumed++
	}

	logger.Info("Reconciliation complete", "units", len(units), "resumed", resumed)
	return nil
}

func (b *Backend) labels(d *launcher.Descriptor, role string) map[string]string {
	labels := maps.Clone(d.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[launcher.LabelWorkloadID] = string(d.WorkloadID)
	labels[LabelManagedBy] = managedBy
	labels[LabelRole] = role
	return labels
}

func (b *Backend) createWorker(ctx context.Context, d *launcher.Descriptor, ref job.WorkloadRef) (string, error) {
	containerConfig := &container.Config{
		Image:      d.Input.Image,
		Cmd:        d.Input.Command,
		Env:        workerEnv(d, b.cfg.Workspace),
		WorkingDir: b.cfg.Workspace,
		Labels:     b.labels(d, roleWorker),
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: volumeName(ref),
				Target: b.cfg.Workspace,
			},
		},
		Resources: container.Resources{
			NanoCPUs: int64(d.Input.CPU * 1e9),
			Memory:   int64(d.Input.MemoryMB) * 1024 * 1024,
		},
		ExtraHosts: b.cfg.ExtraHosts,
	}
	if b.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(b.cfg.Network)
	}

	resp, err := b.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, workerName(ref))
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (b *Backend) createSidecar(ctx context.Context, d *launcher.Descriptor, ref job.WorkloadRef) (string, error) {
	env, err := b.sidecarEnv(d, ref)
	if err != nil {
		return "", err
	}

	// Docker emits health_status events once the ready marker exists.
	healthCheck := &container.HealthConfig{
		Test:        []string{"CMD", b.cfg.SidecarBinary, "-check-ready"},
		Interval:    200 * time.Millisecond,
		Timeout:     5 * time.Second,
		StartPeriod: b.cfg.HydrationTimeout,
		Retries:     0,
	}

	containerConfig := &container.Config{
		Image:       b.cfg.SidecarImage,
		Env:         env,
		User:        "0", // writes to the shared volume
		Healthcheck: healthCheck,
		Labels:      b.labels(d, roleSidecar),
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: volumeName(ref),
				Target: b.cfg.Workspace,
			},
		},
		ExtraHosts: b.cfg.ExtraHosts,
	}
	if b.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(b.cfg.Network)
	}

	resp, err := b.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, sidecarName(ref))
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// workerEnv returns the worker environment, sorted by name. Placement is
// included when the launch carries any constraint.
func workerEnv(d *launcher.Descriptor, workspace string) []string {
	env := make([]string, 0, len(d.Input.Environment)+6)
	for k, v := range d.Input.Environment {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"CONTROLPLANE_WORKSPACE="+workspace,
		"CONTROLPLANE_INPUT="+path.Join(workspace, sidecar.InputFile),
		"CONTROLPLANE_OUTPUT="+path.Join(workspace, sidecar.OutputFile),
		"CONTROLPLANE_FAILURE="+path.Join(workspace, sidecar.FailureFile),
		"CONTROLPLANE_JOB_KIND="+string(d.Kind),
		fmt.Sprintf("CONTROLPLANE_ATTEMPT=%d", d.Attempt),
	)
	// Docker has no scheduler; the resolved constraints are handed to the
	// worker as they are.
	if !d.Placement.Empty() {
		if p, err := json.Marshal(d.Placement); err == nil {
			env = append(env, "CONTROLPLANE_PLACEMENT="+string(p))
		}
	}
	sort.Strings(env)
	return env
}

func (b *Backend) sidecarEnv(d *launcher.Descriptor, ref job.WorkloadRef) ([]string, error) {
	descriptorJSON, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal descriptor: %w", err)
	}

	env := []string{
		"WORKLOAD_REF=" + string(ref),
		"WORKLOAD_DESCRIPTOR=" + string(descriptorJSON),
		"CONTROLPLANE_URL=" + b.cfg.ControlPlaneURL,
		"SHARED_VOLUME_PATH=" + b.cfg.Workspace,
		"HEARTBEAT_INTERVAL=" + b.cfg.HeartbeatInterval.String(),
		"PAYLOAD_REF_PREFIX=" + PayloadScheme + "://" + sidecarName(ref),
	}
	if b.cfg.Token != "" {
		env = append(env, "CONTROLPLANE_TOKEN="+b.cfg.Token)
	}
	return append(env, b.cfg.SidecarEnv...), nil
}

func (b *Backend) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := b.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := b.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// cleanup removes what a failed Submit created.
func (b *Backend) cleanup(ctx context.Context, us *unitState) {
	if us.sidecarID != "" {
		_ = b.removeContainer(ctx, us.sidecarID)
	}
	if us.workerID != "" {
		_ = b.removeContainer(ctx, us.workerID)
	}
	if us.volumeName != "" {
		_ = b.client.VolumeRemove(ctx, us.volumeName, true)
	}
}

func (b *Backend) removeContainer(ctx context.Context, nameOrID string) error {
	stopTimeout := b.cfg.StopTimeout
	_ = b.client.ContainerStop(ctx, nameOrID, container.StopOptions{Timeout: &stopTimeout})
	if err := b.client.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

func unitStateOf(status string) launcher.UnitState {
	switch status {
	case "created":
		return launcher.UnitPending
	case "running", "restarting", "paused":
		return launcher.UnitRunning
	default:
		return launcher.UnitExited
	}
}

var _ launcher.Backend = (*Backend)(nil)
