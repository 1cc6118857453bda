// Package sidecar runs next to a worker container and speaks for it to the
// control plane.
//
// The sidecar hydrates the launch input into the shared volume, writes the
// ready marker (the Docker health check waits on it before the worker is
// started), heartbeats for the lifetime of the unit and, once signalled that
// the worker finished, reports DONE with a payload reference or FAILED with
// the worker's failure file.
package sidecar

import (
	"context"
	"controlplane/internal/job"
	"controlplane/internal/launcher"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Files in the shared volume, relative to its root.
const (
	ReadyFile   = ".ready"
	InputFile   = "input/launch.json"
	OutputFile  = "output/payload.json"
	FailureFile = "output/failure.json"
)

// Uploader publishes the output payload and returns its reference.
type Uploader interface {
	Put(ctx context.Context, bucket, key string, data []byte) (string, error)
}

// LaunchFile is the hydrated launch input the worker reads.
type LaunchFile struct {
	JobID           job.ID           `json:"jobId"`
	Attempt         int              `json:"attempt"`
	Kind            job.Kind         `json:"kind"`
	ConnectionID    job.ConnectionID `json:"connectionId"`
	WorkspaceID     job.WorkspaceID  `json:"workspaceId"`
	ProtocolVersion string           `json:"protocolVersion,omitempty"`
	Config          json.RawMessage  `json:"config,omitempty"`
	Secrets         []job.SecretRef  `json:"secrets,omitempty"`
}

// Runner drives one workload's sidecar flow.
type Runner struct {
	cfg        *Config
	descriptor launcher.Descriptor
	client     *Client
	uploader   Uploader
}

// NewRunner creates a runner. uploader may be nil, in which case payload
// references point into the shared volume.
func NewRunner(cfg *Config, client *Client, uploader Uploader) (*Runner, error) {
	if cfg.WorkloadRef == "" {
		return nil, fmt.Errorf("workload ref is required")
	}
	var d launcher.Descriptor
	if err := json.Unmarshal([]byte(cfg.Descriptor), &d); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor: %w", err)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 24 * time.Hour
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 30 * time.Second
	}

	return &Runner{cfg: cfg, descriptor: d, client: client, uploader: uploader}, nil
}

// Run executes the sidecar flow. finished delivers the worker-completed
// signal (SIGUSR1 from the Docker backend). Cancelling ctx means the unit is
// being torn down; no outcome is reported then.
func (r *Runner) Run(ctx context.Context, finished <-chan os.Signal) error {
	logger := slog.With("workloadRef", r.cfg.WorkloadRef, "jobId", r.descriptor.JobID, "attempt", r.descriptor.Attempt)
	logger.Info("Sidecar starting")

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout)
	defer cancel()

	if err := r.hydrate(); err != nil {
		logger.Error("Hydration failed", "error", err)
		r.report(ctx, logger, failedReport("hydration failed: "+err.Error(), false))
		return fmt.Errorf("hydration failed: %w", err)
	}

	markerPath := filepath.Join(r.cfg.SharedVolumePath, ReadyFile)
	if err := os.WriteFile(markerPath, []byte{}, 0o644); err != nil {
		logger.Error("Failed to write ready marker", "error", err)
		return fmt.Errorf("failed to write ready marker: %w", err)
	}
	logger.Info("Launch input ready", "path", markerPath)

	hbCtx, stopHeartbeats := context.WithCancel(runCtx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		r.heartbeatLoop(hbCtx, logger)
	}()
	defer func() {
		stopHeartbeats()
		<-hbDone
	}()

	r.report(runCtx, logger, &job.Report{Outcome: job.ReportStarted})

	select {
	case <-finished:
		logger.Info("Received worker completion signal")
	case <-runCtx.Done():
		if ctx.Err() != nil {
			logger.Info("Sidecar stopped before worker completion")
			return nil
		}
		logger.Warn("Run timeout exceeded")
		r.report(ctx, logger, failedReport(fmt.Sprintf("run timeout of %s exceeded", r.cfg.RunTimeout), false))
		return nil
	}

	r.report(ctx, logger, r.collect(ctx, logger))
	logger.Info("Sidecar completed")
	return nil
}

// hydrate writes the launch file and prepares the output directory.
func (r *Runner) hydrate() error {
	root := r.cfg.SharedVolumePath
	inputPath := filepath.Join(root, InputFile)
	outputDir := filepath.Join(root, filepath.Dir(OutputFile))

	if err := os.MkdirAll(filepath.Dir(inputPath), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0o777); err != nil {
		return err
	}
	// Workers may run as any user.
	if err := os.Chmod(outputDir, 0o777); err != nil {
		return err
	}

	d := r.descriptor
	data, err := json.MarshalIndent(LaunchFile{
		JobID:           d.JobID,
		Attempt:         d.Attempt,
		Kind:            d.Kind,
		ConnectionID:    d.ConnectionID,
		WorkspaceID:     d.WorkspaceID,
		ProtocolVersion: d.Input.ProtocolVersion,
		Config:          d.Input.Config,
		Secrets:         d.Input.Secrets,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(inputPath, data, 0o644)
}

func (r *Runner) heartbeatLoop(ctx context.Context, logger *slog.Logger) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := r.client.Heartbeat(ctx, r.cfg.WorkloadRef, time.Now()); err != nil && ctx.Err() == nil {
			logger.Warn("Heartbeat failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// collect turns the worker's files into the final report.
func (r *Runner) collect(ctx context.Context, logger *slog.Logger) *job.Report {
	root := r.cfg.SharedVolumePath

	if data, err := os.ReadFile(filepath.Join(root, FailureFile)); err == nil {
		var f job.ReportedFailure
		if json.Unmarshal(data, &f) != nil || f.Message == "" {
			f = job.ReportedFailure{Message: strings.TrimSpace(string(data))}
		}
		if f.Message == "" {
			f.Message = "worker reported failure"
		}
		return &job.Report{Outcome: job.ReportFailed, Failure: &f}
	}

	data, err := os.ReadFile(filepath.Join(root, OutputFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return failedReport("worker produced no output", false)
		}
		return failedReport("read output: "+err.Error(), false)
	}

	ref, err := r.publish(ctx, data)
	if err != nil {
		logger.Error("Failed to publish output", "error", err)
		return failedReport("publish output: "+err.Error(), false)
	}
	logger.Info("Output published", "payloadRef", ref, "bytes", len(data))
	return &job.Report{Outcome: job.ReportDone, PayloadRef: ref}
}

func (r *Runner) publish(ctx context.Context, data []byte) (string, error) {
	if r.uploader != nil && r.cfg.OutputBucket != "" {
		key := path.Join(r.cfg.OutputPrefix, string(r.descriptor.JobID), fmt.Sprint(r.descriptor.Attempt), path.Base(OutputFile))
		return r.uploader.Put(ctx, r.cfg.OutputBucket, key, data)
	}
	if r.cfg.PayloadRefPrefix != "" {
		return r.cfg.PayloadRefPrefix + path.Join("/", r.cfg.SharedVolumePath, OutputFile), nil
	}
	return "file://" + filepath.Join(r.cfg.SharedVolumePath, OutputFile), nil
}

// report sends a report with a budget of its own, so a cancelled run can
// still deliver its outcome.
func (r *Runner) report(ctx context.Context, logger *slog.Logger, report *job.Report) {
	budget := r.cfg.ReportTimeout * time.Duration(r.cfg.ReportRetries+1)
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
	defer cancel()

	if err := r.client.Report(reportCtx, r.cfg.WorkloadRef, report); err != nil {
		logger.Error("Failed to send report", "outcome", report.Outcome, "error", err)
		return
	}
	logger.Info("Report sent", "outcome", report.Outcome)
}

func failedReport(message string, nonRetryable bool) *job.Report {
	return &job.Report{
		Outcome: job.ReportFailed,
		Failure: &job.ReportedFailure{Message: message, NonRetryable: nonRetryable},
	}
}

// CheckReady checks if the ready marker file exists.
// Used by Docker health checks to determine when the worker can start.
func CheckReady(sharedVolumePath string) bool {
	markerPath := filepath.Join(sharedVolumePath, ReadyFile)
	_, err := os.Stat(markerPath)
	return err == nil
}
