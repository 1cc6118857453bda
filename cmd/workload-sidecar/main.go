// workload-sidecar runs alongside a worker container: it hydrates the launch
// input, heartbeats for the unit and reports the attempt's outcome.
package main

import (
	"context"
	"controlplane/internal/sidecar"
	"controlplane/internal/storage"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// Check if ready (used by Docker health checks)
	// Exits 0 if marker file exists, 1 otherwise
	if len(os.Args) > 1 && os.Args[1] == "-check-ready" {
		path := os.Getenv("SHARED_VOLUME_PATH")
		if path == "" {
			path = "/workspace"
		}
		if sidecar.CheckReady(path) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("Sidecar failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Registered before anything else so an early completion signal is not lost.
	finished := make(chan os.Signal, 1)
	signal.Notify(finished, syscall.SIGUSR1)

	cfg := sidecar.LoadConfigFromEnv()

	if cfg.WorkloadRef == "" {
		slog.Error("WORKLOAD_REF environment variable is required")
		return nil // Exit cleanly to avoid double error message
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var uploader sidecar.Uploader
	if cfg.OutputBucket != "" {
		s3Client, err := storage.NewS3(ctx, cfg.S3)
		if err != nil {
			return err
		}
		uploader = s3Client
	}

	client := sidecar.NewClient(cfg.ControlPlaneURL, cfg.Token, cfg.ReportTimeout, cfg.ReportRetries)
	runner, err := sidecar.NewRunner(cfg, client, uploader)
	if err != nil {
		return err
	}

	// Handle shutdown signals
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	// Run the sidecar (logs completion internally)
	return runner.Run(ctx, finished)
}
