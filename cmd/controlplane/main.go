// controlplane is the job execution control plane: it accepts job
// submissions over HTTP, launches each attempt as a Docker workload and
// supervises it until the job reaches a terminal status.
package main

import (
	"context"
	"controlplane/internal/api"
	"controlplane/internal/config"
	"controlplane/internal/dispatcher"
	"controlplane/internal/engine"
	"controlplane/internal/health"
	"controlplane/internal/launcher"
	"controlplane/internal/observability"
	"controlplane/internal/orchestrator/docker"
	"controlplane/internal/placement"
	"controlplane/internal/postprocess"
	"controlplane/internal/storage"
	"controlplane/internal/store"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	placementCfg, err := placement.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	policies, err := engine.LoadPolicies(svcCfg.PolicyFile)
	if err != nil {
		return err
	}

	// Setup metrics and tracing
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}
	tracer := observability.NewTracer(otel.GetTracerProvider())

	// Open the job store
	jobStore, err := openStore(svcCfg.StoreDSN)
	if err != nil {
		return err
	}
	defer jobStore.Close()

	// Create callback dispatcher
	notifier := dispatcher.New(dispatcher.LoadConfigFromEnv(), metrics)

	// Connect to Docker (resumes watching units left by a previous process)
	dockerCfg := docker.LoadConfigFromEnv()
	dockerCfg.SidecarImage = svcCfg.SidecarImage
	dockerCfg.ControlPlaneURL = svcCfg.PublicURL
	dockerCfg.Token = svcCfg.WorkloadToken
	backend, err := docker.New(ctx, dockerCfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	slog.Info("Connected to Docker daemon")

	jobLauncher := launcher.New(backend, launcher.LoadConfigFromEnv(), tracer, metrics)
	defer jobLauncher.Close()

	// Payload readers by reference scheme
	payloads := storage.NewRouter()
	payloads.Register("file", storage.NewFileReader(svcCfg.PayloadRoot))
	payloads.Register("docker", backend.Payloads())
	if svcCfg.S3Enabled {
		s3Reader, err := storage.NewS3(ctx, storage.S3Config{
			Region:         svcCfg.S3Region,
			Endpoint:       svcCfg.S3Endpoint,
			ForcePathStyle: svcCfg.S3ForcePathStyle,
		})
		if err != nil {
			return err
		}
		payloads.Register("s3", s3Reader)
	}
	slog.Info("Payload readers configured", "schemes", payloads.Schemes())

	processor := postprocess.New(payloads, jobStore, postprocess.Config{}, tracer)

	eng := engine.New(engine.Deps{
		Store:       jobStore,
		Launcher:    jobLauncher,
		Placement:   placement.NewResolver(placementCfg),
		Postprocess: processor,
		Dispatcher:  notifier,
		Metrics:     metrics,
	}, engine.Config{
		Policies:      policies,
		SweepInterval: svcCfg.SweepInterval,
	})

	// Rebuild supervisors for jobs left open by a previous process
	if err := eng.Recover(ctx); err != nil {
		return err
	}

	sweepCtx, stopSweeps := context.WithCancel(ctx)
	defer stopSweeps()
	go eng.Run(sweepCtx)

	healthChecker := health.NewChecker(
		health.Check{Name: "store", Checker: health.CheckFunc(jobStore.Ping)},
		health.Check{Name: "platform", Checker: jobLauncher},
		health.Check{Name: "notifications", Optional: true, Checker: health.CheckFunc(func(context.Context) error {
			if stats := notifier.Stats(); stats.BreakersOpen > 0 {
				return fmt.Errorf("%d callback hosts unreachable", stats.BreakersOpen)
			}
			return nil
		})},
	)

	router := api.NewRouter(api.RouterConfig{
		Engine:        eng,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
		WorkloadToken: svcCfg.WorkloadToken,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}
	if svcCfg.WorkloadToken == "" {
		slog.Warn("Workload authentication disabled - no WORKLOAD_TOKEN_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		_ = eng.Close(context.Background())
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: stop accepting requests, finish in-flight ones
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: stop supervisors. Open jobs stay open and are resumed by the
	// next Recover; their workloads keep running.
	stopSweeps()
	engineCtx, engineCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer engineCancel()
	if err := eng.Close(engineCtx); err != nil {
		slog.Warn("Engine shutdown error", "error", err)
	}

	// Phase 4: Drain callback dispatcher
	slog.Info("Draining callback dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := notifier.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := notifier.Stats()
	slog.Info("Notification stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
		"retries", stats.Retries,
	)

	slog.Info("Shutdown complete")
	return nil
}

// openStore opens the durable store, or an in-memory one when dsn is empty.
func openStore(dsn string) (store.Store, error) {
	if dsn == "" {
		slog.Warn("STORE_DSN not set - using in-memory store, jobs will not survive a restart")
		return store.NewMemory(), nil
	}
	s, err := store.Open(dsn)
	if err != nil {
		return nil, err
	}
	slog.Info("Job store opened")
	return s, nil
}
