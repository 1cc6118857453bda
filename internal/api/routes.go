package api

import (
	"controlplane/internal/health"
	"controlplane/internal/observability"
	"net/http"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Engine        Engine
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string // job endpoints
	WorkloadToken string // workload report and heartbeat endpoints
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Engine, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Job endpoints - auth required
	jobAuth := BearerAuth(realmJobs, cfg.APIKey)
	mux.Handle("POST /v1/jobs", jobAuth(http.HandlerFunc(handler.CreateJob)))
	mux.Handle("GET /v1/jobs", jobAuth(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", jobAuth(http.HandlerFunc(handler.GetJob)))
	mux.Handle("DELETE /v1/jobs/{jobId}", jobAuth(http.HandlerFunc(handler.DeleteJob)))

	// Workload endpoints - called by sidecars with the workload token
	workloadAuth := BearerAuth(realmWorkloads, cfg.WorkloadToken)
	mux.Handle("POST /v1/workloads/{workloadRef}/report", workloadAuth(http.HandlerFunc(handler.Report)))
	mux.Handle("POST /v1/workloads/{workloadRef}/heartbeat", workloadAuth(http.HandlerFunc(handler.Heartbeat)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
