// Package api provides the HTTP API handlers and routing for the control plane.
package api

import (
	"context"
	"controlplane/internal/apperrors"
	"controlplane/internal/engine"
	"controlplane/internal/health"
	"controlplane/internal/job"
	"controlplane/internal/store"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// maxListLimit caps GET /v1/jobs.
const maxListLimit = 1000

// Engine is the job lifecycle surface served over HTTP.
type Engine interface {
	Submit(ctx context.Context, req *job.SubmitRequest) (*engine.SubmitResult, error)
	Get(ctx context.Context, id job.ID) (*engine.JobView, error)
	List(ctx context.Context, opts store.ListOptions) ([]*job.Job, error)
	Cancel(ctx context.Context, id job.ID) error
	Report(ctx context.Context, ref job.WorkloadRef, report *job.Report) error
	Heartbeat(ctx context.Context, ref job.WorkloadRef, hb *job.Heartbeat) error
}

// Handler contains HTTP handlers for the control plane API
type Handler struct {
	engine Engine
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(e Engine, healthChecker *health.Checker) *Handler {
	return &Handler{
		engine: e,
		health: healthChecker,
	}
}

// CancelResponse is the body of a successful DELETE /v1/jobs/{jobId}.
type CancelResponse struct {
	JobID  job.ID            `json:"jobId"`
	Status job.AttemptStatus `json:"status"`
}

// ListResponse is the body of GET /v1/jobs.
type ListResponse struct {
	Jobs  []*job.Job `json:"jobs"`
	Count int        `json:"count"`
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req job.SubmitRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	resp, err := h.engine.Submit(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	status := http.StatusCreated
	if !resp.Created {
		status = http.StatusOK
	}
	h.writeJSON(w, status, resp)
}

// ListJobs handles GET /v1/jobs?open=true&limit=N
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{}
	q := r.URL.Query()
	if v := q.Get("open"); v != "" {
		open, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "open must be a boolean")
			return
		}
		opts.OpenOnly = open
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > maxListLimit {
			h.writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxListLimit))
			return
		}
		opts.Limit = limit
	}

	jobs, err := h.engine.List(r.Context(), opts)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}

	h.writeJSON(w, http.StatusOK, ListResponse{Jobs: jobs, Count: len(jobs)})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	view, err := h.engine.Get(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

// DeleteJob handles DELETE /v1/jobs/{jobId}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	if err := h.engine.Cancel(r.Context(), id); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, CancelResponse{JobID: id, Status: job.StatusCancelled})
}

// Report handles POST /v1/workloads/{workloadRef}/report
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.workloadRef(w, r)
	if !ok {
		return
	}
	var report job.Report
	if !h.decode(w, r, &report, false) {
		return
	}

	if err := h.engine.Report(r.Context(), ref, &report); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Heartbeat handles POST /v1/workloads/{workloadRef}/heartbeat. The body is optional.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.workloadRef(w, r)
	if !ok {
		return
	}
	var hb job.Heartbeat
	if !h.decode(w, r, &hb, true) {
		return
	}

	if err := h.engine.Heartbeat(r.Context(), ref, &hb); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if a required dependency (store, platform) is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

func (h *Handler) jobID(w http.ResponseWriter, r *http.Request) (job.ID, bool) {
	raw := r.PathValue("jobId")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return "", false
	}
	id, err := job.ParseID(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

func (h *Handler) workloadRef(w http.ResponseWriter, r *http.Request) (job.WorkloadRef, bool) {
	ref := r.PathValue("workloadRef")
	if ref == "" {
		h.writeError(w, http.StatusBadRequest, "Workload reference is required")
		return "", false
	}
	return job.WorkloadRef(ref), true
}

// decode reads a JSON body into v. Unknown fields are rejected.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: message})
}

// handleError handles errors from the engine with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}

	resp := ErrorResponse{Error: err.Error()}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		resp.Field = appErr.Field
	}
	h.writeJSON(w, status, resp)
}
