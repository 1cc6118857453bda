package api

import (
	"controlplane/internal/observability"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"runtime/debug"
	"strings"
	"time"
)

// Auth realms, reported in WWW-Authenticate challenges.
const (
	realmJobs      = "jobs"
	realmWorkloads = "workloads"
)

// LoggingMiddleware logs each request together with the job or workload it
// addressed.
func LoggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			// Path values are populated once the mux has matched the route.
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start),
			}
			if id := r.PathValue("jobId"); id != "" {
				attrs = append(attrs, "jobId", id)
			}
			if ref := r.PathValue("workloadRef"); ref != "" {
				attrs = append(attrs, "workloadRef", ref)
			}
			slog.Log(r.Context(), requestLevel(r.Pattern, rec.status), "HTTP request", attrs...)
		})
	}
}

// requestLevel keeps sidecar heartbeats and health checks out of info logs.
func requestLevel(pattern string, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelWarn
	case strings.HasSuffix(pattern, "/heartbeat"), strings.HasSuffix(pattern, "/livez"), strings.HasSuffix(pattern, "/readyz"):
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// MetricsMiddleware records HTTP request metrics (latency, traffic, errors).
func MetricsMiddleware(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			// The matched pattern keeps job ids and workload refs out of labels.
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			metrics.RecordHTTPRequest(r.Context(), r.Method, route, rec.status, time.Since(start).Seconds())
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500.
func RecoveryMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					slog.ErrorContext(r.Context(), "Panic recovered",
						"error", err,
						"method", r.Method,
						"path", r.URL.Path,
						"stack", string(debug.Stack()),
					)
					writeErrorBody(w, http.StatusInternalServerError, "Internal server error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// ContentTypeMiddleware rejects POST bodies that are not JSON. Requests
// without a Content-Type are let through for sidecars that omit it.
func ContentTypeMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ct := r.Header.Get("Content-Type"); r.Method == http.MethodPost && ct != "" {
				if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
					writeErrorBody(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// BearerAuth requires "Authorization: Bearer <token>" on the wrapped routes.
// An empty token disables the check.
func BearerAuth(realm, token string) func(http.Handler) http.Handler {
	challenge := `Bearer realm="` + realm + `"`
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, ok := bearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				slog.DebugContext(r.Context(), "Request rejected", "realm", realm, "path", r.URL.Path, "headerPresent", r.Header.Get("Authorization") != "")
				w.Header().Set("WWW-Authenticate", challenge)
				writeErrorBody(w, http.StatusUnauthorized, "Missing or invalid "+realm+" token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

func writeErrorBody(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

// statusRecorder captures the response status for logs and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
