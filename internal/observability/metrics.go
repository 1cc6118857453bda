package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the control plane's instruments, grouped by the golden signals:
// latency, traffic, errors and saturation.
type Metrics struct {
	// HTTP
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Jobs and attempts
	JobsSubmitted      metric.Int64Counter
	JobsCompleted      metric.Int64Counter
	JobsActive         metric.Int64UpDownCounter
	JobDuration        metric.Float64Histogram
	AttemptTransitions metric.Int64Counter
	AttemptRetries     metric.Int64Counter
	StaleTransitions   metric.Int64Counter

	// Launcher
	LaunchResults  metric.Int64Counter
	LaunchDuration metric.Float64Histogram
	Terminations   metric.Int64Counter
	LauncherQueue  metric.Int64UpDownCounter

	// Heartbeats
	HeartbeatsReceived metric.Int64Counter
	HeartbeatsLost     metric.Int64Counter

	// Postprocess
	PostprocessDuration metric.Float64Histogram

	// Notifications
	NotificationDuration  metric.Float64Histogram
	NotificationDelivered metric.Int64Counter
	NotificationFailed    metric.Int64Counter
	NotificationDropped   metric.Int64Counter
	NotificationBacklog   metric.Int64UpDownCounter
}

// NewMetrics creates all instruments backed by a Prometheus exporter and
// returns the scrape handler.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter("controlplane"))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

// NewNoopMetrics creates metrics that record nothing.
func NewNoopMetrics() *Metrics {
	m, _ := newMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

var durationBuckets = []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200, 21600}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.HTTPRequestsTotal, "http_requests_total", "Total number of HTTP requests"},
		{&m.HTTPErrorsTotal, "http_errors_total", "Total number of HTTP error responses (4xx and 5xx)"},
		{&m.JobsSubmitted, "jobs_submitted_total", "Total number of jobs created"},
		{&m.JobsCompleted, "jobs_completed_total", "Total number of jobs that reached a terminal status"},
		{&m.AttemptTransitions, "attempt_transitions_total", "Total attempt status transitions"},
		{&m.AttemptRetries, "attempt_retries_total", "Total retry attempts scheduled"},
		{&m.StaleTransitions, "attempt_stale_transitions_total", "Total attempt writes rejected by compare-and-swap"},
		{&m.LaunchResults, "launch_results_total", "Total workload launch results by outcome"},
		{&m.Terminations, "workload_terminations_total", "Total workload terminate calls"},
		{&m.HeartbeatsReceived, "heartbeats_received_total", "Total heartbeats accepted"},
		{&m.HeartbeatsLost, "heartbeats_lost_total", "Total workloads declared lost by the heartbeat sweep"},
		{&m.NotificationDelivered, "notifications_delivered_total", "Total callback notifications delivered"},
		{&m.NotificationFailed, "notifications_failed_total", "Total callback notifications that failed after all retries"},
		{&m.NotificationDropped, "notifications_dropped_total", "Total callback notifications dropped by reason"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	histograms := []struct {
		dst     *metric.Float64Histogram
		name    string
		desc    string
		buckets []float64
	}{
		{&m.HTTPRequestDuration, "http_request_duration_seconds", "HTTP request latency in seconds", latencyBuckets},
		{&m.JobDuration, "job_duration_seconds", "Time from job creation to terminal status", durationBuckets},
		{&m.LaunchDuration, "launch_duration_seconds", "Workload launch call latency", latencyBuckets},
		{&m.PostprocessDuration, "postprocess_duration_seconds", "Output postprocessing latency", latencyBuckets},
		{&m.NotificationDuration, "notification_delivery_duration_seconds", "Callback delivery latency including retries", latencyBuckets},
	}
	for _, h := range histograms {
		if *h.dst, err = meter.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(h.buckets...),
		); err != nil {
			return nil, err
		}
	}

	if m.JobsActive, err = meter.Int64UpDownCounter("jobs_active",
		metric.WithDescription("Number of jobs currently supervised (saturation)")); err != nil {
		return nil, err
	}
	if m.LauncherQueue, err = meter.Int64UpDownCounter("launcher_inflight",
		metric.WithDescription("Number of backend calls queued or running in the launcher pool")); err != nil {
		return nil, err
	}
	if m.NotificationBacklog, err = meter.Int64UpDownCounter("notifications_pending",
		metric.WithDescription("Number of callback notifications waiting in delivery lanes (saturation)")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(methodAttr(method), pathAttr(path), statusAttr(statusCode))
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records a newly created job.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, kind string) {
	m.JobsSubmitted.Add(ctx, 1, WithKind(kind))
}

// RecordSupervised adjusts the number of supervised jobs.
func (m *Metrics) RecordSupervised(ctx context.Context, kind string, delta int64) {
	m.JobsActive.Add(ctx, delta, WithKind(kind))
}

// RecordJobCompleted records a job reaching its terminal status.
func (m *Metrics) RecordJobCompleted(ctx context.Context, kind, status string, durationSeconds float64) {
	attrs := metric.WithAttributes(kindAttr(kind), statusNameAttr(status))
	m.JobsCompleted.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, durationSeconds, attrs)
}

// RecordTransition records an attempt status transition.
func (m *Metrics) RecordTransition(ctx context.Context, kind, to, reason string) {
	attrs := []attribute.KeyValue{kindAttr(kind), statusNameAttr(to)}
	if reason != "" {
		attrs = append(attrs, reasonAttr(reason))
	}
	m.AttemptTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRetry records a retry attempt being scheduled.
func (m *Metrics) RecordRetry(ctx context.Context, kind, reason string) {
	m.AttemptRetries.Add(ctx, 1, metric.WithAttributes(kindAttr(kind), reasonAttr(reason)))
}

// RecordStale records a compare-and-swap write that lost a race.
func (m *Metrics) RecordStale(ctx context.Context, kind string) {
	m.StaleTransitions.Add(ctx, 1, WithKind(kind))
}

// RecordLaunch records a launcher submit outcome.
func (m *Metrics) RecordLaunch(ctx context.Context, kind, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(kindAttr(kind), outcomeAttr(outcome))
	m.LaunchResults.Add(ctx, 1, attrs)
	m.LaunchDuration.Record(ctx, durationSeconds, attrs)
}

// RecordTermination records a terminate call.
func (m *Metrics) RecordTermination(ctx context.Context, success bool) {
	m.Terminations.Add(ctx, 1, metric.WithAttributes(successAttr(success)))
}

// RecordLauncherQueue adjusts the launcher pool occupancy.
func (m *Metrics) RecordLauncherQueue(ctx context.Context, delta int64) {
	m.LauncherQueue.Add(ctx, delta)
}

// RecordHeartbeat records an accepted heartbeat.
func (m *Metrics) RecordHeartbeat(ctx context.Context) {
	m.HeartbeatsReceived.Add(ctx, 1)
}

// RecordHeartbeatLost records a workload declared lost.
func (m *Metrics) RecordHeartbeatLost(ctx context.Context, kind string) {
	m.HeartbeatsLost.Add(ctx, 1, WithKind(kind))
}

// RecordPostprocess records one postprocess run.
func (m *Metrics) RecordPostprocess(ctx context.Context, kind string, success bool, durationSeconds float64) {
	m.PostprocessDuration.Record(ctx, durationSeconds, metric.WithAttributes(kindAttr(kind), successAttr(success)))
}

// RecordNotificationDelivered records a delivered callback notification.
func (m *Metrics) RecordNotificationDelivered(ctx context.Context, eventType string, durationSeconds float64) {
	attrs := metric.WithAttributes(eventAttr(eventType))
	m.NotificationDelivered.Add(ctx, 1, attrs)
	m.NotificationDuration.Record(ctx, durationSeconds, attrs)
}

// RecordNotificationFailed records a notification that exhausted its retries.
func (m *Metrics) RecordNotificationFailed(ctx context.Context, eventType string) {
	m.NotificationFailed.Add(ctx, 1, metric.WithAttributes(eventAttr(eventType)))
}

// RecordNotificationDropped records a notification dropped without delivery.
func (m *Metrics) RecordNotificationDropped(ctx context.Context, reason string) {
	m.NotificationDropped.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}

// RecordNotificationBacklog moves the pending notification count by delta.
func (m *Metrics) RecordNotificationBacklog(ctx context.Context, delta int64) {
	m.NotificationBacklog.Add(ctx, delta)
}
