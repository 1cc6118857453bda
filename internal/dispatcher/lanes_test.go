package dispatcher

import (
	"context"
	"controlplane/internal/job"
	"controlplane/internal/testutil"
	"controlplane/pkg/backoff"
	"controlplane/pkg/cloudevent"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingMetrics struct {
	mu        sync.Mutex
	delivered []string
	failed    []string
	dropped   []string
	backlog   int64
}

func (m *recordingMetrics) RecordNotificationDelivered(_ context.Context, eventType string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = append(m.delivered, eventType)
}

func (m *recordingMetrics) RecordNotificationFailed(_ context.Context, eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, eventType)
}

func (m *recordingMetrics) RecordNotificationDropped(_ context.Context, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped = append(m.dropped, reason)
}

func (m *recordingMetrics) RecordNotificationBacklog(_ context.Context, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backlog += delta
}

func (m *recordingMetrics) droppedReasons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.dropped...)
}

func (m *recordingMetrics) backlogValue() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backlog
}

func newLanes(t *testing.T, cfg Config, metrics MetricsRecorder) *Lanes {
	t.Helper()
	l := New(cfg, metrics)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.Close(ctx)
	})
	return l
}

func notification(url string, jobID job.ID, attempt int, eventType string) *Notification {
	data := map[string]any{"jobId": jobID, "attempt": attempt}
	return &Notification{
		JobID:   jobID,
		Attempt: attempt,
		Event:   cloudevent.New(eventType, "controlplane", string(jobID), string(jobID)+"-evt", data),
		URL:     url,
	}
}

var fastRetry = backoff.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond}

func TestDispatch_DeliversSignedCloudEvent(t *testing.T) {
	t.Parallel()
	type received struct {
		header http.Header
		body   []byte
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	metrics := &recordingMetrics{}
	l := newLanes(t, Config{Lanes: 2}, metrics)
	n := notification(srv.URL, "job-1", 0, job.EventTypeRunning)
	n.SigningKey = "secret"
	if err := l.Dispatch(n); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	r := testutil.MustReceive(t, got, 2*time.Second)
	if ct := r.header.Get("Content-Type"); ct != "application/cloudevents+json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if typ := r.header.Get("Ce-Type"); typ != job.EventTypeRunning {
		t.Errorf("Ce-Type = %q, want %q", typ, job.EventTypeRunning)
	}
	if subj := r.header.Get("Ce-Subject"); subj != "job-1" {
		t.Errorf("Ce-Subject = %q, want job-1", subj)
	}
	if !cloudevent.Verify(r.body, "secret", r.header.Get(cloudevent.SignatureHeader)) {
		t.Error("signature does not verify")
	}
	var ce cloudevent.CloudEvent
	if err := json.Unmarshal(r.body, &ce); err != nil {
		t.Fatalf("body is not a CloudEvent: %v", err)
	}
	if ce.Data["jobId"] != "job-1" {
		t.Errorf("data.jobId = %v", ce.Data["jobId"])
	}

	testutil.MustWaitFor(t, func() bool { return l.Stats().Delivered == 1 })
	if b := metrics.backlogValue(); b != 0 {
		t.Errorf("backlog = %d after delivery, want 0", b)
	}
}

func TestDispatch_PreservesOrderPerJob(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	seen := map[string][]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ce cloudevent.CloudEvent
		_ = json.NewDecoder(r.Body).Decode(&ce)
		mu.Lock()
		seen[ce.Subject] = append(seen[ce.Subject], int(ce.Data["attempt"].(float64)))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	l := newLanes(t, Config{Lanes: 4}, nil)
	jobs := []job.ID{"job-a", "job-b", "job-c"}
	const perJob = 20
	for i := range perJob {
		for _, id := range jobs {
			if err := l.Dispatch(notification(srv.URL, id, i, job.EventTypeRunning)); err != nil {
				t.Fatalf("Dispatch() error = %v", err)
			}
		}
	}
	testutil.MustWaitFor(t, func() bool { return l.Stats().Delivered == int64(perJob*len(jobs)) })

	mu.Lock()
	defer mu.Unlock()
	for _, id := range jobs {
		got := seen[string(id)]
		if len(got) != perJob {
			t.Fatalf("%s: received %d notifications, want %d", id, len(got), perJob)
		}
		for i, attempt := range got {
			if attempt != i {
				t.Fatalf("%s: notification %d carried attempt %d, order lost: %v", id, i, attempt, got)
			}
		}
	}
}

func TestDispatch_LaneFull(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	metrics := &recordingMetrics{}
	l := newLanes(t, Config{Lanes: 1, LaneBuffer: 1}, metrics)
	t.Cleanup(func() { close(release) })

	if err := l.Dispatch(notification(srv.URL, "job-1", 0, job.EventTypeLaunched)); err != nil {
		t.Fatalf("first Dispatch() error = %v", err)
	}
	testutil.MustReceive(t, started, 2*time.Second)
	if err := l.Dispatch(notification(srv.URL, "job-1", 0, job.EventTypeRunning)); err != nil {
		t.Fatalf("second Dispatch() error = %v", err)
	}
	err := l.Dispatch(notification(srv.URL, "job-1", 0, job.EventTypeSucceeded))
	if !errors.Is(err, ErrBacklogFull) {
		t.Fatalf("third Dispatch() error = %v, want ErrBacklogFull", err)
	}
	if s := l.Stats(); s.Dropped != 1 || s.Pending != 1 {
		t.Errorf("Stats() = %+v, want 1 dropped and 1 pending", s)
	}
	if got := metrics.droppedReasons(); len(got) != 1 || got[0] != dropLaneFull {
		t.Errorf("dropped reasons = %v", got)
	}
}

func TestDispatch_Retries(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		statuses      []int
		wantHits      int64
		wantDelivered int64
		wantFailed    int64
	}{
		{"server errors retried", []int{500, 503, 200}, 3, 1, 0},
		{"client error is final", []int{400, 200}, 1, 0, 1},
		{"retries exhausted", []int{500, 500, 500, 500, 500}, 4, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var hits atomic.Int64
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := hits.Add(1)
				w.WriteHeader(tt.statuses[n-1])
			}))
			t.Cleanup(srv.Close)

			l := newLanes(t, Config{Lanes: 1, MaxRetries: 3, Backoff: fastRetry, BreakerThreshold: 100}, nil)
			if err := l.Dispatch(notification(srv.URL, "job-1", 1, job.EventTypeFailed)); err != nil {
				t.Fatalf("Dispatch() error = %v", err)
			}
			testutil.MustWaitFor(t, func() bool {
				s := l.Stats()
				return s.Delivered+s.Failed == 1
			})

			s := l.Stats()
			if hits.Load() != tt.wantHits {
				t.Errorf("requests = %d, want %d", hits.Load(), tt.wantHits)
			}
			if s.Delivered != tt.wantDelivered || s.Failed != tt.wantFailed {
				t.Errorf("Stats() = %+v, want delivered %d failed %d", s, tt.wantDelivered, tt.wantFailed)
			}
			if s.Retries != tt.wantHits-1 {
				t.Errorf("Retries = %d, want %d", s.Retries, tt.wantHits-1)
			}
		})
	}
}

func TestDispatch_OpenCircuitDrops(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	metrics := &recordingMetrics{}
	l := newLanes(t, Config{Lanes: 1, BreakerThreshold: 1, BreakerCooldown: time.Hour}, metrics)
	for _, typ := range []string{job.EventTypeFailed, job.EventTypeRetrying, job.EventTypeLaunched} {
		if err := l.Dispatch(notification(srv.URL, "job-1", 0, typ)); err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
	}
	testutil.MustWaitFor(t, func() bool { return l.Stats().Dropped == 2 })

	if hits.Load() != 1 {
		t.Errorf("requests = %d, want 1 before the circuit opened", hits.Load())
	}
	if s := l.Stats(); s.Failed != 1 || s.BreakersOpen != 1 {
		t.Errorf("Stats() = %+v, want 1 failed and 1 open breaker", s)
	}
	for _, reason := range metrics.droppedReasons() {
		if reason != dropCircuitOpen {
			t.Errorf("drop reason = %q, want %q", reason, dropCircuitOpen)
		}
	}
}

func TestClose_DrainsPending(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	metrics := &recordingMetrics{}
	l := New(Config{Lanes: 2}, metrics)
	for i := range 10 {
		if err := l.Dispatch(notification(srv.URL, job.ID("job-"+string(rune('a'+i))), 0, job.EventTypeRunning)); err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if hits.Load() != 10 || l.Stats().Delivered != 10 {
		t.Errorf("delivered %d (requests %d), want 10", l.Stats().Delivered, hits.Load())
	}
	if b := metrics.backlogValue(); b != 0 {
		t.Errorf("backlog = %d after drain, want 0", b)
	}
	if err := l.Close(ctx); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestClose_TimeoutAbortsAndDrops(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	metrics := &recordingMetrics{}
	l := New(Config{Lanes: 1, MaxRetries: 5, Backoff: fastRetry}, metrics)
	for _, typ := range []string{job.EventTypeLaunched, job.EventTypeRunning, job.EventTypeSucceeded} {
		if err := l.Dispatch(notification(srv.URL, "job-1", 0, typ)); err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close() error = %v, want deadline exceeded", err)
	}

	testutil.MustWaitFor(t, func() bool {
		s := l.Stats()
		return s.Failed == 1 && s.Dropped == 2
	})
	for _, reason := range metrics.droppedReasons() {
		if reason != dropShutdown {
			t.Errorf("drop reason = %q, want %q", reason, dropShutdown)
		}
	}
}

func TestDispatch_AfterClose(t *testing.T) {
	t.Parallel()
	l := New(Config{Lanes: 1}, nil)
	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	err := l.Dispatch(notification("http://127.0.0.1:1/hook", "job-1", 0, job.EventTypeRunning))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Dispatch() error = %v, want ErrClosed", err)
	}
}

type captureDispatcher struct {
	got []*Notification
}

func (c *captureDispatcher) Dispatch(n *Notification) error {
	c.got = append(c.got, n)
	return nil
}

func (c *captureDispatcher) Stats() Stats { return Stats{} }

func (c *captureDispatcher) Close(context.Context) error { return nil }

func TestNotify(t *testing.T) {
	t.Parallel()
	callback := &job.Callback{URL: "http://hooks.example/cb", Key: "k"}
	filtered := &job.Callback{URL: "http://hooks.example/cb", Events: []string{job.EventTypeCompleted}}
	attempt := &job.Attempt{JobID: "job-1", Number: 2, Status: job.StatusFailed}

	tests := []struct {
		name        string
		callback    *job.Callback
		event       func(*job.EventBuilder) *cloudevent.CloudEvent
		wantSent    bool
		wantAttempt int
	}{
		{"attempt event", callback, func(b *job.EventBuilder) *cloudevent.CloudEvent { return b.ForAttempt(attempt) }, true, 2},
		{"retry event", callback, func(b *job.EventBuilder) *cloudevent.CloudEvent { return b.Retrying(&job.Attempt{Number: 3}) }, true, 3},
		{"job event", callback, func(b *job.EventBuilder) *cloudevent.CloudEvent { return b.Completed() }, true, JobLevel},
		{"no callback", nil, func(b *job.EventBuilder) *cloudevent.CloudEvent { return b.Completed() }, false, 0},
		{"filtered out", filtered, func(b *job.EventBuilder) *cloudevent.CloudEvent { return b.ForAttempt(attempt) }, false, 0},
		{"filter match", filtered, func(b *job.EventBuilder) *cloudevent.CloudEvent { return b.Completed() }, true, JobLevel},
		{"nil event", callback, func(*job.EventBuilder) *cloudevent.CloudEvent { return nil }, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			j := &job.Job{ID: "job-1", Kind: job.KindSync, Callback: tt.callback}
			d := &captureDispatcher{}
			if err := Notify(d, j, tt.event(job.NewEventBuilder("controlplane", j))); err != nil {
				t.Fatalf("Notify() error = %v", err)
			}
			if !tt.wantSent {
				if len(d.got) != 0 {
					t.Errorf("dispatched %d notifications, want none", len(d.got))
				}
				return
			}
			if len(d.got) != 1 {
				t.Fatalf("dispatched %d notifications, want 1", len(d.got))
			}
			n := d.got[0]
			if n.JobID != j.ID || n.Attempt != tt.wantAttempt || n.URL != tt.callback.URL || n.SigningKey != tt.callback.Key {
				t.Errorf("Notification = %+v", n)
			}
		})
	}

	if err := Notify(nil, &job.Job{Callback: callback}, cloudevent.New("t", "s", "", "id", nil)); err != nil {
		t.Errorf("Notify(nil dispatcher) error = %v", err)
	}
}
