package launcher_test

import (
	"context"
	"controlplane/internal/apperrors"
	"controlplane/internal/job"
	"controlplane/internal/launcher"
	"controlplane/internal/launcher/launchertest"
	"controlplane/internal/observability"
	"controlplane/internal/placement"
	"controlplane/internal/testutil"
	"controlplane/pkg/circuitbreaker"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newDescriptor(t *testing.T, kind job.Kind, attempt int) *launcher.Descriptor {
	t.Helper()
	j := &job.Job{
		ID:           job.NewID(),
		Kind:         kind,
		ConnectionID: "conn-1",
		WorkspaceID:  "ws-1",
		Input:        job.LaunchInput{Image: "connector:1.0", CPU: 1, MemoryMB: 512},
	}
	a := &job.Attempt{JobID: j.ID, Number: attempt, WorkloadID: job.WorkloadIDFor(j.ID, attempt, kind), Status: job.StatusPending}
	req := placement.Requirement{NodeSelector: map[string]string{"pool": "jobs"}}
	return launcher.NewDescriptor(j, a, req)
}

func newLauncher(t *testing.T, backend launcher.Backend, cfg launcher.Config) *launcher.Launcher {
	t.Helper()
	l := launcher.New(backend, cfg, nil, observability.NewNoopMetrics())
	t.Cleanup(l.Close)
	return l
}

func TestNewDescriptor_Labels(t *testing.T) {
	t.Parallel()
	d := newDescriptor(t, job.KindSync, 2)
	if d.Labels[launcher.LabelAttempt] != "2" || d.Labels[launcher.LabelKind] != "SYNC" {
		t.Errorf("unexpected labels %v", d.Labels)
	}
	if d.Labels["placement.selector.pool"] != "jobs" {
		t.Errorf("placement labels missing: %v", d.Labels)
	}
	if err := d.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	d.Attempt = 3
	if err := d.Validate(); err == nil {
		t.Error("expected mismatch between workload id and attempt to be rejected")
	}
}

// The sidecar receives the descriptor once; attempt status changes after
// launch and so is not part of it.
func TestDescriptor_JSONFields(t *testing.T) {
	t.Parallel()
	data, err := json.Marshal(newDescriptor(t, job.KindCheck, 0))
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"workloadId", "jobId", "attempt", "kind", "launchInput", "placement", "labels"} {
		if _, ok := fields[want]; !ok {
			t.Errorf("descriptor JSON lacks %q: %s", want, data)
		}
	}
	if _, ok := fields["status"]; ok {
		t.Errorf("descriptor JSON carries a status: %s", data)
	}
}

func TestSubmit_Idempotent(t *testing.T) {
	t.Parallel()
	backend := launchertest.New()
	l := newLauncher(t, backend, launcher.Config{})
	d := newDescriptor(t, job.KindCheck, 0)

	first := l.Submit(context.Background(), d)
	if !first.IsAccepted() {
		t.Fatalf("Submit() = %s", first)
	}
	second := l.Submit(context.Background(), d)
	if !second.IsAccepted() || second.Ref() != first.Ref() {
		t.Fatalf("resubmit = %s, want %s", second, first)
	}
	if got := backend.SubmitCalls(); got != 1 {
		t.Errorf("backend submits = %d, want 1", got)
	}
	if live := backend.Live(); len(live) != 1 {
		t.Errorf("live units = %v, want exactly one", live)
	}
}

func TestSubmit_ConcurrentSameID(t *testing.T) {
	t.Parallel()
	backend := launchertest.New()
	backend.Hold()
	l := newLauncher(t, backend, launcher.Config{Workers: 4})
	d := newDescriptor(t, job.KindSync, 0)

	const n = 10
	results := make([]launcher.Result, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = l.Submit(context.Background(), d)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	backend.Release()
	wg.Wait()

	for i, r := range results {
		if !r.IsAccepted() || r.Ref() != results[0].Ref() {
			t.Errorf("result %d = %s", i, r)
		}
	}
	if got := backend.SubmitCalls(); got != 1 {
		t.Errorf("backend submits = %d, want 1", got)
	}
}

func TestSubmit_Rejections(t *testing.T) {
	t.Parallel()
	backend := launchertest.New()
	l := newLauncher(t, backend, launcher.Config{})

	d := newDescriptor(t, job.KindSync, 0)
	backend.FailSubmits(1, nil)
	res := l.Submit(context.Background(), d)
	if res.Outcome() != launcher.OutcomeRejectedInfra {
		t.Fatalf("Submit() = %s, want rejected_infra", res)
	}
	if f := res.Failure(); f.Reason != job.ReasonInfraTransient || !f.Retryable {
		t.Errorf("failure = %+v", f)
	}

	// A rejected id may be submitted again.
	if res := l.Submit(context.Background(), d); !res.IsAccepted() {
		t.Errorf("resubmit after rejection = %s", res)
	}

	d2 := newDescriptor(t, job.KindSync, 0)
	backend.FailSubmits(1, apperrors.Validation("image", "manifest unknown"))
	res = l.Submit(context.Background(), d2)
	if res.Outcome() != launcher.OutcomeRejectedInvalid {
		t.Fatalf("Submit() = %s, want rejected_invalid", res)
	}
	if f := res.Failure(); f.Reason != job.ReasonInvalidLaunchInput || f.Retryable {
		t.Errorf("failure = %+v", f)
	}

	bad := newDescriptor(t, job.KindSync, 0)
	bad.Input.Image = ""
	calls := backend.SubmitCalls()
	if res := l.Submit(context.Background(), bad); res.Outcome() != launcher.OutcomeRejectedInvalid {
		t.Errorf("invalid descriptor = %s", res)
	}
	if backend.SubmitCalls() != calls {
		t.Error("invalid descriptor must not reach the backend")
	}
}

func TestSubmit_CircuitOpen(t *testing.T) {
	t.Parallel()
	backend := launchertest.New()
	l := newLauncher(t, backend, launcher.Config{
		Breaker: circuitbreaker.Config{Threshold: 2, Cooldown: time.Hour},
	})

	backend.FailSubmits(2, nil)
	for range 2 {
		l.Submit(context.Background(), newDescriptor(t, job.KindCheck, 0))
	}
	if l.BreakerState() != circuitbreaker.Open {
		t.Fatalf("breaker = %s, want open", l.BreakerState())
	}

	calls := backend.SubmitCalls()
	res := l.Submit(context.Background(), newDescriptor(t, job.KindCheck, 0))
	if res.Outcome() != launcher.OutcomeRejectedInfra || !strings.Contains(res.Reason(), "circuit open") {
		t.Errorf("Submit() = %s, want circuit open rejection", res)
	}
	if backend.SubmitCalls() != calls {
		t.Error("open circuit must not call the backend")
	}
}

func TestTerminate_Idempotent(t *testing.T) {
	t.Parallel()
	backend := launchertest.New()
	l := newLauncher(t, backend, launcher.Config{})
	d := newDescriptor(t, job.KindSpec, 0)

	res := l.Submit(context.Background(), d)
	for range 2 {
		if err := l.Terminate(context.Background(), res.Ref()); err != nil {
			t.Fatalf("Terminate() error = %v", err)
		}
	}
	if err := l.Terminate(context.Background(), ""); err != nil {
		t.Errorf("Terminate(\"\") error = %v", err)
	}
	if len(backend.Live()) != 0 {
		t.Errorf("units left: %v", backend.Live())
	}
	if _, err := l.Status(context.Background(), res.Ref()); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Status() after terminate = %v, want not found", err)
	}

	// Once terminated, the id is no longer live and may launch again.
	if res := l.Submit(context.Background(), d); !res.IsAccepted() {
		t.Fatalf("Submit() = %s", res)
	}
	if backend.SubmitCalls() != 2 {
		t.Errorf("backend submits = %d, want 2", backend.SubmitCalls())
	}
}

func TestSubmit_CallTimeoutReapsLateUnit(t *testing.T) {
	t.Parallel()
	backend := launchertest.New()
	backend.Hold()
	l := newLauncher(t, backend, launcher.Config{CallTimeout: 30 * time.Millisecond})

	d := newDescriptor(t, job.KindCheck, 0)
	res := l.Submit(context.Background(), d)
	if res.Outcome() != launcher.OutcomeRejectedInfra {
		t.Fatalf("Submit() = %s, want rejected_infra on timeout", res)
	}
	backend.Release()

	ref := job.WorkloadRef(d.WorkloadID)
	testutil.MustWaitFor(t, func() bool { return backend.DeleteCalls(ref) == 1 },
		testutil.WithTimeout(2*time.Second))
	if len(backend.Live()) != 0 {
		t.Errorf("late unit left running: %v", backend.Live())
	}
}

func TestAdopt(t *testing.T) {
	t.Parallel()
	backend := launchertest.New()
	l := newLauncher(t, backend, launcher.Config{})
	d := newDescriptor(t, job.KindSync, 1)

	ref := backend.Put(d.WorkloadID, launcher.UnitRunning)
	l.Adopt(d.WorkloadID, ref)

	if res := l.Submit(context.Background(), d); !res.IsAccepted() || res.Ref() != ref {
		t.Errorf("Submit() = %s, want adopted ref %s", res, ref)
	}
	if backend.SubmitCalls() != 0 {
		t.Error("adopted unit must not be resubmitted")
	}
}

func TestLauncher_Spans(t *testing.T) {
	t.Parallel()
	recorder := tracetest.NewSpanRecorder()
	tracer := observability.NewTracer(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	l := launcher.New(launchertest.New(), launcher.Config{}, tracer, nil)
	defer l.Close()

	res := l.Submit(context.Background(), newDescriptor(t, job.KindCheck, 0))
	_ = l.Terminate(context.Background(), res.Ref())

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	if strings.Join(names, ",") != "launcher.submit,launcher.terminate" {
		t.Errorf("spans = %v", names)
	}
}

func TestReady(t *testing.T) {
	t.Parallel()
	backend := launchertest.New()
	l := newLauncher(t, backend, launcher.Config{})
	if err := l.Ready(context.Background()); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	backend.SetPingError(launchertest.ErrInfra)
	if err := l.Ready(context.Background()); !errors.Is(err, apperrors.ErrUnavailable) {
		t.Errorf("Ready() = %v, want unavailable", err)
	}
}
