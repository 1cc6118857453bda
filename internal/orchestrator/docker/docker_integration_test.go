//go:build integration

package docker

import (
	"context"
	"controlplane/internal/apperrors"
	"controlplane/internal/job"
	"controlplane/internal/launcher"
	"controlplane/internal/placement"
	"controlplane/internal/testutil"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

const sidecarImage = "ko.local/workload-sidecar:latest"

type reportSink struct {
	mu      sync.Mutex
	reports []map[string]any
	beats   int
}

func (s *reportSink) last() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reports) == 0 {
		return nil
	}
	return s.reports[len(s.reports)-1]
}

// newControlPlane serves the workload endpoints on all interfaces so
// containers can reach it through host.docker.internal.
func newControlPlane(t *testing.T) (*reportSink, string) {
	t.Helper()
	sink := &reportSink{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/workloads/{workloadRef}/report", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		sink.mu.Lock()
		sink.reports = append(sink.reports, body)
		sink.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /v1/workloads/{workloadRef}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		sink.mu.Lock()
		sink.beats++
		sink.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	ln, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := httptest.NewUnstartedServer(mux)
	server.Listener = ln
	server.Start()
	t.Cleanup(server.Close)

	port := ln.Addr().(*net.TCPAddr).Port
	return sink, fmt.Sprintf("http://host.docker.internal:%d", port)
}

func newIntegrationBackend(t *testing.T, controlPlaneURL string) *Backend {
	t.Helper()
	b, err := New(context.Background(), Config{
		SidecarImage:      sidecarImage,
		ControlPlaneURL:   controlPlaneURL,
		ExtraHosts:        []string{"host.docker.internal:host-gateway"},
		HeartbeatInterval: time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func integrationDescriptor(command string) *launcher.Descriptor {
	j := &job.Job{
		ID:           job.NewID(),
		Kind:         job.KindCheck,
		ConnectionID: "conn-integration",
		WorkspaceID:  "ws-integration",
		Input: job.LaunchInput{
			Image:    "alpine:latest",
			Command:  []string{"/bin/sh", "-c", command},
			CPU:      1,
			MemoryMB: 128,
		},
	}
	a := &job.Attempt{JobID: j.ID, WorkloadID: job.WorkloadIDFor(j.ID, 0, j.Kind), Status: job.StatusLaunching}
	return launcher.NewDescriptor(j, a, placement.Requirement{})
}

func TestBackend_RunToCompletion(t *testing.T) {
	ctx := context.Background()
	sink, cpURL := newControlPlane(t)
	b := newIntegrationBackend(t, cpURL)

	d := integrationDescriptor(`mkdir -p "$(dirname "$CONTROLPLANE_OUTPUT")" && echo '{"checksum":{"algorithm":"sha256","value":"x"},"body":{}}' > "$CONTROLPLANE_OUTPUT"`)
	ref, err := b.Submit(ctx, d)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	t.Cleanup(func() { _ = b.Delete(context.Background(), ref) })

	// Same workload id: same ref, no second unit.
	again, err := b.Submit(ctx, d)
	if err != nil || again != ref {
		t.Fatalf("Resubmit = (%s, %v), want (%s, nil)", again, err, ref)
	}

	report := testutil.MustWaitForValue(t, sink.last, func(r map[string]any) bool {
		return r != nil && r["outcome"] != "STARTED"
	}, testutil.WithTimeout(90*time.Second), testutil.WithInterval(time.Second))

	if report["outcome"] != "DONE" {
		t.Fatalf("Expected DONE report, got %v", report)
	}

	payloadRef, _ := report["payloadRef"].(string)
	u, err := url.Parse(payloadRef)
	if err != nil {
		t.Fatalf("bad payload ref %q: %v", payloadRef, err)
	}
	data, err := b.Payloads().Read(ctx, u, 1<<20)
	if err != nil {
		t.Fatalf("Read payload: %v", err)
	}
	if len(data) == 0 {
		t.Error("Expected payload content")
	}

	status, err := b.Status(ctx, ref)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.State != launcher.UnitExited || status.ExitCode == nil || *status.ExitCode != 0 {
		t.Errorf("Expected exited with code 0, got %+v", status)
	}

	units, err := b.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	found := false
	for _, u := range units {
		found = found || u.Ref == ref
	}
	if !found {
		t.Errorf("Expected %s in List(), got %v", ref, units)
	}
}

func TestBackend_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	_, cpURL := newControlPlane(t)
	b := newIntegrationBackend(t, cpURL)

	ref, err := b.Submit(ctx, integrationDescriptor("sleep 60"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if err := b.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := b.Delete(ctx, ref); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}

	if _, err := b.Status(ctx, ref); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected not found after delete, got %v", err)
	}
}
