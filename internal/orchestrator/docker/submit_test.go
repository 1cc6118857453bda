package docker

import (
	"context"
	"controlplane/internal/apperrors"
	"controlplane/internal/job"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/client"
)

const fakeAPIVersion = "1.45"

// fakeDaemon answers the Docker API calls Submit makes for one workload.
// Volume creation always fails so a fresh launch stops before pulling images.
type fakeDaemon struct {
	mu       sync.Mutex
	sidecar  map[string]any // container state; nil when the sidecar does not exist
	requests []string
}

func (f *fakeDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v"+fakeAPIVersion)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+path)

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(path, "-sidecar/json") && f.sidecar != nil:
		_ = json.NewEncoder(w).Encode(map[string]any{"Id": "sidecar-id", "State": f.sidecar})
	case r.Method == http.MethodDelete && strings.HasSuffix(path, "-sidecar"):
		f.sidecar = nil
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodDelete, strings.HasSuffix(path, "/stop"):
		w.WriteHeader(http.StatusNoContent)
	case path == "/volumes/create":
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "no space left on device"})
	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "No such container"})
	}
}

func (f *fakeDaemon) called(req string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.requests, req)
}

func newFakeBackend(t *testing.T, daemon *fakeDaemon) *Backend {
	t.Helper()
	srv := httptest.NewServer(daemon)
	t.Cleanup(srv.Close)

	c, err := client.NewClientWithOpts(
		client.WithHost("tcp://"+srv.Listener.Addr().String()),
		client.WithVersion(fakeAPIVersion),
	)
	if err != nil {
		t.Fatalf("NewClientWithOpts() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	watchCtx, stop := context.WithCancel(context.Background())
	t.Cleanup(stop)
	return &Backend{
		client:      c,
		cfg:         Config{SidecarImage: "sidecar:latest"}.withDefaults(),
		units:       newUnitRepo(),
		watchCtx:    watchCtx,
		stopWatches: stop,
	}
}

// trackStale registers ref the way reconcile does for a unit it does not watch.
func trackStale(b *Backend, ref job.WorkloadRef) {
	b.units.commit(ref, &unitState{workerID: "worker-id", sidecarID: "sidecar-id", volumeName: volumeName(ref)})
}

func TestSubmit_StaleUnitIsReplaced(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		sidecar map[string]any
	}{
		{"sidecar exited", map[string]any{"Status": "exited", "Running": false, "ExitCode": 0}},
		{"sidecar gone", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := testDescriptor(t)
			ref := job.WorkloadRef(d.WorkloadID)
			daemon := &fakeDaemon{sidecar: tt.sidecar}
			b := newFakeBackend(t, daemon)
			trackStale(b, ref)

			got, err := b.Submit(context.Background(), d)
			if err == nil {
				t.Fatalf("Submit() = %q, want an error from the recreate", got)
			}
			if !daemon.called("DELETE /containers/" + sidecarName(ref)) {
				t.Error("stale sidecar was not removed")
			}
			if !daemon.called("POST /volumes/create") {
				t.Error("unit was not recreated")
			}
			if _, ok := b.units.get(ref); ok {
				t.Error("failed launch left the ref tracked")
			}
		})
	}
}

func TestSubmit_LiveUnitIsReused(t *testing.T) {
	t.Parallel()
	d := testDescriptor(t)
	ref := job.WorkloadRef(d.WorkloadID)
	daemon := &fakeDaemon{sidecar: map[string]any{"Status": "running", "Running": true}}
	b := newFakeBackend(t, daemon)
	trackStale(b, ref)

	got, err := b.Submit(context.Background(), d)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if got != ref {
		t.Errorf("Submit() = %q, want %q", got, ref)
	}
	if daemon.called("DELETE /containers/"+sidecarName(ref)) || daemon.called("POST /volumes/create") {
		t.Error("live unit was recreated")
	}
}

func TestSubmit_LaunchInFlight(t *testing.T) {
	t.Parallel()
	d := testDescriptor(t)
	ref := job.WorkloadRef(d.WorkloadID)
	daemon := &fakeDaemon{}
	b := newFakeBackend(t, daemon)
	if err := b.units.reserve(ref); err != nil {
		t.Fatal(err)
	}

	_, err := b.Submit(context.Background(), d)
	if !errors.Is(err, apperrors.ErrUnavailable) {
		t.Errorf("Submit() error = %v, want ErrUnavailable", err)
	}
	if us, ok := b.units.get(ref); !ok || us != nil {
		t.Error("in-flight reservation was disturbed")
	}
}
