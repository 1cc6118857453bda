package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParsePolicyFile(t *testing.T) {
	t.Parallel()
	data := []byte(`
kinds:
  sync:
    maxRetries: 5
    backoffInitial: 2s
    heartbeatTimeout: 30m
  check:
    maxRetries: 0
`)
	pf, err := ParsePolicyFile(data)
	if err != nil {
		t.Fatalf("ParsePolicyFile() error = %v", err)
	}

	sync, ok := pf.Kinds["sync"]
	if !ok {
		t.Fatal("expected sync override")
	}
	if sync.MaxRetries == nil || *sync.MaxRetries != 5 {
		t.Errorf("sync.maxRetries = %v, want 5", sync.MaxRetries)
	}
	if sync.BackoffInitial == nil || *sync.BackoffInitial != 2*time.Second {
		t.Errorf("sync.backoffInitial = %v, want 2s", sync.BackoffInitial)
	}
	if sync.HeartbeatTimeout == nil || *sync.HeartbeatTimeout != 30*time.Minute {
		t.Errorf("sync.heartbeatTimeout = %v, want 30m", sync.HeartbeatTimeout)
	}
	if sync.LaunchTimeout != nil {
		t.Errorf("sync.launchTimeout should be unset, got %v", *sync.LaunchTimeout)
	}
	if check := pf.Kinds["check"]; check.MaxRetries == nil || *check.MaxRetries != 0 {
		t.Errorf("check.maxRetries = %v, want 0", check.MaxRetries)
	}
}

func TestParsePolicyFileErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		data   string
		errMsg string
	}{
		{"unknown field", "kinds:\n  sync:\n    retries: 3\n", "retries"},
		{"negative retries", "kinds:\n  sync:\n    maxRetries: -1\n", "maxRetries must not be negative"},
		{"zero timeout", "kinds:\n  check:\n    launchTimeout: 0s\n", "launchTimeout must be positive"},
		{"bad duration", "kinds:\n  check:\n    launchTimeout: soon\n", "parse policy file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParsePolicyFile([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestLoadPolicyFile(t *testing.T) {
	t.Parallel()

	pf, err := LoadPolicyFile("")
	if err != nil || len(pf.Kinds) != 0 {
		t.Fatalf("LoadPolicyFile(\"\") = %v, %v; want empty", pf, err)
	}

	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte("kinds:\n  discover:\n    maxRetries: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	pf, err = LoadPolicyFile(path)
	if err != nil {
		t.Fatalf("LoadPolicyFile() error = %v", err)
	}
	if got := pf.Kinds["discover"].MaxRetries; got == nil || *got != 1 {
		t.Errorf("discover.maxRetries = %v, want 1", got)
	}

	if _, err := LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParsePolicyFileEmpty(t *testing.T) {
	t.Parallel()
	pf, err := ParsePolicyFile(nil)
	if err != nil {
		t.Fatalf("ParsePolicyFile(nil) error = %v", err)
	}
	if pf.Kinds != nil {
		t.Errorf("expected no kinds, got %v", pf.Kinds)
	}
}
