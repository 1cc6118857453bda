package cloudevent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSender_Send(t *testing.T) {
	t.Parallel()
	var gotHeaders http.Header
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	event := New("controlplane.attempt.failed", "controlplane/engine", "job-1", "evt-1", map[string]any{"attempt": 2})
	err := NewSender(5*time.Second).Send(context.Background(), server.URL, event, SendOptions{SigningKey: "secret"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if gotHeaders.Get("Ce-Type") != "controlplane.attempt.failed" || gotHeaders.Get("Ce-Subject") != "job-1" {
		t.Errorf("unexpected CloudEvent headers: %v", gotHeaders)
	}
	if !Verify(gotBody, "secret", gotHeaders.Get(SignatureHeader)) {
		t.Error("signature does not verify against the delivered body")
	}

	var decoded CloudEvent
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("body is not a CloudEvent: %v", err)
	}
	if decoded.SpecVersion != SpecVersion || decoded.ID != "evt-1" {
		t.Errorf("unexpected body %+v", decoded)
	}
}

func TestSender_SendErrorStatus(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	err := NewSender(time.Second).Send(context.Background(), server.URL, New("t", "s", "", "1", nil), SendOptions{})
	if !IsClientError(err) {
		t.Errorf("expected client error, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()
	body := []byte(`{"a":1}`)
	sig := Sign(body, "k")

	if !Verify(body, "k", sig) {
		t.Error("expected valid signature")
	}
	if Verify(body, "other", sig) {
		t.Error("expected signature mismatch for a different key")
	}
	if Verify(body, "k", sig[len("sha256="):]) {
		t.Error("expected missing prefix to be rejected")
	}
}

func TestIsClientError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"400", &HTTPError{StatusCode: 400}, true},
		{"499", &HTTPError{StatusCode: 499}, true},
		{"500", &HTTPError{StatusCode: 500}, false},
		{"399", &HTTPError{StatusCode: 399}, false},
		{"wrapped 404", fmt.Errorf("deliver: %w", &HTTPError{StatusCode: 404}), true},
		{"non-HTTP error", context.DeadlineExceeded, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsClientError(tt.err); got != tt.expected {
				t.Errorf("IsClientError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}
