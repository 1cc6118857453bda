package storage

import (
	"context"
	"controlplane/internal/apperrors"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func TestRouter_Dispatch(t *testing.T) {
	t.Parallel()
	r := NewRouter()
	r.Register("MEM", ReaderFunc(func(_ context.Context, ref *url.URL, _ int64) ([]byte, error) {
		return []byte(ref.Host + ref.Path), nil
	}))

	got, err := r.Read(context.Background(), "mem://box/item", 0)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(got) != "box/item" {
		t.Errorf("Read() = %q", got)
	}
	if schemes := r.Schemes(); len(schemes) != 1 || schemes[0] != "mem" {
		t.Errorf("Schemes() = %v", schemes)
	}

	for _, ref := range []string{"", "no-scheme", "ftp://x/y"} {
		if _, err := r.Read(context.Background(), ref, 0); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("Read(%q) expected validation error, got %v", ref, err)
		}
	}
}

func TestReadLimited(t *testing.T) {
	t.Parallel()
	if _, err := ReadLimited(strings.NewReader("12345"), 4); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
	got, err := ReadLimited(strings.NewReader("1234"), 4)
	if err != nil || string(got) != "1234" {
		t.Errorf("ReadLimited() = %q, %v", got, err)
	}
	if got, _ := ReadLimited(strings.NewReader("unbounded"), 0); string(got) != "unbounded" {
		t.Errorf("ReadLimited() = %q", got)
	}
}

func TestFileReader(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.json")
	if err := os.WriteFile(path, []byte(`{"ok":true}`), 0o600); err != nil {
		t.Fatal(err)
	}

	r := NewRouter()
	r.Register("file", NewFileReader(dir))

	got, err := r.Read(context.Background(), "file://"+path, 1024)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(got) != `{"ok":true}` {
		t.Errorf("Read() = %q", got)
	}

	if _, err := r.Read(context.Background(), "file://"+filepath.Join(dir, "missing"), 0); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := r.Read(context.Background(), "file:///etc/passwd", 0); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected path outside root to be rejected, got %v", err)
	}
	if _, err := r.Read(context.Background(), "file://"+path, 3); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
}

func newTestS3(t *testing.T, handler http.HandlerFunc) *S3 {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("test", "test", ""),
	})
	return NewS3FromClient(client)
}

func TestS3_Read(t *testing.T) {
	t.Parallel()
	store := newTestS3(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/outputs/job-1/payload.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"body":{}}`))
		default:
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
		}
	})

	ref, _ := url.Parse("s3://outputs/job-1/payload.json")
	got, err := store.Read(context.Background(), ref, 0)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(got) != `{"body":{}}` {
		t.Errorf("Read() = %q", got)
	}

	missing, _ := url.Parse("s3://outputs/nope.json")
	if _, err := store.Read(context.Background(), missing, 0); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	bad, _ := url.Parse("s3://outputs")
	if _, err := store.Read(context.Background(), bad, 0); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
