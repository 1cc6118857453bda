// Package storage reads workload output payloads by reference.
//
// A payload reference is a URL whose scheme selects the backing store:
//
//	file:///var/lib/controlplane/out/payload.json
//	s3://bucket/prefix/payload.json
//	docker://<container>/<path inside container>
package storage

import (
	"context"
	"controlplane/internal/apperrors"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// ErrTooLarge is returned when a payload exceeds the read limit.
var ErrTooLarge = errors.New("payload exceeds size limit")

// Reader fetches a payload. Implementations return an error wrapping
// apperrors.ErrNotFound when the referenced object does not exist.
type Reader interface {
	Read(ctx context.Context, ref *url.URL, limit int64) ([]byte, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(ctx context.Context, ref *url.URL, limit int64) ([]byte, error)

func (f ReaderFunc) Read(ctx context.Context, ref *url.URL, limit int64) ([]byte, error) {
	return f(ctx, ref, limit)
}

// Router dispatches reads to the Reader registered for the ref's scheme.
type Router struct {
	mu      sync.RWMutex
	readers map[string]Reader
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{readers: make(map[string]Reader)}
}

// Register binds scheme to r, replacing any previous binding.
func (r *Router) Register(scheme string, reader Reader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readers[strings.ToLower(scheme)] = reader
}

// Schemes returns the registered schemes, sorted.
func (r *Router) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.readers))
	for s := range r.readers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Read parses ref and reads at most limit bytes from the matching store.
func (r *Router) Read(ctx context.Context, ref string, limit int64) ([]byte, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" {
		return nil, apperrors.Validationf("payloadRef", "invalid payload reference %q", ref)
	}

	r.mu.RLock()
	reader, ok := r.readers[strings.ToLower(u.Scheme)]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.Validationf("payloadRef", "unsupported payload scheme %q", u.Scheme)
	}
	return reader.Read(ctx, u, limit)
}

// ReadLimited reads all of src, failing with ErrTooLarge past limit bytes.
// A non-positive limit disables the check.
func ReadLimited(src io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(src)
	}
	data, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, limit)
	}
	return data, nil
}
