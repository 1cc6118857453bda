package storage

import (
	"context"
	"controlplane/internal/apperrors"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileReader reads file:// references, optionally confined to a root directory.
type FileReader struct {
	root string
}

// NewFileReader creates a reader. When root is non-empty, references that
// resolve outside it are rejected.
func NewFileReader(root string) *FileReader {
	if root != "" {
		root = filepath.Clean(root)
	}
	return &FileReader{root: root}
}

func (r *FileReader) Read(ctx context.Context, ref *url.URL, limit int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Clean(ref.Path)
	if r.root != "" && path != r.root && !strings.HasPrefix(path, r.root+string(filepath.Separator)) {
		return nil, apperrors.Validationf("payloadRef", "path %s is outside %s", path, r.root)
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.NotFound("payload", ref.String())
		}
		return nil, fmt.Errorf("open payload: %w", err)
	}
	defer f.Close()

	return ReadLimited(f, limit)
}
