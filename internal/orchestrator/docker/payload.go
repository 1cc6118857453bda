package docker

import (
	"archive/tar"
	"context"
	"controlplane/internal/apperrors"
	"controlplane/internal/storage"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/docker/docker/client"
)

// PayloadScheme is the ref scheme served by PayloadReader.
const PayloadScheme = "docker"

// PayloadReader reads docker://<container>/<path> references by copying the
// file out of the container. Stopped containers are readable.
type PayloadReader struct {
	client *client.Client
}

func (r *PayloadReader) Read(ctx context.Context, ref *url.URL, limit int64) ([]byte, error) {
	name, path, err := splitDockerRef(ref)
	if err != nil {
		return nil, err
	}

	rc, _, err := r.client.CopyFromContainer(ctx, name, path)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, apperrors.NotFound("payload", ref.String())
		}
		return nil, apperrors.Internal("docker.copyFromContainer", err)
	}
	defer rc.Close()

	return readTarFile(rc, limit)
}

func splitDockerRef(ref *url.URL) (container, path string, err error) {
	if ref.Host == "" || strings.Trim(ref.Path, "/") == "" {
		return "", "", apperrors.Validationf("payloadRef", "docker reference %q needs a container and a path", ref.String())
	}
	return ref.Host, ref.Path, nil
}

// readTarFile returns the contents of the first regular file in a tar stream.
func readTarFile(src io.Reader, limit int64) ([]byte, error) {
	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("archive holds no regular file")
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if limit > 0 && hdr.Size > limit {
			return nil, fmt.Errorf("%w (%d bytes)", storage.ErrTooLarge, limit)
		}
		return storage.ReadLimited(tr, limit)
	}
}
