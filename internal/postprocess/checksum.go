package postprocess

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Checksum algorithms accepted in payload envelopes.
const (
	AlgorithmSHA256 = "sha256"
	AlgorithmXXH64  = "xxh64"
)

// Checksum is the declared digest of a payload body.
type Checksum struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

func (c Checksum) String() string {
	return c.Algorithm + ":" + c.Value
}

// Compute returns the lowercase hex digest of data.
func Compute(algorithm string, data []byte) (string, error) {
	switch strings.ToLower(algorithm) {
	case AlgorithmSHA256:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	case AlgorithmXXH64:
		return fmt.Sprintf("%016x", xxhash.Sum64(data)), nil
	default:
		return "", fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}
}

// Verify recomputes the digest of data and compares it with c.
func (c Checksum) Verify(data []byte) error {
	got, err := Compute(c.Algorithm, data)
	if err != nil {
		return err
	}
	want := strings.ToLower(strings.TrimSpace(c.Value))
	if strings.EqualFold(c.Algorithm, AlgorithmXXH64) {
		// Accept an unpadded hex value.
		if n, err := strconv.ParseUint(want, 16, 64); err == nil {
			want = fmt.Sprintf("%016x", n)
		}
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return fmt.Errorf("checksum mismatch: declared %s, computed %s", want, got)
	}
	return nil
}
