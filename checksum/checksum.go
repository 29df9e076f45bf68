// Package checksum computes and compares whole-file SHA-256 digests.
package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Size is the digest length in bytes.
const Size = sha256.Size

// ShortLen is the number of hex characters kept in diagnostics.
const ShortLen = 16

var (
	// ErrMismatch indicates the computed digest differs from the expected one.
	ErrMismatch = errors.New("checksum: digest mismatch")
	// ErrInvalidDigest indicates a digest string is not 64 hex characters.
	ErrInvalidDigest = errors.New("checksum: invalid digest")
)

// Digest is a SHA-256 content fingerprint.
type Digest [Size]byte

// Sum returns the digest of data.
func Sum(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// SumReader hashes everything read from r.
func SumReader(r io.Reader) (Digest, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return Digest{}, fmt.Errorf("hash stream: %w", err)
	}
	var d Digest
	copy(d[:], hasher.Sum(nil))
	return d, nil
}

// SumFile hashes the file at path.
func SumFile(path string) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	return SumReader(file)
}

// Parse decodes the lowercase or uppercase hex form of a digest.
func Parse(text string) (Digest, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	if len(raw) != Size {
		return Digest{}, fmt.Errorf("%w: got %d bytes", ErrInvalidDigest, len(raw))
	}
	var d Digest
	copy(d[:], raw)
	return d, nil
}

// String returns the lowercase hex form used on the wire.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the truncated hex prefix used in diagnostics.
func (d Digest) Short() string {
	return d.String()[:ShortLen]
}

// IsZero reports whether d is the zero value.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Equal compares two digests.
func (d Digest) Equal(other Digest) bool {
	return bytes.Equal(d[:], other[:])
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MismatchError reports a failed verification with truncated digests.
type MismatchError struct {
	Expected Digest
	Actual   Digest
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("Checksum mismatch! Expected: %s..., Got: %s...", e.Expected.Short(), e.Actual.Short())
}

// Is makes errors.Is(err, ErrMismatch) hold for mismatch errors.
func (e *MismatchError) Is(target error) bool {
	return target == ErrMismatch
}

// Verify hashes data and compares it with expected.
func Verify(expected Digest, data []byte) (Digest, error) {
	actual := Sum(data)
	if !actual.Equal(expected) {
		return actual, &MismatchError{Expected: expected, Actual: actual}
	}
	return actual, nil
}
