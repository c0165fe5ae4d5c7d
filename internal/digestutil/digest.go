// Package digestutil wraps github.com/opencontainers/go-digest with the
// stricter sha256-hex validation the worker's cache keys require: exactly
// 64 lowercase hex characters, no algorithm prefix.
package digestutil

import (
	"crypto/sha256"
	"io"

	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// Digest is a 32-byte SHA-256 value. The zero value is not a valid digest.
type Digest = digest.Digest

const hexLen = sha256.Size * 2

// Parse validates that s is exactly 64 lowercase hex characters and returns
// the corresponding Digest. It rejects odd length, wrong length, and
// non-hex characters, as well as uppercase hex (format is canonical
// lowercase only).
func Parse(s string) (Digest, error) {
	if len(s) != hexLen {
		return "", errors.Errorf("digest: invalid length %d, want %d", len(s), hexLen)
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return "", errors.Errorf("digest: invalid hex character %q", r)
		}
	}
	d := digest.NewDigestFromEncoded(digest.SHA256, s)
	if err := d.Validate(); err != nil {
		return "", errors.Wrap(err, "digest: validate")
	}
	return d, nil
}

// Format renders d in its canonical lowercase-hex form, without the
// "sha256:" algorithm prefix go-digest's own String() would include.
func Format(d Digest) string {
	return d.Encoded()
}

// FromBytes computes the SHA-256 digest of p.
func FromBytes(p []byte) Digest {
	return digest.FromBytes(p)
}

// FromReader computes the SHA-256 digest of everything read from r.
func FromReader(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", errors.Wrap(err, "digest: hash reader")
	}
	return digest.NewDigest(digest.SHA256, h), nil
}

// Verify reports whether data hashes to want.
func Verify(want Digest, data []byte) bool {
	got := FromBytes(data)
	return got == want
}

// UpperDigest implements the left-reducing chain digest law the layer
// tracker relies on for cache sharing: UpperDigest([a]) == a;
// UpperDigest([x, rest...]) == H(x || UpperDigest(rest...)). layers must be
// ordered top-first (the most recently stacked layer at index 0, the
// bottommost original layer last), the same order the tracker builds the
// upper-layer chain in, one fetch_upper_fs_layer call at a time. Equal
// layer prefixes (from the top down) across two jobs therefore yield the
// same UpperDigest and share a cache entry.
func UpperDigest(layers []Digest) (Digest, error) {
	if len(layers) == 0 {
		return "", errors.New("digest: UpperDigest requires at least one layer")
	}
	acc := layers[len(layers)-1]
	for i := len(layers) - 2; i >= 0; i-- {
		h := sha256.New()
		h.Write([]byte(layers[i]))
		h.Write([]byte(acc))
		acc = digest.NewDigest(digest.SHA256, h)
	}
	return acc, nil
}
