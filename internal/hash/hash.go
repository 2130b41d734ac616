// Package hash derives the digests used as cluster dedup keys.
package hash

import (
	"crypto/md5" //nolint:gosec // digest is a key, not a security boundary
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
)

// Algorithm names a supported digest function.
type Algorithm string

// Supported algorithms.
const (
	SHA256 Algorithm = "sha256"
	MD5    Algorithm = "md5"
)

// Hasher implements crawler.Hasher.
type Hasher struct {
	newHash func() hash.Hash
}

// New returns a Hasher for alg. An empty alg selects SHA256.
func New(alg Algorithm) (*Hasher, error) {
	switch alg {
	case "", SHA256:
		return &Hasher{newHash: sha256.New}, nil
	case MD5:
		return &Hasher{newHash: md5.New}, nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", alg)
	}
}

// Digest returns the lowercase hex digest of value.
func (h *Hasher) Digest(value string) string {
	d := h.newHash()
	_, _ = d.Write([]byte(value))
	return hex.EncodeToString(d.Sum(nil))
}
