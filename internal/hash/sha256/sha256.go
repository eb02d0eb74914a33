// Package sha256 names mirrored objects by the SHA-256 digest of their body.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher. A positive length truncates the hex
// digest, trading collision resistance for shorter object keys.
type Hasher struct {
	length int
}

// New returns a hasher producing full 64-character digests.
func New() *Hasher {
	return &Hasher{}
}

// NewTruncated returns a hasher producing digests of at most length
// characters.
func NewTruncated(length int) *Hasher {
	return &Hasher{length: length}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.length > 0 && h.length < len(digest) {
		digest = digest[:h.length]
	}
	return digest, nil
}
