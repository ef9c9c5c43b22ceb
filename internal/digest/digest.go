// Package digest computes the fixed-length content digests that identify
// segments across the namespace. The hash primitive itself (BLAKE3) is
// treated as an assumed external collaborator; this package only adapts it
// to the lowercase-hex string representation the rest of the tiering
// subsystem works with.
package digest

import (
	"encoding/hex"
	"io"

	"github.com/zeebo/blake3"
)

// Len is the length, in hex characters, of a digest produced by this
// package (32-byte BLAKE3 sum, hex-encoded).
const Len = 64

// Sum returns the lowercase-hex digest of b.
func Sum(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Hasher incrementally digests bytes written to it, for use alongside a
// streaming segmenter that delivers a segment's bytes without buffering the
// whole segment in memory first.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns a ready-to-use incremental hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the lowercase-hex digest of everything written so far and
// resets the hasher for reuse.
func (h *Hasher) Sum() string {
	sum := h.h.Sum(nil)
	h.h.Reset()
	return hex.EncodeToString(sum)
}

var _ io.Writer = (*Hasher)(nil)
