package crypto

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/dep2p/harbor/pkg/types"
)

// ContentHash is a BLAKE3-256 digest.
type ContentHash [32]byte

// HashContent hashes data.
func HashContent(data []byte) ContentHash {
	return blake3.Sum256(data)
}

// String returns the lowercase hex form.
func (h ContentHash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseContentHash parses the hex form.
func ParseContentHash(s string) (ContentHash, error) {
	var h ContentHash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(h) {
		return h, fmt.Errorf("%w: bad content hash %q", types.ErrValidation, s)
	}
	copy(h[:], b)
	return h, nil
}

// Hasher is an incremental BLAKE3-256 hasher for chunked content.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns an empty hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New(32, nil)}
}

// Write adds data.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the digest of everything written.
func (h *Hasher) Sum() ContentHash {
	var out ContentHash
	copy(out[:], h.h.Sum(nil))
	return out
}
