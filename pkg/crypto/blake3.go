package crypto

import (
	"github.com/zeebo/blake3"
)

// Blake3Name selects BLAKE3 hashing.
const Blake3Name = "blake3"

type blake3Provider struct {
	ed25519Signer
}

// NewBlake3Provider returns Ed25519 signatures with BLAKE3 hashing.
func NewBlake3Provider() Provider {
	return blake3Provider{}
}

func (blake3Provider) Name() string { return Blake3Name }

func (blake3Provider) Hash(parts ...[]byte) Hash {
	h := blake3.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
