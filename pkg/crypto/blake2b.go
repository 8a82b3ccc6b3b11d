package crypto

import (
	"golang.org/x/crypto/blake2b"
)

// Blake2bName is the name of the default provider.
const Blake2bName = "blake2b"

type blake2bProvider struct {
	ed25519Signer
}

// NewDefaultProvider returns Ed25519 signatures with BLAKE2b-256 hashing.
func NewDefaultProvider() Provider {
	return blake2bProvider{}
}

func (blake2bProvider) Name() string { return Blake2bName }

func (blake2bProvider) Hash(parts ...[]byte) Hash {
	// New256 only fails for keys longer than 64 bytes.
	h, err := blake2b.New256(nil)
	if err != nil {
		panic("crypto: BLAKE2b initialization failed: " + err.Error())
	}
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
