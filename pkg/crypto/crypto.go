// Package crypto supplies the signing and hashing primitives the feeds are
// built on. The drive core treats a Provider as a set of pure functions.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// HashSize is the digest size of every provider.
const HashSize = 32

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidSecretKey = errors.New("invalid secret key")
	ErrUnknownProvider  = errors.New("unknown crypto provider")
)

// PublicKey identifies a feed and verifies its signatures.
type PublicKey []byte

// SecretKey signs feed heads. Only writable feeds hold one.
type SecretKey []byte

// Hash is a fixed size digest.
type Hash [HashSize]byte

// String returns the hex encoding of the key.
func (k PublicKey) String() string {
	return hex.EncodeToString(k)
}

// Equal reports whether both keys hold the same bytes.
func (k PublicKey) Equal(other PublicKey) bool {
	return ed25519.PublicKey(k).Equal(ed25519.PublicKey(other))
}

// String returns the hex encoding of the digest.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Provider signs, verifies and hashes. Implementations must be safe for
// concurrent use.
type Provider interface {
	Name() string
	GenerateKeyPair() (PublicKey, SecretKey, error)
	Sign(secret SecretKey, data []byte) ([]byte, error)
	Verify(public PublicKey, data, signature []byte) bool
	// Hash digests the concatenation of parts.
	Hash(parts ...[]byte) Hash
}

// ed25519Signer is the signature half shared by all providers.
type ed25519Signer struct{}

func (ed25519Signer) GenerateKeyPair() (PublicKey, SecretKey, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	return PublicKey(public), SecretKey(private), nil
}

func (ed25519Signer) Sign(secret SecretKey, data []byte) ([]byte, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidSecretKey, len(secret), ed25519.PrivateKeySize)
	}
	return ed25519.Sign(ed25519.PrivateKey(secret), data), nil
}

func (ed25519Signer) Verify(public PublicKey, data, signature []byte) bool {
	if len(public) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(public), data, signature)
}

// KeyPairFromSeed derives an Ed25519 keypair from a 32 byte seed.
func KeyPairFromSeed(seed []byte) (PublicKey, SecretKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, nil, fmt.Errorf("%w: seed is %d bytes, want %d", ErrInvalidSecretKey, len(seed), ed25519.SeedSize)
	}
	private := ed25519.NewKeyFromSeed(seed)
	return PublicKey(private.Public().(ed25519.PublicKey)), SecretKey(private), nil
}

// ValidatePublicKey checks the key length.
func ValidatePublicKey(key PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrInvalidPublicKey, len(key), ed25519.PublicKeySize)
	}
	return nil
}

// MatchKeyPair reports whether secret signs for public.
func MatchKeyPair(public PublicKey, secret SecretKey) error {
	if err := ValidatePublicKey(public); err != nil {
		return err
	}
	if len(secret) != ed25519.PrivateKeySize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrInvalidSecretKey, len(secret), ed25519.PrivateKeySize)
	}
	derived := ed25519.PrivateKey(secret).Public().(ed25519.PublicKey)
	if !derived.Equal(ed25519.PublicKey(public)) {
		return fmt.Errorf("%w: secret key does not match public key", ErrInvalidSecretKey)
	}
	return nil
}

// ParsePublicKey decodes a hex encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	key := PublicKey(raw)
	if err := ValidatePublicKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// ProviderByName returns the provider registered under name. The empty name
// selects the default provider.
func ProviderByName(name string) (Provider, error) {
	switch name {
	case "", Blake2bName:
		return NewDefaultProvider(), nil
	case Blake3Name:
		return NewBlake3Provider(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
}
