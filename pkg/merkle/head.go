package merkle

import (
	"errors"
	"fmt"

	"github.com/mdheller/hyperdrive/pkg/crypto"
)

var (
	ErrInvalidSignature = errors.New("invalid head signature")
	ErrInvalidHead      = errors.New("invalid head")
	ErrInvalidProof     = errors.New("invalid proof")
)

// Head is the signed summary of a feed at some length.
type Head struct {
	Length    uint64 `cbor:"1,keyasint" json:"length"`
	Roots     []Node `cbor:"2,keyasint" json:"roots"`
	Signature []byte `cbor:"3,keyasint" json:"signature"`
}

// ByteLength returns the total size of the data the head covers.
func (h *Head) ByteLength() uint64 {
	var n uint64
	for i := range h.Roots {
		n += h.Roots[i].Size
	}
	return n
}

// signable is what the writer signs. name separates the metadata and
// content feeds, which share a keypair.
func signable(p crypto.Provider, name string, length uint64, roots []Node) []byte {
	rh := RootsHash(p, roots)
	buf := make([]byte, 0, len("hyperdrive/head/")+len(name)+1+8+len(rh))
	buf = append(buf, "hyperdrive/head/"...)
	buf = append(buf, name...)
	buf = append(buf, 0)
	buf = append(buf, uint64Bytes(length)...)
	buf = append(buf, rh[:]...)
	return buf
}

// SignHead signs the roots for a feed of the given length.
func SignHead(p crypto.Provider, name string, secret crypto.SecretKey, length uint64, roots []Node) (Head, error) {
	if err := checkRoots(length, roots); err != nil {
		return Head{}, err
	}
	sig, err := p.Sign(secret, signable(p, name, length, roots))
	if err != nil {
		return Head{}, fmt.Errorf("signing %s head: %w", name, err)
	}
	return Head{Length: length, Roots: append([]Node(nil), roots...), Signature: sig}, nil
}

// VerifyHead checks the head's shape and signature.
func VerifyHead(p crypto.Provider, name string, key crypto.PublicKey, h *Head) error {
	if h == nil {
		return fmt.Errorf("%w: missing", ErrInvalidHead)
	}
	if err := checkRoots(h.Length, h.Roots); err != nil {
		return err
	}
	if !p.Verify(key, signable(p, name, h.Length, h.Roots), h.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

func checkRoots(length uint64, roots []Node) error {
	want := FullRoots(length)
	if len(want) != len(roots) {
		return fmt.Errorf("%w: %d roots for length %d, want %d", ErrInvalidHead, len(roots), length, len(want))
	}
	for i, idx := range want {
		if roots[i].Index != idx {
			return fmt.Errorf("%w: root %d has index %d, want %d", ErrInvalidHead, i, roots[i].Index, idx)
		}
	}
	return nil
}
