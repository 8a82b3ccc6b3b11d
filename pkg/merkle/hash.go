package merkle

import (
	"encoding/binary"

	"github.com/mdheller/hyperdrive/pkg/crypto"
)

const (
	leafType   = 0x00
	parentType = 0x01
	rootType   = 0x02
)

// Node is a hashed tree node. Size is the byte length of the data below it.
type Node struct {
	Index uint64      `cbor:"1,keyasint" json:"index"`
	Hash  crypto.Hash `cbor:"2,keyasint" json:"hash"`
	Size  uint64      `cbor:"3,keyasint" json:"size"`
}

func uint64Bytes(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// LeafNode hashes block data into the leaf for block index.
func LeafNode(p crypto.Provider, index uint64, data []byte) Node {
	size := uint64(len(data))
	return Node{
		Index: 2 * index,
		Hash:  p.Hash([]byte{leafType}, uint64Bytes(size), data),
		Size:  size,
	}
}

// ParentNode combines two siblings. left must be the left child.
func ParentNode(p crypto.Provider, left, right Node) Node {
	size := left.Size + right.Size
	return Node{
		Index: Parent(left.Index),
		Hash:  p.Hash([]byte{parentType}, uint64Bytes(size), left.Hash[:], right.Hash[:]),
		Size:  size,
	}
}

// RootsHash digests an ordered root set.
func RootsHash(p crypto.Provider, roots []Node) crypto.Hash {
	parts := make([][]byte, 0, 1+3*len(roots))
	parts = append(parts, []byte{rootType})
	for i := range roots {
		parts = append(parts, roots[i].Hash[:], uint64Bytes(roots[i].Index), uint64Bytes(roots[i].Size))
	}
	return p.Hash(parts...)
}
