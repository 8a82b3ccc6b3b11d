package merkle

import (
	"fmt"

	"github.com/mdheller/hyperdrive/pkg/crypto"
)

// Proof ties one block to a signed head through its uncle path.
type Proof struct {
	Index uint64 `cbor:"1,keyasint" json:"index"`
	Nodes []Node `cbor:"2,keyasint" json:"nodes"`
	Head  Head   `cbor:"3,keyasint" json:"head"`
}

// NodeGetter loads a stored tree node.
type NodeGetter func(index uint64) (Node, error)

// AppendNodes returns the leaf for block index and every parent that
// becomes complete once it is added. get must resolve earlier nodes.
func AppendNodes(p crypto.Provider, get NodeGetter, index uint64, data []byte) ([]Node, error) {
	cur := LeafNode(p, index, data)
	nodes := []Node{cur}
	for !IsLeft(cur.Index) {
		left, err := get(Sibling(cur.Index))
		if err != nil {
			return nil, fmt.Errorf("loading node %d: %w", Sibling(cur.Index), err)
		}
		cur = ParentNode(p, left, cur)
		nodes = append(nodes, cur)
	}
	return nodes, nil
}

// Roots loads the root nodes for a feed of the given length.
func Roots(get NodeGetter, length uint64) ([]Node, error) {
	idx := FullRoots(length)
	roots := make([]Node, 0, len(idx))
	for _, i := range idx {
		n, err := get(i)
		if err != nil {
			return nil, fmt.Errorf("loading root %d: %w", i, err)
		}
		roots = append(roots, n)
	}
	return roots, nil
}

// BuildProof collects the uncle path from block index up to the root that
// covers it in head.
func BuildProof(get NodeGetter, index uint64, head Head) (*Proof, error) {
	if index >= head.Length {
		return nil, fmt.Errorf("%w: block %d beyond length %d", ErrInvalidProof, index, head.Length)
	}
	roots := make(map[uint64]struct{}, len(head.Roots))
	for i := range head.Roots {
		roots[head.Roots[i].Index] = struct{}{}
	}
	proof := &Proof{Index: index, Head: head}
	cur := 2 * index
	for {
		if _, ok := roots[cur]; ok {
			return proof, nil
		}
		n, err := get(Sibling(cur))
		if err != nil {
			return nil, fmt.Errorf("loading node %d: %w", Sibling(cur), err)
		}
		proof.Nodes = append(proof.Nodes, n)
		cur = Parent(cur)
	}
}

// VerifyProof checks that data is block proof.Index of the feed whose head
// the proof carries. The head signature must be checked separately with
// VerifyHead. On success it returns every node the proof establishes,
// leaf first.
func VerifyProof(p crypto.Provider, data []byte, proof *Proof) ([]Node, error) {
	if proof == nil {
		return nil, fmt.Errorf("%w: missing", ErrInvalidProof)
	}
	if proof.Index >= proof.Head.Length {
		return nil, fmt.Errorf("%w: block %d beyond length %d", ErrInvalidProof, proof.Index, proof.Head.Length)
	}
	cur := LeafNode(p, proof.Index, data)
	trusted := make([]Node, 0, 2*len(proof.Nodes)+1)
	trusted = append(trusted, cur)
	for _, n := range proof.Nodes {
		if n.Index != Sibling(cur.Index) {
			return nil, fmt.Errorf("%w: node %d is not the sibling of %d", ErrInvalidProof, n.Index, cur.Index)
		}
		if IsLeft(cur.Index) {
			cur = ParentNode(p, cur, n)
		} else {
			cur = ParentNode(p, n, cur)
		}
		trusted = append(trusted, n, cur)
	}
	for i := range proof.Head.Roots {
		root := proof.Head.Roots[i]
		if root.Index != cur.Index {
			continue
		}
		if root.Hash != cur.Hash || root.Size != cur.Size {
			return nil, fmt.Errorf("%w: root %d mismatch", ErrInvalidProof, root.Index)
		}
		return trusted, nil
	}
	return nil, fmt.Errorf("%w: path ends at %d which is not a root", ErrInvalidProof, cur.Index)
}
