// Package merkle implements the flat in-order binary tree that backs every
// feed, plus the signed heads and inclusion proofs replicas exchange.
//
// Leaves sit at even indexes: block i is node 2*i. A node at depth d and
// offset o has index (o << (d+1)) | ((1 << d) - 1).
package merkle

import "math/bits"

// Index returns the flat index of the node at depth and offset.
func Index(depth, offset uint64) uint64 {
	return (offset << (depth + 1)) | ((1 << depth) - 1)
}

// Depth returns the number of levels above the leaves.
func Depth(index uint64) uint64 {
	return uint64(bits.TrailingZeros64(^index))
}

// Offset returns the position of the node within its level.
func Offset(index uint64) uint64 {
	return index >> (Depth(index) + 1)
}

// Parent returns the index of the node's parent.
func Parent(index uint64) uint64 {
	d := Depth(index)
	return Index(d+1, Offset(index)>>1)
}

// Sibling returns the index of the other child of the node's parent.
func Sibling(index uint64) uint64 {
	d := Depth(index)
	return Index(d, Offset(index)^1)
}

// IsLeft reports whether the node is a left child.
func IsLeft(index uint64) bool {
	return Offset(index)&1 == 0
}

// Children returns the two children of index. Leaves have none.
func Children(index uint64) (left, right uint64, ok bool) {
	d := Depth(index)
	if d == 0 {
		return 0, 0, false
	}
	o := Offset(index)
	return Index(d-1, o*2), Index(d-1, o*2+1), true
}

// Span returns the first and last leaf node indexes covered by index.
func Span(index uint64) (left, right uint64) {
	d := Depth(index)
	o := Offset(index)
	width := uint64(1) << (d + 1)
	return o * width, (o+1)*width - 2
}

// Leaves returns the number of blocks covered by index.
func Leaves(index uint64) uint64 {
	return uint64(1) << Depth(index)
}

// FullRoots returns, left to right, the indexes of the perfect subtrees
// that together cover blocks [0, length).
func FullRoots(length uint64) []uint64 {
	var roots []uint64
	var offset uint64
	for length > 0 {
		factor := uint64(1) << (63 - bits.LeadingZeros64(length))
		roots = append(roots, offset+factor-1)
		offset += 2 * factor
		length -= factor
	}
	return roots
}
