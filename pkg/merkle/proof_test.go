package merkle

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdheller/hyperdrive/pkg/crypto"
)

type memTree map[uint64]Node

func (m memTree) get(index uint64) (Node, error) {
	n, ok := m[index]
	if !ok {
		return Node{}, fmt.Errorf("node %d not found", index)
	}
	return n, nil
}

func buildTree(t *testing.T, p crypto.Provider, blocks [][]byte) memTree {
	t.Helper()
	tree := memTree{}
	for i, b := range blocks {
		nodes, err := AppendNodes(p, tree.get, uint64(i), b)
		require.NoError(t, err)
		for _, n := range nodes {
			tree[n.Index] = n
		}
	}
	return tree
}

func blocks(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("block-%d", i))
	}
	return out
}

func TestSignAndVerifyHead(t *testing.T) {
	p := crypto.NewDefaultProvider()
	pub, sec, err := p.GenerateKeyPair()
	require.NoError(t, err)

	data := blocks(5)
	tree := buildTree(t, p, data)
	roots, err := Roots(tree.get, 5)
	require.NoError(t, err)

	head, err := SignHead(p, "metadata", sec, 5, roots)
	require.NoError(t, err)
	assert.NoError(t, VerifyHead(p, "metadata", pub, &head))

	var total uint64
	for _, b := range data {
		total += uint64(len(b))
	}
	assert.Equal(t, total, head.ByteLength())

	// The same signature must not validate for the other feed name.
	assert.ErrorIs(t, VerifyHead(p, "content", pub, &head), ErrInvalidSignature)

	tampered := head
	tampered.Length = 4
	assert.ErrorIs(t, VerifyHead(p, "metadata", pub, &tampered), ErrInvalidHead)

	empty, err := SignHead(p, "content", sec, 0, nil)
	require.NoError(t, err)
	assert.NoError(t, VerifyHead(p, "content", pub, &empty))
}

func TestProofRoundTrip(t *testing.T) {
	p := crypto.NewBlake3Provider()
	_, sec, err := p.GenerateKeyPair()
	require.NoError(t, err)

	for _, length := range []int{1, 2, 3, 7, 8, 13} {
		data := blocks(length)
		tree := buildTree(t, p, data)
		roots, err := Roots(tree.get, uint64(length))
		require.NoError(t, err)
		head, err := SignHead(p, "content", sec, uint64(length), roots)
		require.NoError(t, err)

		for i := range data {
			proof, err := BuildProof(tree.get, uint64(i), head)
			require.NoError(t, err, "length %d block %d", length, i)

			trusted, err := VerifyProof(p, data[i], proof)
			require.NoError(t, err, "length %d block %d", length, i)
			for _, n := range trusted {
				assert.Equal(t, tree[n.Index], n)
			}

			_, err = VerifyProof(p, []byte("forged"), proof)
			assert.True(t, errors.Is(err, ErrInvalidProof), "forged block %d accepted", i)
		}
	}
}

func TestProofRejectsBadShape(t *testing.T) {
	p := crypto.NewDefaultProvider()
	_, sec, _ := p.GenerateKeyPair()
	data := blocks(4)
	tree := buildTree(t, p, data)
	roots, _ := Roots(tree.get, 4)
	head, err := SignHead(p, "content", sec, 4, roots)
	require.NoError(t, err)

	_, err = BuildProof(tree.get, 4, head)
	assert.ErrorIs(t, err, ErrInvalidProof)

	proof, err := BuildProof(tree.get, 1, head)
	require.NoError(t, err)
	proof.Nodes[0], proof.Nodes[1] = proof.Nodes[1], proof.Nodes[0]
	_, err = VerifyProof(p, data[1], proof)
	assert.ErrorIs(t, err, ErrInvalidProof)

	_, err = VerifyProof(p, data[0], nil)
	assert.ErrorIs(t, err, ErrInvalidProof)
}
