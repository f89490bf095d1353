package merkle

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"
)

var calcHashes = func(txs []string) [][]byte {
	hashes := make([][]byte, 0)
	for _, tx := range txs {
		hash := sha3.Sum256([]byte(tx))
		hashes = append(hashes, hash[:])
	}
	return hashes
}

func TestMerkleProof(t *testing.T) {
	for _, txs := range [][]string{
		{"1"},
		{"1", "2"},
		{"1", "2", "3"},
		{"1", "2", "3", "4", "5", "6", "7", "8", "9"},
	} {
		hashes := calcHashes(txs)
		tree := Build(hashes)
		require.NotEmpty(t, tree.Root)

		for _, hash := range hashes {
			proof, err := tree.Proof(hash)
			require.NoError(t, err)
			require.True(t, Verify(hash, tree.Root, proof), txs)
		}
	}
}

func TestMerkleTreeSorted(t *testing.T) {
	tree01 := Build(calcHashes([]string{"1", "2", "3", "4", "5"}))
	tree02 := Build(calcHashes([]string{"1", "5", "3", "4", "2"}))
	require.Equal(t, tree01.Root, tree02.Root)

	tree03 := Build(calcHashes([]string{"1", "2", "3", "4", "6"}))
	require.NotEqual(t, tree01.Root, tree03.Root)
}

func TestMerkleInvalid(t *testing.T) {
	tree := Build(nil)
	require.Nil(t, tree.Root)
	_, err := tree.Proof([]byte("x"))
	require.ErrorIs(t, err, ErrNotLeaf)

	hashes := calcHashes([]string{"1", "2", "3"})
	tree = Build(hashes)
	_, err = tree.Proof(calcHashes([]string{"4"})[0])
	require.ErrorIs(t, err, ErrNotLeaf)

	proof, err := tree.Proof(hashes[0])
	require.NoError(t, err)
	require.False(t, Verify(calcHashes([]string{"4"})[0], tree.Root, proof))
	require.False(t, Verify(hashes[0], nil, proof))
}
