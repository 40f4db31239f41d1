package zkp

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shieldpool/pkg/types"
)

func newTestNullifierTree(t *testing.T, store IndexedLeafStore, depth int) *NullifierTree {
	t.Helper()
	tree, err := NewNullifierTree(store, depth)
	require.NoError(t, err)
	return tree
}

// walk follows the linked list from the sentinel and returns the values in order
func walk(t *testing.T, tree *NullifierTree) []types.Hash {
	t.Helper()
	var values []types.Hash
	leaf, err := tree.Leaf(0)
	require.NoError(t, err)
	for leaf.NextIndex != 0 {
		next, err := tree.Leaf(leaf.NextIndex)
		require.NoError(t, err)
		require.Equal(t, leaf.NextValue, next.Value)
		values = append(values, next.Value)
		leaf = next
	}
	require.True(t, leaf.NextValue.IsEmpty())
	return values
}

func TestNullifierTreeInitialState(t *testing.T) {
	tree := newTestNullifierTree(t, nil, 4)

	assert.Equal(t, uint64(1), tree.Size())
	sentinel, err := tree.Leaf(0)
	require.NoError(t, err)
	assert.Equal(t, IndexedLeaf{}, sentinel)

	zeros := zeroHashes(4)
	assert.Equal(t, merkleRoot([]types.Hash{IndexedLeaf{}.Hash()}, 4, zeros), tree.GetRoot())
}

func TestNullifierTreeBatchInsertKeepsSortedLinks(t *testing.T) {
	ctx := context.Background()
	tree := newTestNullifierTree(t, nil, 5)

	_, err := tree.BatchInsert(ctx, []types.Hash{
		types.HashFromUint64(30),
		types.HashFromUint64(10),
		types.HashFromUint64(20),
	})
	require.NoError(t, err)
	_, err = tree.BatchInsert(ctx, []types.Hash{
		types.HashFromUint64(5),
		types.HashFromUint64(25),
		types.HashFromUint64(40),
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(7), tree.Size())
	assert.Equal(t, []types.Hash{
		types.HashFromUint64(5),
		types.HashFromUint64(10),
		types.HashFromUint64(20),
		types.HashFromUint64(25),
		types.HashFromUint64(30),
		types.HashFromUint64(40),
	}, walk(t, tree))

	// leaves are appended in insertion order
	leaf, err := tree.Leaf(1)
	require.NoError(t, err)
	assert.Equal(t, types.HashFromUint64(30), leaf.Value)

	for _, v := range []uint64{5, 10, 20, 25, 30, 40} {
		assert.True(t, tree.Contains(types.HashFromUint64(v)))
	}
	assert.False(t, tree.Contains(types.HashFromUint64(15)))
}

func TestNullifierTreeRootMatchesLeafHashes(t *testing.T) {
	ctx := context.Background()
	tree := newTestNullifierTree(t, nil, 4)

	root, err := tree.BatchInsert(ctx, []types.Hash{types.HashFromUint64(7), types.HashFromUint64(3)})
	require.NoError(t, err)
	assert.Equal(t, root, tree.GetRoot())

	sentinel := IndexedLeaf{Value: types.EmptyHash, NextValue: types.HashFromUint64(3), NextIndex: 2}
	seven := IndexedLeaf{Value: types.HashFromUint64(7)}
	three := IndexedLeaf{Value: types.HashFromUint64(3), NextValue: types.HashFromUint64(7), NextIndex: 1}

	want := merkleRoot([]types.Hash{sentinel.Hash(), seven.Hash(), three.Hash()}, 4, zeroHashes(4))
	assert.Equal(t, want, root)

	path, err := tree.GetSiblingPath(2)
	require.NoError(t, err)
	assert.Equal(t, root, path.ComputeRoot(three.Hash()))
}

func TestNullifierTreeDuplicateAgainstTree(t *testing.T) {
	ctx := context.Background()
	tree := newTestNullifierTree(t, nil, 4)

	_, err := tree.BatchInsert(ctx, []types.Hash{types.HashFromUint64(9)})
	require.NoError(t, err)
	root := tree.GetRoot()
	size := tree.Size()

	_, err = tree.BatchInsert(ctx, []types.Hash{types.HashFromUint64(4), types.HashFromUint64(9)})
	require.ErrorIs(t, err, ErrDuplicateNullifier)

	var dup *DuplicateNullifierError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, types.HashFromUint64(9), dup.Nullifier)
	assert.Equal(t, 1, dup.Position)
	assert.False(t, dup.InBatch)

	// nothing from the failed batch was applied
	assert.Equal(t, root, tree.GetRoot())
	assert.Equal(t, size, tree.Size())
	assert.False(t, tree.Contains(types.HashFromUint64(4)))
}

func TestNullifierTreeDuplicateWithinBatch(t *testing.T) {
	ctx := context.Background()
	tree := newTestNullifierTree(t, nil, 4)
	root := tree.GetRoot()

	_, err := tree.BatchInsert(ctx, []types.Hash{
		types.HashFromUint64(1),
		types.HashFromUint64(2),
		types.HashFromUint64(1),
	})

	var dup *DuplicateNullifierError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, 2, dup.Position)
	assert.True(t, dup.InBatch)
	assert.Equal(t, root, tree.GetRoot())
	assert.Equal(t, uint64(1), tree.Size())
}

func TestNullifierTreeZeroIsDuplicate(t *testing.T) {
	tree := newTestNullifierTree(t, nil, 4)

	_, err := tree.BatchInsert(context.Background(), []types.Hash{types.EmptyHash})
	assert.ErrorIs(t, err, ErrDuplicateNullifier)
	assert.True(t, tree.Contains(types.EmptyHash))
}

func TestNullifierTreeCheckBatch(t *testing.T) {
	ctx := context.Background()
	tree := newTestNullifierTree(t, nil, 4)

	_, err := tree.BatchInsert(ctx, []types.Hash{types.HashFromUint64(5)})
	require.NoError(t, err)

	assert.NoError(t, tree.CheckBatch([]types.Hash{types.HashFromUint64(6)}))
	assert.ErrorIs(t, tree.CheckBatch([]types.Hash{types.HashFromUint64(5)}), ErrDuplicateNullifier)
	assert.False(t, tree.Contains(types.HashFromUint64(6)))
}

func TestNullifierTreeRejectsNonCanonical(t *testing.T) {
	ctx := context.Background()
	tree := newTestNullifierTree(t, nil, 4)

	// p+5 reduces to 5
	wrapped := types.HashFromBytes(new(big.Int).Add(fr.Modulus(), big.NewInt(5)).FillBytes(make([]byte, types.HashSize)))
	require.Equal(t, types.HashFromUint64(5), Reduce(wrapped))

	before := tree.GetRoot()
	_, err := tree.BatchInsert(ctx, []types.Hash{types.HashFromUint64(6), wrapped})
	require.ErrorIs(t, err, ErrInvalidNullifier)

	var invalid *InvalidNullifierError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, 1, invalid.Position)
	assert.Equal(t, wrapped, invalid.Nullifier)
	assert.Equal(t, before, tree.GetRoot())
	assert.False(t, tree.Contains(types.HashFromUint64(6)))

	assert.ErrorIs(t, tree.CheckBatch([]types.Hash{wrapped}), ErrInvalidNullifier)

	_, err = tree.BatchInsert(ctx, []types.Hash{types.HashFromUint64(5)})
	require.NoError(t, err)
	_, err = tree.BatchInsert(ctx, []types.Hash{wrapped})
	assert.ErrorIs(t, err, ErrInvalidNullifier)
	assert.Equal(t, uint64(2), tree.Size())
}

func TestNullifierTreeGetLowLeaf(t *testing.T) {
	ctx := context.Background()
	tree := newTestNullifierTree(t, nil, 4)

	_, err := tree.BatchInsert(ctx, []types.Hash{types.HashFromUint64(10), types.HashFromUint64(20)})
	require.NoError(t, err)

	w, err := tree.GetLowLeaf(types.HashFromUint64(15))
	require.NoError(t, err)
	assert.Equal(t, types.HashFromUint64(10), w.Leaf.Value)
	assert.Equal(t, types.HashFromUint64(20), w.Leaf.NextValue)
	assert.Equal(t, tree.GetRoot(), w.Path.ComputeRoot(w.Leaf.Hash()))

	// above the maximum the low leaf is the last one
	w, err = tree.GetLowLeaf(types.HashFromUint64(99))
	require.NoError(t, err)
	assert.Equal(t, types.HashFromUint64(20), w.Leaf.Value)
	assert.True(t, w.Leaf.NextValue.IsEmpty())

	_, err = tree.GetLowLeaf(types.HashFromUint64(20))
	assert.ErrorIs(t, err, ErrNullifierExists)
}

func TestNullifierTreeFull(t *testing.T) {
	ctx := context.Background()
	tree := newTestNullifierTree(t, nil, 2)

	// the sentinel takes one of the four slots
	_, err := tree.BatchInsert(ctx, []types.Hash{
		types.HashFromUint64(1), types.HashFromUint64(2), types.HashFromUint64(3), types.HashFromUint64(4),
	})
	assert.ErrorIs(t, err, ErrTreeFull)
	assert.Equal(t, uint64(1), tree.Size())

	_, err = tree.BatchInsert(ctx, []types.Hash{
		types.HashFromUint64(1), types.HashFromUint64(2), types.HashFromUint64(3),
	})
	require.NoError(t, err)
}

type failingIndexedStore struct {
	*InMemoryIndexedLeafStore
	fail bool
}

func (s *failingIndexedStore) PutIndexedLeaves(ctx context.Context, leaves map[uint64]IndexedLeaf) error {
	if s.fail {
		return errors.New("connection reset")
	}
	return s.InMemoryIndexedLeafStore.PutIndexedLeaves(ctx, leaves)
}

func TestNullifierTreeStoreFailureIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := &failingIndexedStore{InMemoryIndexedLeafStore: NewInMemoryIndexedLeafStore(), fail: true}
	tree := newTestNullifierTree(t, store, 4)
	root := tree.GetRoot()

	_, err := tree.BatchInsert(ctx, []types.Hash{types.HashFromUint64(1)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateNullifier)
	assert.Equal(t, root, tree.GetRoot())
	assert.False(t, tree.Contains(types.HashFromUint64(1)))
}

func TestNullifierTreeRestore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryIndexedLeafStore()
	tree := newTestNullifierTree(t, store, 5)

	_, err := tree.BatchInsert(ctx, []types.Hash{types.HashFromUint64(8), types.HashFromUint64(2)})
	require.NoError(t, err)
	_, err = tree.BatchInsert(ctx, []types.Hash{types.HashFromUint64(5)})
	require.NoError(t, err)

	restored := newTestNullifierTree(t, store, 5)
	require.NoError(t, restored.Restore(ctx))

	assert.Equal(t, tree.GetRoot(), restored.GetRoot())
	assert.Equal(t, walk(t, tree), walk(t, restored))

	// the restored tree keeps detecting duplicates
	_, err = restored.BatchInsert(ctx, []types.Hash{types.HashFromUint64(2)})
	assert.ErrorIs(t, err, ErrDuplicateNullifier)
}

func TestNullifierTreeRestoreRejectsBrokenLinks(t *testing.T) {
	tree := newTestNullifierTree(t, nil, 4)

	err := tree.RestoreLeaves([]IndexedLeaf{
		{NextValue: types.HashFromUint64(3), NextIndex: 1},
		{Value: types.HashFromUint64(3), NextValue: types.HashFromUint64(9), NextIndex: 0},
	})
	assert.ErrorIs(t, err, ErrCorruptTree)

	err = tree.RestoreLeaves([]IndexedLeaf{{Value: types.HashFromUint64(1)}})
	assert.ErrorIs(t, err, ErrCorruptTree)

	require.NoError(t, tree.RestoreLeaves(nil))
	assert.Equal(t, uint64(1), tree.Size())
}
