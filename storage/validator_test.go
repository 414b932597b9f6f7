package storage

import (
	"testing"

	"github.com/compresslabs/treemirror/common"
	"github.com/compresslabs/treemirror/merkle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
)

func putNodeRow(t *testing.T, ms *MirrorStore, nodeIdx uint64, seq uint64, level uint8, hash common.Hash) {
	t.Helper()
	batch := new(leveldb.Batch)
	batch.Put(nodeKey(testTreeID, nodeIdx, seq), encodeNodeRow(level, hash, 100, "tx"))
	require.NoError(t, ms.ps.Write(batch))
}

func TestValidateTree_ConsistentStore(t *testing.T) {
	ms := newTestStore(t)
	tree, err := merkle.BuildWithDepth(nil, 3, nil)
	require.NoError(t, err)

	for i := uint64(0); i < 5; i++ {
		entry := entryForUpdate(t, tree, i, leafHash(int(i)), i+1, 100+i, "tx")
		require.NoError(t, ms.ApplyChangeLog(entry))
	}

	mismatches, err := ms.ValidateTree(testTreeID, 3, ^uint64(0))
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestValidateTree_SkipsUnrecordedSubtrees(t *testing.T) {
	// rows for indices {1, 2, 4} only: index 3's subtree and leaves 5..8 are
	// unrecorded and must be skipped, not treated as corrupt
	ms := newTestStore(t)
	cache := merkle.NewEmptyNodeCache(3)

	h4 := cache.Get(1) // children 8,9 unrecorded, so 4 is at default state
	h2 := common.Keccak256Pair(h4, cache.Get(1))
	h1 := common.Keccak256Pair(h2, cache.Get(2))
	putNodeRow(t, ms, 4, 1, 1, h4)
	putNodeRow(t, ms, 2, 1, 2, h2)
	putNodeRow(t, ms, 1, 1, 3, h1)

	mismatches, err := ms.ValidateTree(testTreeID, 3, ^uint64(0))
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestValidateTree_ReportsCorruption(t *testing.T) {
	ms := newTestStore(t)
	cache := merkle.NewEmptyNodeCache(3)

	corrupt := common.Keccak256([]byte("corrupt"))
	h2 := common.Keccak256Pair(cache.Get(1), cache.Get(1))
	h1 := common.Keccak256Pair(h2, cache.Get(2))
	putNodeRow(t, ms, 4, 1, 1, corrupt) // disagrees with its parent
	putNodeRow(t, ms, 2, 1, 2, h2)
	putNodeRow(t, ms, 1, 1, 3, h1)

	mismatches, err := ms.ValidateTree(testTreeID, 3, ^uint64(0))
	require.NoError(t, err)
	require.Len(t, mismatches, 2)

	// index 2 expects H(corrupt, empty1), index 4 expects empty(1)
	indices := []uint64{mismatches[0].NodeIdx, mismatches[1].NodeIdx}
	assert.Contains(t, indices, uint64(2))
	assert.Contains(t, indices, uint64(4))
	for _, m := range mismatches {
		assert.NotEqual(t, m.Stored, m.Expected)
	}
}

func TestValidateTree_Idempotent(t *testing.T) {
	ms := newTestStore(t)
	tree, err := merkle.BuildWithDepth(nil, 3, nil)
	require.NoError(t, err)

	for i := uint64(0); i < 3; i++ {
		entry := entryForUpdate(t, tree, i, leafHash(int(i)), i+1, 100+i, "tx")
		require.NoError(t, ms.ApplyChangeLog(entry))
	}

	first, err := ms.ValidateTree(testTreeID, 3, ^uint64(0))
	require.NoError(t, err)
	second, err := ms.ValidateTree(testTreeID, 3, ^uint64(0))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestValidateTree_MaxSeqBound(t *testing.T) {
	ms := newTestStore(t)
	tree, err := merkle.BuildWithDepth(nil, 3, nil)
	require.NoError(t, err)

	entry := entryForUpdate(t, tree, 0, leafHash(0), 1, 100, "tx-1")
	require.NoError(t, ms.ApplyChangeLog(entry))

	// a later corrupt root row must be invisible below its sequence
	putNodeRow(t, ms, 1, 9, 3, common.Keccak256([]byte("future corruption")))

	mismatches, err := ms.ValidateTree(testTreeID, 3, 1)
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	mismatches, err = ms.ValidateTree(testTreeID, 3, 9)
	require.NoError(t, err)
	assert.NotEmpty(t, mismatches)
}
