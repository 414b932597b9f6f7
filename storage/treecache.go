package storage

import (
	"fmt"

	"github.com/compresslabs/treemirror/common"
	"github.com/compresslabs/treemirror/merkle"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultTreeCacheSize = 8

// treeCache keeps recently rebuilt in-memory trees so repeated proof or
// validation queries against an unchanged mirror don't re-read every leaf row.
// Entries are invalidated whenever a changelog lands for the tree.
type treeCache struct {
	cache *lru.Cache[common.Hash, *cachedTree]
}

type cachedTree struct {
	maxSeq uint64
	tree   *merkle.Tree
}

func newTreeCache(size int) *treeCache {
	cache, err := lru.New[common.Hash, *cachedTree](size)
	if err != nil {
		// lru.New only fails on a non-positive size
		panic(fmt.Sprintf("tree cache: %v", err))
	}
	return &treeCache{cache: cache}
}

func (tc *treeCache) get(treeID common.Hash, maxSeq uint64) (*merkle.Tree, bool) {
	entry, ok := tc.cache.Get(treeID)
	if !ok || entry.maxSeq != maxSeq {
		return nil, false
	}
	return entry.tree, true
}

func (tc *treeCache) put(treeID common.Hash, maxSeq uint64, tree *merkle.Tree) {
	tc.cache.Add(treeID, &cachedTree{maxSeq: maxSeq, tree: tree})
}

func (tc *treeCache) invalidate(treeID common.Hash) {
	tc.cache.Remove(treeID)
}

// Snapshot rebuilds the tree from the max-seq leaf rows, padding unrecorded
// leaf slots with the empty hash. The result is cached until the next
// changelog for the tree lands.
func (ms *MirrorStore) Snapshot(treeID common.Hash, depth uint8) (*merkle.Tree, error) {
	maxSeq, _, _, err := ms.MaxSequence(treeID)
	if err != nil {
		return nil, err
	}
	if tree, ok := ms.trees.get(treeID, maxSeq); ok {
		return tree, nil
	}

	cache := ms.emptyCache(depth)
	leafBase := uint64(1) << depth
	leaves := make([]common.Hash, leafBase)
	for i := uint64(0); i < leafBase; i++ {
		row, found, err := ms.MaxSeqNode(treeID, leafBase+i)
		if err != nil {
			return nil, err
		}
		if found {
			leaves[i] = row.Hash
		} else {
			leaves[i] = cache.Get(0)
		}
	}
	tree, err := merkle.BuildWithDepth(leaves, depth, cache)
	if err != nil {
		return nil, err
	}
	ms.trees.put(treeID, maxSeq, tree)
	return tree, nil
}
