package merkle

import (
	"errors"
	"fmt"

	"github.com/compresslabs/treemirror/common"
)

var (
	ErrHashMismatch   = errors.New("node hash does not match recomputed child hash")
	ErrLeafOutOfRange = errors.New("leaf index out of range")
	ErrTooManyLeaves  = errors.New("leaf count exceeds tree capacity")
)

// Node is one position in the tree arena. Indices use 1-based
// complete-binary-tree addressing: parent = index/2, children are 2*index and
// 2*index+1. The same addressing is used by the persistence layer, so a node
// can move between the in-memory tree and the store without translation.
type Node struct {
	Index uint64      `json:"index"`
	Level uint8       `json:"level"`
	Hash  common.Hash `json:"hash"`
}

// Tree is an in-memory binary Merkle tree over an arena of index-addressed
// nodes. Position i of the arena holds the hash for tree index i; index 0 is
// unused. Every position is populated, with unused leaf slots carrying the
// deterministic empty hash for their level.
type Tree struct {
	depth  uint8
	leaves int
	nodes  []common.Hash
	empty  *EmptyNodeCache
}

func ceilLog2(n int) uint8 {
	d := uint8(0)
	for (1 << d) < n {
		d++
	}
	return d
}

// Build constructs a tree from the given leaves, inferring the smallest depth
// that holds them. Unused slots are padded with empty(0) so that every level
// hashes consistently with the on-chain padding rule.
func Build(leaves []common.Hash, cache *EmptyNodeCache) *Tree {
	t, _ := BuildWithDepth(leaves, ceilLog2(len(leaves)), cache)
	return t
}

// BuildWithDepth constructs a tree of a fixed depth (2^depth leaf slots).
func BuildWithDepth(leaves []common.Hash, depth uint8, cache *EmptyNodeCache) (*Tree, error) {
	capacity := uint64(1) << depth
	if uint64(len(leaves)) > capacity {
		return nil, fmt.Errorf("%w: %d leaves, capacity %d", ErrTooManyLeaves, len(leaves), capacity)
	}
	if cache == nil {
		cache = NewEmptyNodeCache(depth)
	}
	t := &Tree{
		depth:  depth,
		leaves: len(leaves),
		nodes:  make([]common.Hash, capacity*2),
		empty:  cache,
	}
	base := capacity
	for i, leaf := range leaves {
		t.nodes[base+uint64(i)] = leaf
	}
	for i := uint64(len(leaves)); i < capacity; i++ {
		t.nodes[base+i] = cache.Get(0)
	}
	for idx := base - 1; idx >= 1; idx-- {
		t.nodes[idx] = common.Keccak256Pair(t.nodes[2*idx], t.nodes[2*idx+1])
	}
	return t, nil
}

// Root returns the current root hash (arena index 1).
func (t *Tree) Root() common.Hash {
	return t.nodes[1]
}

func (t *Tree) Depth() uint8 {
	return t.depth
}

// LeafCount returns the number of real leaves the tree was built with.
func (t *Tree) LeafCount() int {
	return t.leaves
}

// Leaf returns the hash currently stored at the given leaf index.
func (t *Tree) Leaf(index uint64) (common.Hash, error) {
	if index >= uint64(1)<<t.depth {
		return common.Hash{}, fmt.Errorf("%w: %d", ErrLeafOutOfRange, index)
	}
	return t.nodes[(uint64(1)<<t.depth)+index], nil
}

// NodeAt returns the node stored at the given arena index.
func (t *Tree) NodeAt(idx uint64) (Node, error) {
	if idx < 1 || idx >= uint64(len(t.nodes)) {
		return Node{}, fmt.Errorf("%w: node index %d", ErrLeafOutOfRange, idx)
	}
	return Node{Index: idx, Level: t.levelOf(idx), Hash: t.nodes[idx]}, nil
}

func (t *Tree) levelOf(idx uint64) uint8 {
	h := uint8(0)
	for idx > 1 {
		idx >>= 1
		h++
	}
	return t.depth - h
}

// ProofOfLeaf walks from the leaf at the given index to the root, collecting
// the sibling hash at each level (leaf to root order). Each step defensively
// recomputes the parent from its two children; a disagreement with the stored
// parent is a structural corruption and fails with ErrHashMismatch.
func (t *Tree) ProofOfLeaf(index uint64) ([]common.Hash, error) {
	capacity := uint64(1) << t.depth
	if index >= capacity {
		return nil, fmt.Errorf("%w: %d", ErrLeafOutOfRange, index)
	}
	proof := make([]common.Hash, 0, t.depth)
	idx := capacity + index
	for idx > 1 {
		proof = append(proof, t.nodes[idx^1])
		parent := idx >> 1
		recomputed := common.Keccak256Pair(t.nodes[2*parent], t.nodes[2*parent+1])
		if recomputed != t.nodes[parent] {
			return nil, fmt.Errorf("%w: parent index %d", ErrHashMismatch, parent)
		}
		idx = parent
	}
	return proof, nil
}

// Update replaces the leaf hash at the given index and recomputes every
// ancestor in one upward pass. Returns the new root.
func (t *Tree) Update(index uint64, leaf common.Hash) (common.Hash, error) {
	capacity := uint64(1) << t.depth
	if index >= capacity {
		return common.Hash{}, fmt.Errorf("%w: %d", ErrLeafOutOfRange, index)
	}
	idx := capacity + index
	t.nodes[idx] = leaf
	for idx > 1 {
		parent := idx >> 1
		t.nodes[parent] = common.Keccak256Pair(t.nodes[2*parent], t.nodes[2*parent+1])
		idx = parent
	}
	return t.nodes[1], nil
}

// HashLeaves computes the root the same way Build does, without retaining any
// tree structure. Each level pads a trailing odd node with the empty hash for
// that level. Byte-identical to Build(leaves, cache).Root().
func HashLeaves(leaves []common.Hash, cache *EmptyNodeCache) common.Hash {
	if cache == nil {
		cache = NewEmptyNodeCache(ceilLog2(len(leaves)))
	}
	if len(leaves) == 0 {
		return cache.Get(0)
	}
	working := make([]common.Hash, len(leaves))
	copy(working, leaves)
	level := uint8(0)
	for len(working) > 1 {
		out := make([]common.Hash, 0, (len(working)+1)/2)
		for j := 0; j < len(working); j += 2 {
			right := cache.Get(level)
			if j+1 < len(working) {
				right = working[j+1]
			}
			out = append(out, common.Keccak256Pair(working[j], right))
		}
		working = out
		level++
	}
	return working[0]
}

// CheckProof rebuilds the root from a leaf and its sibling path. The
// concatenation order at level i is selected by bit i of the leaf index:
// bit 0 means the current accumulator is the left child, bit 1 the right.
func CheckProof(index uint64, root common.Hash, leaf common.Hash, proof []common.Hash) bool {
	node := leaf
	for i, sibling := range proof {
		if (index>>uint(i))&1 == 0 {
			node = common.Keccak256Pair(node, sibling)
		} else {
			node = common.Keccak256Pair(sibling, node)
		}
	}
	return node == root
}
