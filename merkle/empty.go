package merkle

import (
	"github.com/compresslabs/treemirror/common"
)

// EmptyNodeCache memoizes the deterministic "default" hash for each level of
// a tree configuration. Level 0 is 32 zero bytes; level n is
// Keccak256(empty(n-1) || empty(n-1)). The cache is owned by whoever owns the
// tree configuration, it is not process-global.
type EmptyNodeCache struct {
	levels []common.Hash
}

// NewEmptyNodeCache precomputes the empty hash for levels 0..maxLevel.
func NewEmptyNodeCache(maxLevel uint8) *EmptyNodeCache {
	levels := make([]common.Hash, int(maxLevel)+1)
	for i := 1; i <= int(maxLevel); i++ {
		levels[i] = common.Keccak256Pair(levels[i-1], levels[i-1])
	}
	return &EmptyNodeCache{levels: levels}
}

// Get returns the empty hash for the given level. Levels beyond the
// precomputed range are derived on the fly without mutating the cache, so a
// shared cache stays read-only after construction.
func (c *EmptyNodeCache) Get(level uint8) common.Hash {
	if int(level) < len(c.levels) {
		return c.levels[level]
	}
	h := c.levels[len(c.levels)-1]
	for i := len(c.levels) - 1; i < int(level); i++ {
		h = common.Keccak256Pair(h, h)
	}
	return h
}

// MaxLevel returns the highest precomputed level.
func (c *EmptyNodeCache) MaxLevel() uint8 {
	return uint8(len(c.levels) - 1)
}
