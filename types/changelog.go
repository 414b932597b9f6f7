package types

import (
	"fmt"

	"github.com/compresslabs/treemirror/common"
)

// PathNode is one node of a changelog path as emitted by the tree program.
// Index uses 1-based complete-binary-tree addressing over the full tree, so
// the root is always index 1 and a leaf at position p of a depth-d tree is
// (1<<d)+p.
type PathNode struct {
	Hash  common.Hash `json:"node"`
	Index uint32      `json:"index"`
}

// ChangeLogEntry is a sequence-numbered snapshot of one update's leaf-to-root
// path, observed either live from the log subscription or during backfill.
// Sequence numbers are assigned by the chain; the mirror never invents them.
type ChangeLogEntry struct {
	TreeID common.Hash `json:"treeId"`
	Path   []PathNode  `json:"path"` // leaf first, root last
	Seq    uint64      `json:"seq"`
	Slot   uint64      `json:"slot"`
	TxID   string      `json:"txId"`
}

// Leaf returns the leaf node of the path.
func (e *ChangeLogEntry) Leaf() (PathNode, error) {
	if len(e.Path) == 0 {
		return PathNode{}, fmt.Errorf("changelog seq %d has empty path", e.Seq)
	}
	return e.Path[0], nil
}

// Root returns the root node of the path.
func (e *ChangeLogEntry) Root() (PathNode, error) {
	if len(e.Path) == 0 {
		return PathNode{}, fmt.Errorf("changelog seq %d has empty path", e.Seq)
	}
	root := e.Path[len(e.Path)-1]
	if root.Index != 1 {
		return PathNode{}, fmt.Errorf("changelog seq %d path does not end at the root (index %d)", e.Seq, root.Index)
	}
	return root, nil
}

// Depth returns the tree depth implied by the path length.
func (e *ChangeLogEntry) Depth() uint8 {
	if len(e.Path) == 0 {
		return 0
	}
	return uint8(len(e.Path) - 1)
}

// Level returns the level of the path node at position i (leaf is level 0).
func (e *ChangeLogEntry) Level(i int) uint8 {
	return uint8(i)
}
