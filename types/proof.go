package types

import (
	"github.com/compresslabs/treemirror/common"
)

// Proof carries everything a client needs to check membership of a leaf:
// the sibling hashes from the leaf up to the root, plus the leaf schema
// fields when the leaf is known to the mirror.
type Proof struct {
	LeafHash  common.Hash   `json:"leafHash"`
	Root      common.Hash   `json:"root"`
	Siblings  []common.Hash `json:"proofNodes"` // leaf to root order
	LeafIndex uint64        `json:"leafIndex"`  // 0-based position among the leaves
	NodeIndex uint64        `json:"nodeIndex"`  // arena index of the leaf
	Schema    *LeafSchema   `json:"schema,omitempty"`
}

// TreeHeader is the authoritative on-chain account state of one tree, read
// directly rather than replayed: the chain-side sequence number is the
// backfiller's upper reconciliation bound.
type TreeHeader struct {
	MaxBufferSize uint32      `json:"maxBufferSize"`
	MaxDepth      uint32      `json:"maxDepth"`
	Authority     common.Hash `json:"authority"`
	CreationSlot  uint64      `json:"creationSlot"`
	Sequence      uint64      `json:"sequence"`
}
