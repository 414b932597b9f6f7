package types

import (
	"github.com/compresslabs/treemirror/common"
)

// LeafSchema is the current metadata of one leaf, keyed by nonce. Unlike node
// rows, which are append-only history, leaf schemas are upserted in place:
// the latest observation for a nonce wins.
type LeafSchema struct {
	Nonce       uint64      `json:"nonce"`
	Owner       common.Hash `json:"owner"`
	Delegate    common.Hash `json:"delegate"`
	DataHash    common.Hash `json:"dataHash"`
	CreatorHash common.Hash `json:"creatorHash"`
	LeafHash    common.Hash `json:"leafHash"`
}

// LeafSchemaEvent pairs a leaf schema with the tree it belongs to, as decoded
// from program logs.
type LeafSchemaEvent struct {
	TreeID common.Hash `json:"treeId"`
	Schema LeafSchema  `json:"schema"`
}
