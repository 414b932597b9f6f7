package storage

import (
	"github.com/compresslabs/treemirror/common"
)

// Key layout. Tree ids are 32 bytes; integers are big-endian so LevelDB's
// key order matches numeric order. Node row keys invert the sequence number,
// which makes the first row under a (tree, nodeIdx) prefix the max-seq row.
//
//	m | treeID | nodeIdx | ^seq  -> level(1) | hash(32) | slot(8) | txID
//	s | treeID | seq             -> slot(8) | txID
//	l | treeID | nonce           -> LeafSchema JSON
//	h | treeID | leafHash | ^seq -> nodeIdx(8)
const (
	prefixNode     = 'm'
	prefixSeq      = 's'
	prefixLeaf     = 'l'
	prefixLeafHash = 'h'
)

func nodeKey(treeID common.Hash, nodeIdx uint64, seq uint64) []byte {
	key := make([]byte, 0, 1+32+8+8)
	key = append(key, prefixNode)
	key = append(key, treeID.Bytes()...)
	key = append(key, common.Uint64ToBytes(nodeIdx)...)
	key = append(key, common.Uint64ToBytes(^seq)...)
	return key
}

func nodePrefix(treeID common.Hash, nodeIdx uint64) []byte {
	key := make([]byte, 0, 1+32+8)
	key = append(key, prefixNode)
	key = append(key, treeID.Bytes()...)
	key = append(key, common.Uint64ToBytes(nodeIdx)...)
	return key
}

func seqKey(treeID common.Hash, seq uint64) []byte {
	key := make([]byte, 0, 1+32+8)
	key = append(key, prefixSeq)
	key = append(key, treeID.Bytes()...)
	key = append(key, common.Uint64ToBytes(seq)...)
	return key
}

func seqPrefix(treeID common.Hash) []byte {
	key := make([]byte, 0, 1+32)
	key = append(key, prefixSeq)
	key = append(key, treeID.Bytes()...)
	return key
}

func leafKey(treeID common.Hash, nonce uint64) []byte {
	key := make([]byte, 0, 1+32+8)
	key = append(key, prefixLeaf)
	key = append(key, treeID.Bytes()...)
	key = append(key, common.Uint64ToBytes(nonce)...)
	return key
}

func leafPrefix(treeID common.Hash) []byte {
	key := make([]byte, 0, 1+32)
	key = append(key, prefixLeaf)
	key = append(key, treeID.Bytes()...)
	return key
}

func leafHashKey(treeID common.Hash, leafHash common.Hash, seq uint64) []byte {
	key := make([]byte, 0, 1+32+32+8)
	key = append(key, prefixLeafHash)
	key = append(key, treeID.Bytes()...)
	key = append(key, leafHash.Bytes()...)
	key = append(key, common.Uint64ToBytes(^seq)...)
	return key
}

func leafHashPrefix(treeID common.Hash, leafHash common.Hash) []byte {
	key := make([]byte, 0, 1+32+32)
	key = append(key, prefixLeafHash)
	key = append(key, treeID.Bytes()...)
	key = append(key, leafHash.Bytes()...)
	return key
}

func encodeNodeRow(level uint8, hash common.Hash, slot uint64, txID string) []byte {
	val := make([]byte, 0, 1+32+8+len(txID))
	val = append(val, level)
	val = append(val, hash.Bytes()...)
	val = append(val, common.Uint64ToBytes(slot)...)
	val = append(val, txID...)
	return val
}

func decodeNodeRow(key []byte, val []byte) (row NodeRow, err error) {
	if len(key) != 1+32+8+8 || len(val) < 1+32+8 {
		return row, errMalformedRow
	}
	row.NodeIdx = common.BytesToUint64(key[1+32 : 1+32+8])
	row.Seq = ^common.BytesToUint64(key[1+32+8:])
	row.Level = val[0]
	row.Hash = common.BytesToHash(val[1 : 1+32])
	row.Slot = common.BytesToUint64(val[1+32 : 1+32+8])
	row.TxID = string(val[1+32+8:])
	return row, nil
}
