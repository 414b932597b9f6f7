package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/compresslabs/treemirror/common"
	"github.com/compresslabs/treemirror/log"
	"github.com/compresslabs/treemirror/merkle"
	"github.com/compresslabs/treemirror/types"
	"github.com/syndtr/goleveldb/leveldb"
)

var (
	errMalformedRow = errors.New("malformed node row")
)

// NodeRow is one persisted observation of a tree node. Rows are append-only:
// the authoritative value for a node index is always the row with the highest
// sequence number.
type NodeRow struct {
	NodeIdx uint64
	Seq     uint64
	Level   uint8
	Hash    common.Hash
	Slot    uint64
	TxID    string
}

// SeqSlot pairs a recorded sequence number with the slot it was observed in.
type SeqSlot struct {
	Seq  uint64
	Slot uint64
}

// MirrorStore is the persistent mirror of one or more on-chain trees: an
// append-only node-row history plus a latest-wins leaf schema table. Live
// ingestion and backfill may write concurrently; the max-seq-per-index rule
// makes re-application of an already-applied sequence a no-op.
type MirrorStore struct {
	ps *PersistenceStore

	mu     sync.Mutex
	caches map[uint8]*merkle.EmptyNodeCache
	trees  *treeCache
}

func NewMirrorStore(path string) (*MirrorStore, error) {
	ps, err := NewPersistenceStore(path)
	if err != nil {
		return nil, err
	}
	return &MirrorStore{
		ps:     ps,
		caches: make(map[uint8]*merkle.EmptyNodeCache),
		trees:  newTreeCache(defaultTreeCacheSize),
	}, nil
}

// NewMemoryMirrorStore creates an in-memory MirrorStore for testing.
func NewMemoryMirrorStore() (*MirrorStore, error) {
	return NewMirrorStore("")
}

func (ms *MirrorStore) Close() error {
	return ms.ps.Close()
}

// emptyCache returns the per-depth empty node cache, creating it on first use.
// Caches are keyed by depth so distinct tree configurations never share state
// by accident.
func (ms *MirrorStore) emptyCache(depth uint8) *merkle.EmptyNodeCache {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cache, ok := ms.caches[depth]
	if !ok {
		cache = merkle.NewEmptyNodeCache(depth)
		ms.caches[depth] = cache
	}
	return cache
}

// ApplyChangeLog ingests one changelog entry: every node of the path becomes
// a node row, the sequence is recorded, and the leaf hash is indexed back to
// its node index. All rows for the entry are written in one atomic batch.
// Sequence 0 is a reserved sentinel (uninitialized tree state) and is skipped.
func (ms *MirrorStore) ApplyChangeLog(e *types.ChangeLogEntry) error {
	if e.Seq == 0 {
		// conflates "tree not initialized" with "no-op event"; flagged for
		// product clarification rather than silently trusted
		log.Warn(log.StoreMonitoring, "skipping changelog with reserved sequence 0", "tree", common.Str(e.TreeID), "tx", e.TxID)
		return nil
	}
	leaf, err := e.Leaf()
	if err != nil {
		return err
	}
	if _, err := e.Root(); err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	for i, pn := range e.Path {
		batch.Put(nodeKey(e.TreeID, uint64(pn.Index), e.Seq), encodeNodeRow(e.Level(i), pn.Hash, e.Slot, e.TxID))
	}
	batch.Put(seqKey(e.TreeID, e.Seq), append(common.Uint64ToBytes(e.Slot), e.TxID...))
	batch.Put(leafHashKey(e.TreeID, leaf.Hash, e.Seq), common.Uint64ToBytes(uint64(leaf.Index)))

	if err := ms.ps.Write(batch); err != nil {
		return fmt.Errorf("apply changelog seq %d: %w", e.Seq, err)
	}
	ms.trees.invalidate(e.TreeID)
	log.Debug(log.StoreMonitoring, "applied changelog", "tree", common.Str(e.TreeID), "seq", e.Seq, "slot", e.Slot, "pathLen", len(e.Path))
	return nil
}

// UpsertLeafSchema records the current metadata for a leaf, keyed by nonce.
// Latest-wins, unlike the append-only node history.
func (ms *MirrorStore) UpsertLeafSchema(treeID common.Hash, schema types.LeafSchema) error {
	val, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	return ms.ps.Put(leafKey(treeID, schema.Nonce), val)
}

// LeafSchemaByNonce returns the stored schema for a nonce, if any.
func (ms *MirrorStore) LeafSchemaByNonce(treeID common.Hash, nonce uint64) (*types.LeafSchema, bool, error) {
	val, found, err := ms.ps.Get(leafKey(treeID, nonce))
	if err != nil || !found {
		return nil, false, err
	}
	var schema types.LeafSchema
	if err := json.Unmarshal(val, &schema); err != nil {
		return nil, false, fmt.Errorf("leaf schema nonce %d: %w", nonce, err)
	}
	return &schema, true, nil
}

// AssetsByOwner returns every leaf schema in the tree whose owner matches.
func (ms *MirrorStore) AssetsByOwner(treeID common.Hash, owner common.Hash) ([]types.LeafSchema, error) {
	iter := ms.ps.NewPrefixIterator(leafPrefix(treeID))
	defer iter.Release()

	var assets []types.LeafSchema
	for iter.Next() {
		var schema types.LeafSchema
		if err := json.Unmarshal(iter.Value(), &schema); err != nil {
			log.Warn(log.StoreMonitoring, "skipping malformed leaf schema row", "key", common.Bytes2Hex(iter.Key()), "err", err)
			continue
		}
		if schema.Owner == owner {
			assets = append(assets, schema)
		}
	}
	return assets, iter.Error()
}

// MaxSeqNode returns the authoritative (max-seq) row for a node index.
func (ms *MirrorStore) MaxSeqNode(treeID common.Hash, nodeIdx uint64) (NodeRow, bool, error) {
	return ms.maxSeqNodeAt(treeID, nodeIdx, ^uint64(0))
}

// maxSeqNodeAt returns the newest row for a node index with Seq <= maxSeq.
func (ms *MirrorStore) maxSeqNodeAt(treeID common.Hash, nodeIdx uint64, maxSeq uint64) (NodeRow, bool, error) {
	iter := ms.ps.NewPrefixIterator(nodePrefix(treeID, nodeIdx))
	defer iter.Release()
	for iter.Next() {
		row, err := decodeNodeRow(iter.Key(), iter.Value())
		if err != nil {
			return NodeRow{}, false, err
		}
		if row.Seq <= maxSeq {
			return row, true, iter.Error()
		}
	}
	return NodeRow{}, false, iter.Error()
}

// SequenceNumbers returns every recorded sequence with its slot, ascending.
// The backfiller scans this set for gaps.
func (ms *MirrorStore) SequenceNumbers(treeID common.Hash) ([]SeqSlot, error) {
	iter := ms.ps.NewPrefixIterator(seqPrefix(treeID))
	defer iter.Release()

	var seqs []SeqSlot
	for iter.Next() {
		key := iter.Key()
		val := iter.Value()
		if len(key) != 1+32+8 || len(val) < 8 {
			return nil, errMalformedRow
		}
		seqs = append(seqs, SeqSlot{
			Seq:  common.BytesToUint64(key[1+32:]),
			Slot: common.BytesToUint64(val[:8]),
		})
	}
	return seqs, iter.Error()
}

// MaxSequence returns the highest recorded sequence and its slot.
func (ms *MirrorStore) MaxSequence(treeID common.Hash) (seq uint64, slot uint64, ok bool, err error) {
	seqs, err := ms.SequenceNumbers(treeID)
	if err != nil || len(seqs) == 0 {
		return 0, 0, false, err
	}
	last := seqs[len(seqs)-1]
	return last.Seq, last.Slot, true, nil
}

// HasSequence reports whether a sequence has already been recorded.
func (ms *MirrorStore) HasSequence(treeID common.Hash, seq uint64) (bool, error) {
	_, found, err := ms.ps.Get(seqKey(treeID, seq))
	return found, err
}

// leafNodeIndex resolves a leaf hash to its most recently observed node index.
func (ms *MirrorStore) leafNodeIndex(treeID common.Hash, leafHash common.Hash) (uint64, bool, error) {
	_, val, found, err := ms.ps.FirstWithPrefix(leafHashPrefix(treeID, leafHash))
	if err != nil || !found {
		return 0, false, err
	}
	if len(val) < 8 {
		return 0, false, errMalformedRow
	}
	return common.BytesToUint64(val), true, nil
}

// ProofForLeaf builds a membership proof for a leaf hash. A nil proof with a
// nil error means the mirror's history is incomplete for that leaf, which is
// an expected state during backfill, not a failure.
func (ms *MirrorStore) ProofForLeaf(treeID common.Hash, leafHash common.Hash, depth uint8) (*types.Proof, error) {
	nodeIdx, found, err := ms.leafNodeIndex(treeID, leafHash)
	if err != nil || !found {
		return nil, err
	}
	return ms.ProofForIndex(treeID, nodeIdx, depth)
}

// ProofForIndex builds a membership proof for the leaf at the given arena
// index. Sibling indices follow sibling(n) = n XOR 1, parent(n) = n >> 1;
// indices with no stored row are substituted with the empty hash for their
// level. Returns nil (not an error) when the stored history cannot anchor
// the walk at the root.
func (ms *MirrorStore) ProofForIndex(treeID common.Hash, nodeIdx uint64, depth uint8) (*types.Proof, error) {
	leafBase := uint64(1) << depth
	if nodeIdx < leafBase || nodeIdx >= leafBase*2 {
		return nil, fmt.Errorf("node index %d is not a leaf of a depth-%d tree", nodeIdx, depth)
	}
	cache := ms.emptyCache(depth)

	leafRow, found, err := ms.MaxSeqNode(treeID, nodeIdx)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	rootRow, found, err := ms.MaxSeqNode(treeID, 1)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	siblings := make([]common.Hash, 0, depth)
	level := uint8(0)
	for idx := nodeIdx; idx > 1; idx >>= 1 {
		sibling := idx ^ 1
		row, found, err := ms.MaxSeqNode(treeID, sibling)
		if err != nil {
			return nil, err
		}
		if found {
			siblings = append(siblings, row.Hash)
		} else {
			siblings = append(siblings, cache.Get(level))
		}
		level++
	}

	leafIndex := nodeIdx - leafBase
	proof := &types.Proof{
		LeafHash:  leafRow.Hash,
		Root:      rootRow.Hash,
		Siblings:  siblings,
		LeafIndex: leafIndex,
		NodeIndex: nodeIdx,
	}

	// self-check before returning; a mismatch is surfaced as a warning, the
	// validator sweep reports the offending rows
	if !merkle.CheckProof(leafIndex, proof.Root, proof.LeafHash, proof.Siblings) {
		log.Warn(log.StoreMonitoring, "generated proof failed self-verification",
			"tree", common.Str(treeID), "leafIndex", leafIndex, "root", common.Str(proof.Root))
	}

	if schema, found, err := ms.LeafSchemaByNonce(treeID, leafIndex); err == nil && found && schema.LeafHash == leafRow.Hash {
		proof.Schema = schema
	}
	return proof, nil
}
