package backfill

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/compresslabs/treemirror/common"
	"github.com/compresslabs/treemirror/ingester"
	"github.com/compresslabs/treemirror/rpc_client"
	"github.com/compresslabs/treemirror/storage"
	"github.com/compresslabs/treemirror/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testProgram = common.HexToHash("0x5105")
	testTreeID  = common.HexToHash("0xf00d")
)

func seqSlots(pairs ...uint64) []storage.SeqSlot {
	var seqs []storage.SeqSlot
	for i := 0; i+1 < len(pairs); i += 2 {
		seqs = append(seqs, storage.SeqSlot{Seq: pairs[i], Slot: pairs[i+1]})
	}
	return seqs
}

func TestMissingRanges(t *testing.T) {
	// {1,2,3,4,8} leaves exactly one gap, bounded by 4 and 8
	seqs := seqSlots(1, 10, 2, 20, 3, 30, 4, 40, 8, 80)
	ranges := MissingRanges(seqs, 0)
	require.Len(t, ranges, 1)
	assert.Equal(t, GapRange{PrevSeq: 4, CurrSeq: 8, PrevSlot: 40, CurrSlot: 80}, ranges[0])

	assert.Empty(t, MissingRanges(seqSlots(1, 10, 2, 20), 0))
	assert.Empty(t, MissingRanges(seqSlots(5, 50), 0))
	assert.Empty(t, MissingRanges(nil, 0))
}

func TestMissingRanges_Floor(t *testing.T) {
	seqs := seqSlots(1, 10, 4, 40, 7, 70)
	ranges := MissingRanges(seqs, 4)
	require.Len(t, ranges, 1)
	assert.Equal(t, uint64(7), ranges[0].CurrSeq)
}

func TestSlotBatches(t *testing.T) {
	batches := slotBatches(10, 25, 5)
	assert.Equal(t, [][2]uint64{{10, 14}, {15, 19}, {20, 24}, {25, 25}}, batches)

	assert.Equal(t, [][2]uint64{{3, 3}}, slotBatches(3, 3, 20))
	assert.Nil(t, slotBatches(5, 4, 20))
}

func testEntry(seq, slot uint64) *types.ChangeLogEntry {
	leaf := common.Keccak256(common.Uint64ToBytes(seq))
	return &types.ChangeLogEntry{
		TreeID: testTreeID,
		Path: []types.PathNode{
			{Hash: leaf, Index: 4},
			{Hash: common.Keccak256(leaf.Bytes()), Index: 2},
			{Hash: common.Keccak256(common.Keccak256(leaf.Bytes()).Bytes()), Index: 1},
		},
		Seq:  seq,
		Slot: slot,
		TxID: fmt.Sprintf("tx-%d", seq),
	}
}

func relevantTx(entry *types.ChangeLogEntry) rpcclient.BlockTransaction {
	return rpcclient.BlockTransaction{
		Signature:   entry.TxID,
		AccountKeys: []common.Hash{testProgram, testTreeID},
		LogMessages: []string{ingester.MarshalChangeLogLine(entry)},
	}
}

type fakeClient struct {
	mu          sync.Mutex
	currentSlot uint64
	header      types.TreeHeader
	blocks      map[uint64]*rpcclient.Block
	unavailable map[uint64]bool

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func newFakeClient(chainSeq, currentSlot uint64) *fakeClient {
	return &fakeClient{
		currentSlot: currentSlot,
		header:      types.TreeHeader{MaxDepth: 2, Sequence: chainSeq, CreationSlot: 1},
		blocks:      make(map[uint64]*rpcclient.Block),
		unavailable: make(map[uint64]bool),
	}
}

func (c *fakeClient) addBlock(slot uint64, txs ...rpcclient.BlockTransaction) {
	c.blocks[slot] = &rpcclient.Block{Slot: slot, Transactions: txs}
}

func (c *fakeClient) GetSlot(ctx context.Context) (uint64, error) {
	return c.currentSlot, nil
}

func (c *fakeClient) GetBlock(ctx context.Context, slot uint64) (*rpcclient.Block, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		peak := c.maxInFlight.Load()
		if n <= peak || c.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unavailable[slot] {
		return nil, fmt.Errorf("slot %d: %w", slot, rpcclient.ErrSlotUnavailable)
	}
	if block, ok := c.blocks[slot]; ok {
		return block, nil
	}
	return &rpcclient.Block{Slot: slot}, nil
}

func (c *fakeClient) TreeHeader(ctx context.Context, treeID common.Hash) (*types.TreeHeader, error) {
	header := c.header
	return &header, nil
}

func newTestBackfiller(t *testing.T, client *fakeClient, batchSize int) (*Backfiller, *storage.MirrorStore) {
	t.Helper()
	store, err := storage.NewMemoryMirrorStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ing := ingester.New(store)
	return New(client, store, ing, testProgram, batchSize), store
}

func applyEntries(t *testing.T, store *storage.MirrorStore, entries ...*types.ChangeLogEntry) {
	t.Helper()
	for _, entry := range entries {
		require.NoError(t, store.ApplyChangeLog(entry))
	}
}

func requireSequences(t *testing.T, store *storage.MirrorStore, want ...uint64) {
	t.Helper()
	seqs, err := store.SequenceNumbers(testTreeID)
	require.NoError(t, err)
	var got []uint64
	for _, s := range seqs {
		got = append(got, s.Seq)
	}
	assert.Equal(t, want, got)
}

func TestFetchAndPlugGaps_InternalGap(t *testing.T) {
	client := newFakeClient(4, 40)
	client.addBlock(20, relevantTx(testEntry(2, 20)))
	client.addBlock(30, relevantTx(testEntry(3, 30)))
	b, store := newTestBackfiller(t, client, 5)

	applyEntries(t, store, testEntry(1, 10), testEntry(4, 40))
	require.NoError(t, b.FetchAndPlugGaps(context.Background(), testTreeID))
	requireSequences(t, store, 1, 2, 3, 4)
}

func TestFetchAndPlugGaps_TrailingRange(t *testing.T) {
	client := newFakeClient(3, 35)
	client.addBlock(20, relevantTx(testEntry(2, 20)))
	client.addBlock(30, relevantTx(testEntry(3, 30)))
	b, store := newTestBackfiller(t, client, 5)

	applyEntries(t, store, testEntry(1, 10))
	require.NoError(t, b.FetchAndPlugGaps(context.Background(), testTreeID))
	requireSequences(t, store, 1, 2, 3)
}

func TestFetchAndPlugGaps_EmptyMirrorBackfillsFromCreation(t *testing.T) {
	client := newFakeClient(2, 25)
	client.addBlock(10, relevantTx(testEntry(1, 10)))
	client.addBlock(20, relevantTx(testEntry(2, 20)))
	b, store := newTestBackfiller(t, client, 5)

	require.NoError(t, b.FetchAndPlugGaps(context.Background(), testTreeID))
	requireSequences(t, store, 1, 2)
}

func TestFetchAndPlugGaps_CurrentMirrorNoWork(t *testing.T) {
	client := newFakeClient(2, 100)
	b, store := newTestBackfiller(t, client, 5)

	applyEntries(t, store, testEntry(1, 10), testEntry(2, 20))
	require.NoError(t, b.FetchAndPlugGaps(context.Background(), testTreeID))
	assert.Zero(t, client.maxInFlight.Load(), "no slot should be fetched")
}

func TestPlugGaps_RelevanceFilter(t *testing.T) {
	client := newFakeClient(5, 50)

	wrongProgram := relevantTx(testEntry(2, 20))
	wrongProgram.AccountKeys = []common.Hash{testTreeID}
	wrongTree := relevantTx(testEntry(3, 20))
	wrongTree.AccountKeys = []common.Hash{testProgram}
	failed := relevantTx(testEntry(4, 20))
	failed.Failed = true
	client.addBlock(20, wrongProgram, wrongTree, failed, relevantTx(testEntry(2, 20)))

	b, store := newTestBackfiller(t, client, 5)
	err := b.PlugGaps(context.Background(), testTreeID, GapRange{PrevSeq: 1, CurrSeq: 5, PrevSlot: 20, CurrSlot: 20})
	require.NoError(t, err)
	requireSequences(t, store, 2)
}

func TestPlugGaps_SequenceWindow(t *testing.T) {
	client := newFakeClient(9, 90)
	client.addBlock(20, relevantTx(testEntry(2, 20)), relevantTx(testEntry(7, 20)))
	b, store := newTestBackfiller(t, client, 5)

	err := b.PlugGaps(context.Background(), testTreeID, GapRange{PrevSeq: 1, CurrSeq: 5, PrevSlot: 20, CurrSlot: 20})
	require.NoError(t, err)
	requireSequences(t, store, 2)
}

func TestPlugGaps_UnavailableSlotSkipped(t *testing.T) {
	client := newFakeClient(4, 40)
	client.unavailable[20] = true
	client.addBlock(30, relevantTx(testEntry(3, 30)))
	b, store := newTestBackfiller(t, client, 5)

	err := b.PlugGaps(context.Background(), testTreeID, GapRange{PrevSeq: 1, CurrSeq: 4, PrevSlot: 20, CurrSlot: 30})
	require.NoError(t, err)
	requireSequences(t, store, 3)
}

func TestPlugGaps_BoundedConcurrency(t *testing.T) {
	client := newFakeClient(100, 1000)
	b, _ := newTestBackfiller(t, client, 4)

	err := b.PlugGaps(context.Background(), testTreeID, GapRange{PrevSeq: 0, CurrSeq: 100, PrevSlot: 100, CurrSlot: 163})
	require.NoError(t, err)
	assert.LessOrEqual(t, client.maxInFlight.Load(), int64(4))
	assert.Greater(t, client.maxInFlight.Load(), int64(0))
}

func TestPlugGaps_CancelledContext(t *testing.T) {
	client := newFakeClient(4, 40)
	b, _ := newTestBackfiller(t, client, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.PlugGaps(ctx, testTreeID, GapRange{PrevSeq: 1, CurrSeq: 4, PrevSlot: 20, CurrSlot: 30})
	require.ErrorIs(t, err, context.Canceled)
}
