// Package backfill keeps the local mirror at the same sequence as the chain.
// The live subscription drops events across restarts and disconnects, so a
// perpetual reconciliation loop detects sequence gaps and replays the slots
// that could have produced them.
package backfill

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/compresslabs/treemirror/common"
	"github.com/compresslabs/treemirror/ingester"
	"github.com/compresslabs/treemirror/log"
	"github.com/compresslabs/treemirror/rpc_client"
	"github.com/compresslabs/treemirror/storage"
	"github.com/compresslabs/treemirror/types"
)

const defaultBatchSize = 20

// LedgerClient is the slice of the RPC surface the backfiller consumes.
type LedgerClient interface {
	GetSlot(ctx context.Context) (uint64, error)
	GetBlock(ctx context.Context, slot uint64) (*rpcclient.Block, error)
	TreeHeader(ctx context.Context, treeID common.Hash) (*types.TreeHeader, error)
}

// Backfiller replays historical slots to fill sequence gaps in the mirror.
type Backfiller struct {
	client    LedgerClient
	store     *storage.MirrorStore
	ing       *ingester.Ingester
	program   common.Hash
	batchSize int
}

func New(client LedgerClient, store *storage.MirrorStore, ing *ingester.Ingester, program common.Hash, batchSize int) *Backfiller {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Backfiller{
		client:    client,
		store:     store,
		ing:       ing,
		program:   program,
		batchSize: batchSize,
	}
}

// FetchAndPlugGaps brings one tree's mirror up to the chain's sequence: it
// reads the authoritative sequence from the tree account, computes the
// missing ranges from the recorded-sequence set, adds a synthetic trailing
// range when the chain has run ahead of the mirror, and replays each range.
func (b *Backfiller) FetchAndPlugGaps(ctx context.Context, treeID common.Hash) error {
	header, err := b.client.TreeHeader(ctx, treeID)
	if err != nil {
		return fmt.Errorf("read tree account %s: %w", common.Str(treeID), err)
	}
	seqs, err := b.store.SequenceNumbers(treeID)
	if err != nil {
		return err
	}
	ranges := MissingRanges(seqs, 0)

	trailing, ok, err := b.trailingRange(ctx, header, seqs)
	if err != nil {
		return err
	}
	if ok {
		ranges = append(ranges, trailing)
	}
	if len(ranges) == 0 {
		log.Trace(log.BackfillMonitoring, "mirror is current", "tree", common.Str(treeID), "chainSeq", header.Sequence)
		return nil
	}

	log.Info(log.BackfillMonitoring, "plugging gaps",
		"tree", common.Str(treeID), "ranges", len(ranges), "chainSeq", header.Sequence)
	for _, r := range ranges {
		if err := b.PlugGaps(ctx, treeID, r); err != nil {
			return err
		}
	}
	return nil
}

// trailingRange covers activity past the mirror's newest recorded sequence,
// which produces no internal gap to detect. CurrSeq is set one past the
// chain sequence so the half-open replay window includes the chain head.
func (b *Backfiller) trailingRange(ctx context.Context, header *types.TreeHeader, seqs []storage.SeqSlot) (GapRange, bool, error) {
	var dbSeq, lastSlot uint64
	if len(seqs) > 0 {
		newest := seqs[len(seqs)-1]
		dbSeq, lastSlot = newest.Seq, newest.Slot
		if header.Sequence <= dbSeq+1 {
			return GapRange{}, false, nil
		}
	} else {
		if header.Sequence == 0 {
			return GapRange{}, false, nil
		}
		lastSlot = header.CreationSlot
	}

	currentSlot, err := b.client.GetSlot(ctx)
	if err != nil {
		return GapRange{}, false, err
	}
	if lastSlot >= currentSlot {
		return GapRange{}, false, nil
	}
	return GapRange{
		PrevSeq:  dbSeq,
		CurrSeq:  header.Sequence + 1,
		PrevSlot: lastSlot,
		CurrSlot: currentSlot,
	}, true, nil
}

// PlugGaps replays every slot of one gap range through the ingester with the
// replay constrained to the gap's sequence window. Slots are fetched in
// fixed-size concurrent batches, each joined before the next starts. A slot
// that fails to fetch is logged and skipped; the next sweep retries it.
func (b *Backfiller) PlugGaps(ctx context.Context, treeID common.Hash, r GapRange) error {
	startSeq, endSeq := r.PrevSeq+1, r.CurrSeq
	log.Debug(log.BackfillMonitoring, "replaying range",
		"tree", common.Str(treeID), "startSeq", startSeq, "endSeq", endSeq,
		"firstSlot", r.PrevSlot, "lastSlot", r.CurrSlot)

	for _, batch := range slotBatches(r.PrevSlot, r.CurrSlot, b.batchSize) {
		g := new(errgroup.Group)
		for slot := batch[0]; slot <= batch[1]; slot++ {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				b.replaySlot(ctx, treeID, slot, startSeq, endSeq)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backfiller) replaySlot(ctx context.Context, treeID common.Hash, slot uint64, startSeq, endSeq uint64) {
	block, err := b.client.GetBlock(ctx, slot)
	if err != nil {
		if errors.Is(err, rpcclient.ErrSlotUnavailable) {
			log.Trace(log.BackfillMonitoring, "slot unavailable", "slot", slot)
			return
		}
		log.Warn(log.BackfillMonitoring, "failed to fetch slot", "slot", slot, "err", err)
		return
	}
	for i := range block.Transactions {
		tx := &block.Transactions[i]
		if !b.relevant(tx, treeID) {
			continue
		}
		if err := b.ing.ProcessLogsConstrained(tx.Signature, slot, tx.LogMessages, startSeq, endSeq); err != nil {
			log.Warn(log.BackfillMonitoring, "failed to replay transaction",
				"slot", slot, "txID", tx.Signature, "err", err)
		}
	}
}

func (b *Backfiller) relevant(tx *rpcclient.BlockTransaction, treeID common.Hash) bool {
	return !tx.Failed && tx.References(b.program) && tx.References(treeID)
}
