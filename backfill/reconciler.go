package backfill

import (
	"context"
	"time"

	"github.com/compresslabs/treemirror/common"
	"github.com/compresslabs/treemirror/ingester"
	"github.com/compresslabs/treemirror/log"
	"github.com/compresslabs/treemirror/rpc_client"
	"github.com/compresslabs/treemirror/storage"
)

// Tree is one tree account under reconciliation.
type Tree struct {
	ID    common.Hash
	Depth uint8
}

// Reconciler runs the dual-path consistency protocol: a live log
// subscription per tree for low-latency updates, and a fixed-interval sweep
// that backfills gaps and validates stored hashes. No per-tree error stops
// the loop; everything degrades to retry on the next sweep.
type Reconciler struct {
	backfiller *Backfiller
	store      *storage.MirrorStore
	ing        *ingester.Ingester
	wsURL      string
	trees      []Tree
	interval   time.Duration
}

func NewReconciler(backfiller *Backfiller, store *storage.MirrorStore, ing *ingester.Ingester, wsURL string, trees []Tree, interval time.Duration) *Reconciler {
	return &Reconciler{
		backfiller: backfiller,
		store:      store,
		ing:        ing,
		wsURL:      wsURL,
		trees:      trees,
		interval:   interval,
	}
}

// Run blocks until the context is cancelled. It opens the live
// subscriptions, then alternately sleeps and sweeps every tree.
func (r *Reconciler) Run(ctx context.Context) error {
	var subs []*rpcclient.LogsSubscription
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
	}()
	for _, tree := range r.trees {
		sub, err := rpcclient.SubscribeLogs(r.wsURL, tree.ID, r.ing.HandleNotification)
		if err != nil {
			// the sweep alone keeps the mirror converging
			log.Warn(log.BackfillMonitoring, "live subscription unavailable",
				"tree", common.Str(tree.ID), "err", err)
			continue
		}
		subs = append(subs, sub)
		log.Info(log.BackfillMonitoring, "live subscription started", "tree", common.Str(tree.ID))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) {
	for _, tree := range r.trees {
		if ctx.Err() != nil {
			return
		}
		if err := r.backfiller.FetchAndPlugGaps(ctx, tree.ID); err != nil {
			log.Warn(log.BackfillMonitoring, "backfill sweep failed",
				"tree", common.Str(tree.ID), "err", err)
			continue
		}
		maxSeq, _, ok, err := r.store.MaxSequence(tree.ID)
		if err != nil || !ok {
			continue
		}
		mismatches, err := r.store.ValidateTree(tree.ID, tree.Depth, maxSeq)
		if err != nil {
			log.Warn(log.BackfillMonitoring, "validation sweep failed",
				"tree", common.Str(tree.ID), "err", err)
			continue
		}
		if len(mismatches) > 0 {
			log.Error(log.BackfillMonitoring, "mirror inconsistent",
				"tree", common.Str(tree.ID), "mismatches", len(mismatches))
		}
	}
}
