package backfill

import (
	"github.com/compresslabs/treemirror/storage"
)

// GapRange bounds one run of missing sequence numbers. PrevSeq and CurrSeq
// are recorded sequences on either side of the gap; the replay window is the
// half-open [PrevSeq+1, CurrSeq). PrevSlot and CurrSlot bound the slots that
// could have produced the missing events.
type GapRange struct {
	PrevSeq  uint64
	CurrSeq  uint64
	PrevSlot uint64
	CurrSlot uint64
}

// MissingRanges scans an ascending recorded-sequence list for gaps above
// floorSeq. Adjacent recorded sequences differing by more than one bound a
// gap.
func MissingRanges(seqs []storage.SeqSlot, floorSeq uint64) []GapRange {
	var ranges []GapRange
	for i := 1; i < len(seqs); i++ {
		prev, curr := seqs[i-1], seqs[i]
		if curr.Seq <= floorSeq {
			continue
		}
		if curr.Seq-prev.Seq > 1 {
			ranges = append(ranges, GapRange{
				PrevSeq:  prev.Seq,
				CurrSeq:  curr.Seq,
				PrevSlot: prev.Slot,
				CurrSlot: curr.Slot,
			})
		}
	}
	return ranges
}

// slotBatches splits the inclusive slot range [first, last] into runs of at
// most size slots. Each run is replayed concurrently and joined before the
// next starts.
func slotBatches(first, last uint64, size int) [][2]uint64 {
	if last < first || size <= 0 {
		return nil
	}
	var batches [][2]uint64
	for start := first; ; {
		end := start + uint64(size) - 1
		if end > last || end < start {
			end = last
		}
		batches = append(batches, [2]uint64{start, end})
		if end == last {
			return batches
		}
		start = end + 1
	}
}
