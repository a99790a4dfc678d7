package aspen

import (
	"math/bits"
	"sync/atomic"

	"github.com/ValentinKolb/dSTM/lib/stm"
	"github.com/ValentinKolb/dSTM/lib/stm/engines/aspen/internal"
	"github.com/ValentinKolb/dSTM/lib/stm/util"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	// minAlignment is the smallest effective alignment. A word must be able
	// to hold a machine pointer, so requested alignments below this are
	// raised (mirrors the contract of Alignment()).
	minAlignment = 8

	// maxSegmentBytes bounds a single segment to the addressable range of
	// the 32-bit offset field of an stm.Addr.
	maxSegmentBytes = 1 << 32
)

// --------------------------------------------------------------------------
// Core region structure
// --------------------------------------------------------------------------

// regionImpl implements stm.IRegion with the dual-copy engine.
type regionImpl struct {
	align uint64 // effective alignment == access granularity
	size  uint64 // first-segment size as requested at create

	first    *internal.Segment                      // permanent first segment, head of the segment set
	segments *xsync.MapOf[uint32, *internal.Segment] // ordinal -> segment, for O(1) address resolution

	nextSegID atomic.Uint32 // last assigned segment ordinal
	txCounter atomic.Uint64 // read/write transaction id source

	batcher *internal.Batcher

	// Work queues drained by the epoch commit step. Transactions push at
	// End; the commit step is the single consumer.
	pendingAlloc *util.DrainList[*internal.Segment]
	pendingFree  *util.DrainList[*internal.Segment]
	resetLists   *util.DrainList[[]internal.WordRef]

	commits *xsync.Counter
	aborts  *xsync.Counter

	closed atomic.Bool
}

// Create allocates a new shared memory region with one first, non-freeable
// segment of the requested size, zeroed.
//
// size must be a positive multiple of the effective alignment; align must be
// a power of two. The effective alignment is max(align, 8) so that one word
// can hold a machine pointer.
//
// Thread-safety: This function is thread-safe; distinct regions are fully
// independent.
func Create(size, align uint64) (stm.IRegion, error) {
	if align == 0 || bits.OnesCount64(align) != 1 {
		return nil, stm.NewError(stm.RetCInvalidArgument, "alignment must be a power of two")
	}
	if align < minAlignment {
		align = minAlignment
	}
	if size == 0 || size%align != 0 {
		return nil, stm.NewError(stm.RetCInvalidArgument, "size must be a positive multiple of the effective alignment")
	}
	if size > maxSegmentBytes {
		return nil, stm.NewError(stm.RetCNoMem, "first segment exceeds the addressable segment size")
	}

	region := &regionImpl{
		align:        align,
		size:         size,
		segments:     xsync.NewMapOf[uint32, *internal.Segment](),
		pendingAlloc: util.NewDrainList[*internal.Segment](),
		pendingFree:  util.NewDrainList[*internal.Segment](),
		resetLists:   util.NewDrainList[[]internal.WordRef](),
		commits:      xsync.NewCounter(),
		aborts:       xsync.NewCounter(),
	}
	region.batcher = internal.NewBatcher(region.onEpochEnd)

	// Segment ordinals start at 1 so the nil address never resolves.
	id := region.nextSegID.Add(1)
	region.first = internal.NewSegment(id, size, align, internal.TxNone)
	region.first.State.Store(internal.SegLive)
	region.segments.Store(id, region.first)

	return region, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see stm/interface.go)
// --------------------------------------------------------------------------

func (r *regionImpl) Begin(readOnly bool) (stm.ITransaction, error) {
	if r.closed.Load() {
		return nil, stm.NewError(stm.RetCClosed, "region is closed")
	}

	var id uint64
	if readOnly {
		// Read-only transactions never claim words, so they are mutually
		// indistinguishable and share one sentinel id.
		id = internal.TxReadOnly
	} else {
		id = r.txCounter.Add(1) + internal.TxFirst - 1
	}

	epoch := r.batcher.Enter(readOnly)

	return &txImpl{
		region:   r,
		id:       id,
		readOnly: readOnly,
		epoch:    epoch,
	}, nil
}

func (r *regionImpl) FirstAddr() stm.Addr {
	return r.first.Base()
}

func (r *regionImpl) Size() uint64 {
	return r.size
}

func (r *regionImpl) Alignment() uint64 {
	return r.align
}

func (r *regionImpl) Info() stm.RegionInfo {
	var (
		liveSegments int
		liveBytes    uint64
		sizes        []float64
	)
	r.segments.Range(func(_ uint32, seg *internal.Segment) bool {
		if seg.State.Load() == internal.SegPendingAlloc {
			return true // tentative, not yet part of the region
		}
		liveSegments++
		liveBytes += seg.Size
		sizes = append(sizes, float64(seg.Size))
		return true
	})

	meta := &struct {
		Words           uint64                 `json:"words"`
		SegmentSizes    util.DistributionStats `json:"segment_sizes"`
		TxIDsHandedOut  uint64                 `json:"tx_ids_handed_out"`
		EffectiveAlign  uint64                 `json:"effective_alignment"`
		FirstSegmentLen uint64                 `json:"first_segment_len"`
	}{
		Words:           liveBytes / r.align,
		SegmentSizes:    util.NewDistributionStats(sizes),
		TxIDsHandedOut:  r.txCounter.Load(),
		EffectiveAlign:  r.align,
		FirstSegmentLen: r.size,
	}

	return stm.RegionInfo{
		Engine:    stm.ImplAspen,
		Alignment: r.align,
		Epoch:     r.batcher.Epoch(),
		Segments:  liveSegments,
		LiveBytes: liveBytes,
		Commits:   uint64(r.commits.Value()),
		Aborts:    uint64(r.aborts.Value()),
		Metadata:  meta,
	}
}

func (r *regionImpl) Close() error {
	if !r.batcher.Idle() {
		return stm.NewError(stm.RetCInvalidArgument, "region has running transactions")
	}
	if !r.closed.CompareAndSwap(false, true) {
		return stm.NewError(stm.RetCClosed, "region is already closed")
	}

	// Drop every segment so late address lookups fail cleanly.
	r.segments.Range(func(id uint32, seg *internal.Segment) bool {
		seg.Prev, seg.Next = nil, nil
		r.segments.Delete(id)
		return true
	})
	return nil
}

// --------------------------------------------------------------------------
// Address resolution
// --------------------------------------------------------------------------

// lookup resolves an address to its owning segment and byte offset.
//
// Thread-safety: This method is thread-safe; the segment map is only ever
// mutated by Alloc (insert), End (removal of tentative segments that are
// never published), the epoch commit step (remove) and Close (remove all).
func (r *regionImpl) lookup(addr stm.Addr) (*internal.Segment, uint64, bool) {
	id, off := internal.DecodeAddr(addr)
	seg, ok := r.segments.Load(id)
	if !ok {
		return nil, 0, false
	}
	return seg, off, true
}

// --------------------------------------------------------------------------
// Epoch commit step
// --------------------------------------------------------------------------

// onEpochEnd is the epoch commit step. The batcher calls it after the last
// transaction of an epoch left and before the next writer wave is released,
// so it runs single-threaded against quiescent data.
func (r *regionImpl) onEpochEnd(_ uint64) {
	// 1. Reset every word that was claimed this epoch; written words flip
	//    their valid copy, which publishes the writers' commits.
	r.resetLists.Drain(func(refs []internal.WordRef) {
		for _, ref := range refs {
			ref.Seg.Word(ref.Index).ResetEpoch()
		}
	})

	// 2. Publish segments allocated by committed transactions.
	r.pendingAlloc.Drain(func(seg *internal.Segment) {
		seg.State.Store(internal.SegLive)
		seg.Prev = r.first
		seg.Next = r.first.Next
		if r.first.Next != nil {
			r.first.Next.Prev = seg
		}
		r.first.Next = seg
	})

	// 3. Reclaim segments freed by committed transactions. The first
	//    segment never ends up here (Free rejects it).
	r.pendingFree.Drain(func(seg *internal.Segment) {
		r.segments.Delete(seg.ID)
		if seg.Prev != nil {
			seg.Prev.Next = seg.Next
		}
		if seg.Next != nil {
			seg.Next.Prev = seg.Prev
		}
		seg.Prev, seg.Next = nil, nil
	})
}
