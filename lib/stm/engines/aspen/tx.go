package aspen

import (
	"github.com/ValentinKolb/dSTM/lib/stm"
	"github.com/ValentinKolb/dSTM/lib/stm/engines/aspen/internal"
)

// --------------------------------------------------------------------------
// Transaction descriptor
// --------------------------------------------------------------------------

// txImpl implements stm.ITransaction.
//
// Thread-safety: a txImpl must only be used from one goroutine at a time;
// distinct transactions of the same region may run concurrently.
type txImpl struct {
	region   *regionImpl
	id       uint64
	readOnly bool
	epoch    uint64

	aborted bool
	ended   bool

	accessed []internal.WordRef   // words this transaction claimed as first accessor
	written  []internal.WordRef   // words this transaction wrote
	allocs   []*internal.Segment  // tentative segments allocated by this transaction
	frees    []*internal.Segment  // segments this transaction wants reclaimed
}

// abort marks the transaction aborted. Every operation after an abort
// short-circuits to failure until End reports the outcome.
func (t *txImpl) abort() bool {
	t.aborted = true
	return false
}

func (t *txImpl) ReadOnly() bool {
	return t.readOnly
}

// --------------------------------------------------------------------------
// Range checking
// --------------------------------------------------------------------------

// checkRange resolves (addr, size) to the owning segment and the index of
// the first covered word. It fails for unknown addresses, unaligned
// addresses or sizes, ranges crossing the segment end, and segments that
// are tentative for another transaction.
func (t *txImpl) checkRange(addr stm.Addr, size uint64) (*internal.Segment, uint64, bool) {
	seg, off, ok := t.region.lookup(addr)
	if !ok {
		return nil, 0, false
	}
	align := t.region.align
	if size == 0 || size%align != 0 || off%align != 0 || off+size > seg.Size {
		return nil, 0, false
	}
	if seg.State.Load() == internal.SegPendingAlloc && seg.Creator != t.id {
		// Tentative segments are visible only to their creator.
		return nil, 0, false
	}
	return seg, off / align, true
}

// --------------------------------------------------------------------------
// Read
// --------------------------------------------------------------------------

func (t *txImpl) Read(src stm.Addr, dst []byte) bool {
	if t.aborted || t.ended {
		return false
	}

	seg, first, ok := t.checkRange(src, uint64(len(dst)))
	if !ok {
		return t.abort()
	}

	align := t.region.align
	numWords := uint64(len(dst)) / align

	for i := uint64(0); i < numWords; i++ {
		out := dst[i*align : (i+1)*align]
		if t.readOnly {
			// Read-only fast path: copy the readable copy, never touch
			// word state. The readable copy is stable for the epoch.
			s := seg.Word(first + i).State()
			copy(out, seg.Slot(s.ValidCopy(), first+i))
			continue
		}
		if !t.readWord(seg, first+i, out) {
			return t.abort()
		}
	}
	return true
}

// readWord performs the read/write-transaction read protocol for one word.
// It returns false when the transaction must abort.
func (t *txImpl) readWord(seg *internal.Segment, i uint64, dst []byte) bool {
	w := seg.Word(i)

	for {
		s := w.State()

		if s.Written() {
			if s.Accessor() == t.id {
				// Reading our own tentative write: the writable copy.
				copy(dst, seg.Slot(1-s.ValidCopy(), i))
				return true
			}
			// Another writer owns this word this epoch.
			return false
		}

		acc := s.Accessor()
		switch {
		case acc == t.id:
			copy(dst, seg.Slot(s.ValidCopy(), i))
			return true

		case acc == internal.TxNone:
			// Claim the word. A concurrent claim or write makes the CAS
			// fail, in which case the new state decides.
			if w.Cas(s, s.WithAccessor(t.id)) {
				t.accessed = append(t.accessed, internal.WordRef{Seg: seg, Index: i})
				copy(dst, seg.Slot(s.ValidCopy(), i))
				return true
			}

		default:
			// Claimed by another transaction: register the foreign read so
			// the owner can no longer write this word, then read the
			// committed copy.
			if s.ReadByOthers() || w.Cas(s, s.WithReadByOthers()) {
				copy(dst, seg.Slot(s.ValidCopy(), i))
				return true
			}
		}
	}
}

// --------------------------------------------------------------------------
// Write
// --------------------------------------------------------------------------

func (t *txImpl) Write(src []byte, dst stm.Addr) bool {
	if t.aborted || t.ended {
		return false
	}
	if t.readOnly {
		// Writes are not permitted on read-only transactions.
		return t.abort()
	}

	seg, first, ok := t.checkRange(dst, uint64(len(src)))
	if !ok {
		return t.abort()
	}

	align := t.region.align
	numWords := uint64(len(src)) / align

	for i := uint64(0); i < numWords; i++ {
		if !t.writeWord(seg, first+i, src[i*align:(i+1)*align]) {
			return t.abort()
		}
	}
	return true
}

// writeWord performs the write protocol for one word. It returns false when
// the transaction must abort.
func (t *txImpl) writeWord(seg *internal.Segment, i uint64, src []byte) bool {
	w := seg.Word(i)

	for {
		s := w.State()

		if s.Written() {
			if s.Accessor() == t.id {
				copy(seg.Slot(1-s.ValidCopy(), i), src)
				return true
			}
			return false
		}

		// Writing a word some other transaction has read would invalidate
		// that reader's snapshot.
		if s.ReadByOthers() {
			return false
		}
		acc := s.Accessor()
		if acc != internal.TxNone && acc != t.id {
			return false
		}

		/*
		 Claim ownership and set the written flag in one CAS. A reader
		 racing us either lands its read-by-others flag first (our CAS
		 fails and the re-read aborts us) or loads the state after our CAS
		 and aborts itself on the written flag. The data copy can happen
		 after the CAS because foreign transactions never read the
		 writable copy.
		*/
		if w.Cas(s, s.WithAccessor(t.id).WithWritten()) {
			if acc == internal.TxNone {
				t.accessed = append(t.accessed, internal.WordRef{Seg: seg, Index: i})
			}
			t.written = append(t.written, internal.WordRef{Seg: seg, Index: i})
			copy(seg.Slot(1-s.ValidCopy(), i), src)
			return true
		}
	}
}

// --------------------------------------------------------------------------
// Alloc / Free
// --------------------------------------------------------------------------

func (t *txImpl) Alloc(size uint64) (stm.Addr, stm.RetCode) {
	if t.aborted || t.ended {
		return stm.NilAddr, stm.RetCAbort
	}
	if t.readOnly {
		t.abort()
		return stm.NilAddr, stm.RetCAbort
	}
	align := t.region.align
	if size == 0 || size%align != 0 {
		t.abort()
		return stm.NilAddr, stm.RetCInvalidArgument
	}
	if size > maxSegmentBytes {
		// Allocation failure does not abort the transaction.
		return stm.NilAddr, stm.RetCNoMem
	}

	id := t.region.nextSegID.Add(1)
	seg := internal.NewSegment(id, size, align, t.id)
	seg.State.Store(internal.SegPendingAlloc)

	// Registering the tentative segment makes its addresses resolvable for
	// the creator; checkRange hides it from everyone else until commit.
	t.region.segments.Store(id, seg)
	t.allocs = append(t.allocs, seg)

	return seg.Base(), stm.RetCOk
}

func (t *txImpl) Free(addr stm.Addr) bool {
	if t.aborted || t.ended {
		return false
	}
	if t.readOnly {
		return t.abort()
	}

	seg, off, ok := t.region.lookup(addr)
	if !ok || off != 0 {
		return t.abort()
	}
	if seg == t.region.first {
		// The first segment is permanent.
		return t.abort()
	}

	switch seg.State.Load() {
	case internal.SegPendingAlloc:
		if seg.Creator != t.id {
			return t.abort()
		}
	case internal.SegLive:
		// ok
	default:
		return t.abort()
	}

	// Double free within one transaction is misuse.
	for _, f := range t.frees {
		if f == seg {
			return t.abort()
		}
	}

	t.frees = append(t.frees, seg)
	return true
}

// --------------------------------------------------------------------------
// End
// --------------------------------------------------------------------------

func (t *txImpl) End() bool {
	if t.ended {
		return false
	}
	t.ended = true

	r := t.region
	committed := !t.aborted

	if committed {
		/*
		 Publish the transaction's allocation and free lists. The actual
		 state transitions (tentative -> live, live -> reclaimed) happen at
		 the epoch commit step; pushing here only transfers ownership of
		 the segments to the region.
		*/
		for _, seg := range t.frees {
			switch {
			case seg.State.CompareAndSwap(internal.SegPendingAlloc, internal.SegPendingFree):
				// Allocated and freed in the same transaction: the segment
				// was never published, drop it right away.
				r.segments.Delete(seg.ID)
			case seg.State.CompareAndSwap(internal.SegLive, internal.SegPendingFree):
				r.pendingFree.Push(seg)
			default:
				// Another committed transaction freed it first; reclaiming
				// once is enough.
			}
		}
		for _, seg := range t.allocs {
			if seg.State.Load() == internal.SegPendingAlloc {
				r.pendingAlloc.Push(seg)
			}
		}
		r.commits.Inc()
	} else {
		// Unpublish our writes so the commit step never flips them, and
		// destroy tentative segments. Local frees are simply discarded.
		for _, ref := range t.written {
			ref.Seg.Word(ref.Index).RollbackWrite()
		}
		for _, seg := range t.allocs {
			r.segments.Delete(seg.ID)
		}
		r.aborts.Inc()
	}

	// Hand the claimed words to the epoch commit step for the reset.
	if len(t.accessed) > 0 {
		r.resetLists.Push(t.accessed)
	}

	r.batcher.Leave(t.readOnly)
	return committed
}
