package internal

import (
	"sync/atomic"

	"github.com/ValentinKolb/dSTM/lib/stm"
)

// --------------------------------------------------------------------------
// Transaction id sentinels
// --------------------------------------------------------------------------

const (
	// TxNone marks a word that no read/write transaction has touched this
	// epoch.
	TxNone uint64 = 0
	// TxReadOnly is reserved for read-only transactions. They never claim a
	// word, so the value is never stored in a word state; it exists so that
	// read-only transaction ids are distinguishable from real accessor ids.
	TxReadOnly uint64 = 1
	// TxFirst is the first id handed to a read/write transaction.
	TxFirst uint64 = 2
)

// --------------------------------------------------------------------------
// Word State
// --------------------------------------------------------------------------

/*
 The entire per-word metadata lives in one 64-bit value so that the access
 protocol can linearize every transition with a single compare-and-swap:

   bit  63     valid copy (0 = copy A is readable, 1 = copy B)
   bit  62     written this epoch
   bit  61     read by a transaction other than the first accessor
   bits 0-60   id of the first accessor (TxNone if untouched)

 Packing the accessor id next to the flags closes the race where a reader
 registers interest in a word at the same moment a writer claims it: exactly
 one of the two CAS operations succeeds, and the loser re-reads the state and
 applies the conflict rules.
*/

const (
	wordValidBit    uint64 = 1 << 63
	wordWrittenBit  uint64 = 1 << 62
	wordReadBit     uint64 = 1 << 61
	wordAccessorMax uint64 = 1<<61 - 1
)

// WordState is a decoded snapshot of a word's metadata.
type WordState uint64

// Accessor returns the id of the first read/write transaction that touched
// the word this epoch, or TxNone.
func (s WordState) Accessor() uint64 {
	return uint64(s) & wordAccessorMax
}

// Written reports whether the writable copy was modified this epoch.
func (s WordState) Written() bool {
	return uint64(s)&wordWrittenBit != 0
}

// ReadByOthers reports whether a read/write transaction other than the first
// accessor read the word this epoch.
func (s WordState) ReadByOthers() bool {
	return uint64(s)&wordReadBit != 0
}

// ValidCopy returns the index (0 or 1) of the currently readable copy.
func (s WordState) ValidCopy() int {
	if uint64(s)&wordValidBit != 0 {
		return 1
	}
	return 0
}

// WithAccessor returns the state with the accessor id set.
func (s WordState) WithAccessor(id uint64) WordState {
	return WordState(uint64(s)&^wordAccessorMax | id&wordAccessorMax)
}

// WithWritten returns the state with the written flag set.
func (s WordState) WithWritten() WordState {
	return WordState(uint64(s) | wordWrittenBit)
}

// WithoutWritten returns the state with the written flag cleared.
func (s WordState) WithoutWritten() WordState {
	return WordState(uint64(s) &^ wordWrittenBit)
}

// WithReadByOthers returns the state with the read-by-others flag set.
func (s WordState) WithReadByOthers() WordState {
	return WordState(uint64(s) | wordReadBit)
}

// Word is the dual-copy control structure of one aligned word.
type Word struct {
	state atomic.Uint64
}

// State atomically loads the word's metadata.
func (w *Word) State() WordState {
	return WordState(w.state.Load())
}

// Cas atomically replaces old with new and reports success.
func (w *Word) Cas(old, new WordState) bool {
	return w.state.CompareAndSwap(uint64(old), uint64(new))
}

// ResetEpoch resets the word at an epoch boundary: the valid copy flips iff
// the word was written, and all other metadata is cleared.
//
// Thread-safety: must only be called from the epoch commit step, when no
// transaction of the finished epoch is running.
func (w *Word) ResetEpoch() {
	s := WordState(w.state.Load())
	valid := uint64(0)
	if s.ValidCopy() == 1 {
		valid = wordValidBit
	}
	if s.Written() {
		valid ^= wordValidBit
	}
	w.state.Store(valid)
}

// RollbackWrite clears the written flag of a word owned by an aborting
// transaction so that the epoch commit step never publishes its writable
// copy. The accessor id stays in place until the epoch reset clears it.
func (w *Word) RollbackWrite() {
	for {
		s := WordState(w.state.Load())
		if !s.Written() {
			return
		}
		if w.Cas(s, s.WithoutWritten()) {
			return
		}
	}
}

// --------------------------------------------------------------------------
// Word references
// --------------------------------------------------------------------------

// WordRef names one word of one segment. Transactions collect refs for the
// words they claimed so the epoch commit step can reset exactly those.
type WordRef struct {
	Seg   *Segment
	Index uint64
}

// --------------------------------------------------------------------------
// Segment
// --------------------------------------------------------------------------

// Segment lifecycle states.
const (
	// SegLive marks a segment that committed transactions may access.
	SegLive uint32 = iota
	// SegPendingAlloc marks a tentative segment, visible only to the
	// transaction that allocated it until that transaction commits.
	SegPendingAlloc
	// SegPendingFree marks a segment a committed transaction has freed; it
	// is reclaimed at the next epoch boundary.
	SegPendingFree
)

// Segment is a contiguous run of aligned words. It holds the two physical
// copies of the data and the parallel word state array. Segments form a
// doubly-linked set owned by the region; the first segment is permanent.
type Segment struct {
	ID      uint32
	Size    uint64
	Align   uint64
	Creator uint64 // id of the allocating transaction, TxNone for the first segment

	State atomic.Uint32

	Copies [2][]byte
	Words  []Word

	Prev *Segment
	Next *Segment
}

// NewSegment allocates a segment with both copies zeroed and all word states
// cleared (copy A valid, untouched).
func NewSegment(id uint32, size, align, creator uint64) *Segment {
	numWords := size / align
	return &Segment{
		ID:      id,
		Size:    size,
		Align:   align,
		Creator: creator,
		Copies:  [2][]byte{make([]byte, size), make([]byte, size)},
		Words:   make([]Word, numWords),
	}
}

// Base returns the client-facing address of the segment's first byte.
func (s *Segment) Base() stm.Addr {
	return SegmentBase(s.ID)
}

// NumWords returns the number of aligned words in the segment.
func (s *Segment) NumWords() uint64 {
	return uint64(len(s.Words))
}

// Word returns the control structure of word i.
func (s *Segment) Word(i uint64) *Word {
	return &s.Words[i]
}

// Slot returns the byte slice of word i in the given physical copy.
func (s *Segment) Slot(copy int, i uint64) []byte {
	off := i * s.Align
	return s.Copies[copy][off : off+s.Align]
}

// --------------------------------------------------------------------------
// Address codec
// --------------------------------------------------------------------------

/*
 Client-facing addresses are synthesized, not real pointers: the segment
 ordinal lives in the high 32 bits and the byte offset in the low 32 bits.
 Address arithmetic inside a segment therefore behaves like ordinary pointer
 arithmetic, and recovering (segment, offset) from an address is O(1).
 Segment ordinals start at 1 so that stm.NilAddr never names a segment.
*/

// SegmentBase returns the address of byte 0 of the segment with the given
// ordinal.
func SegmentBase(id uint32) stm.Addr {
	return stm.Addr(uint64(id) << 32)
}

// DecodeAddr splits an address into segment ordinal and byte offset.
func DecodeAddr(a stm.Addr) (id uint32, off uint64) {
	return uint32(uint64(a) >> 32), uint64(a) & (1<<32 - 1)
}
