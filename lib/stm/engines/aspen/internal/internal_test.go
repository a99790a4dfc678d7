package internal

import (
	"bytes"
	"testing"

	"github.com/ValentinKolb/dSTM/lib/stm"
)

// TestWordStatePacking tests the bit layout of the packed word state
func TestWordStatePacking(t *testing.T) {
	var s WordState

	if s.Accessor() != TxNone || s.Written() || s.ReadByOthers() || s.ValidCopy() != 0 {
		t.Fatal("zero state should be untouched with copy A valid")
	}

	s = s.WithAccessor(42)
	if s.Accessor() != 42 {
		t.Errorf("Accessor() = %d, want 42", s.Accessor())
	}
	if s.Written() || s.ReadByOthers() {
		t.Error("setting the accessor must not touch the flags")
	}

	s = s.WithWritten()
	if !s.Written() {
		t.Error("Written() = false after WithWritten")
	}
	if s.Accessor() != 42 {
		t.Errorf("Accessor() = %d after WithWritten, want 42", s.Accessor())
	}

	s = s.WithReadByOthers()
	if !s.ReadByOthers() {
		t.Error("ReadByOthers() = false after WithReadByOthers")
	}

	s = s.WithoutWritten()
	if s.Written() {
		t.Error("Written() = true after WithoutWritten")
	}
	if !s.ReadByOthers() || s.Accessor() != 42 {
		t.Error("WithoutWritten must only clear the written flag")
	}

	// replacing the accessor keeps the flags
	s = s.WithAccessor(7)
	if s.Accessor() != 7 || !s.ReadByOthers() {
		t.Error("WithAccessor must replace the id and keep the flags")
	}
}

// TestWordClaim tests that claiming a word is an exclusive CAS
func TestWordClaim(t *testing.T) {
	var w Word

	s := w.State()
	if !w.Cas(s, s.WithAccessor(2)) {
		t.Fatal("first claim should succeed")
	}
	if w.Cas(s, s.WithAccessor(3)) {
		t.Fatal("second claim from the stale state should fail")
	}
	if w.State().Accessor() != 2 {
		t.Errorf("Accessor() = %d, want 2", w.State().Accessor())
	}
}

// TestWordResetEpoch tests the epoch boundary reset
func TestWordResetEpoch(t *testing.T) {
	// written word: the valid copy flips
	var w Word
	s := w.State()
	w.Cas(s, s.WithAccessor(2).WithWritten())

	w.ResetEpoch()
	s = w.State()
	if s.ValidCopy() != 1 {
		t.Errorf("ValidCopy() = %d after reset of a written word, want 1", s.ValidCopy())
	}
	if s.Accessor() != TxNone || s.Written() || s.ReadByOthers() {
		t.Error("reset must clear accessor and flags")
	}

	// writing again flips back
	s = w.State()
	w.Cas(s, s.WithAccessor(3).WithWritten())
	w.ResetEpoch()
	if w.State().ValidCopy() != 0 {
		t.Errorf("ValidCopy() = %d after second flip, want 0", w.State().ValidCopy())
	}

	// unwritten claimed word: the valid copy stays
	var r Word
	s = r.State()
	r.Cas(s, s.WithAccessor(2).WithReadByOthers())
	r.ResetEpoch()
	s = r.State()
	if s.ValidCopy() != 0 || s.Accessor() != TxNone || s.ReadByOthers() {
		t.Error("reset of an unwritten word must clear metadata and keep the valid copy")
	}
}

// TestWordRollbackWrite tests the abort path of a written word
func TestWordRollbackWrite(t *testing.T) {
	var w Word
	s := w.State()
	w.Cas(s, s.WithAccessor(2).WithWritten())

	w.RollbackWrite()
	s = w.State()
	if s.Written() {
		t.Error("Written() = true after rollback")
	}
	if s.Accessor() != 2 {
		t.Errorf("Accessor() = %d after rollback, want 2 (cleared only at the epoch reset)", s.Accessor())
	}

	// after the epoch reset the valid copy must NOT flip
	w.ResetEpoch()
	if w.State().ValidCopy() != 0 {
		t.Error("rolled back write must not be published at the epoch boundary")
	}

	// rollback of an unwritten word is a no-op
	w.RollbackWrite()
	if w.State() != 0 {
		t.Error("rollback of an unwritten word changed the state")
	}
}

// TestAddrCodec tests the segment/offset address packing
func TestAddrCodec(t *testing.T) {
	cases := []struct {
		id  uint32
		off uint64
	}{
		{1, 0},
		{1, 8},
		{2, 4096},
		{0xFFFFFFFF, 1<<32 - 8},
	}

	for _, c := range cases {
		addr := SegmentBase(c.id) + stm.Addr(c.off)
		id, off := DecodeAddr(addr)
		if id != c.id || off != c.off {
			t.Errorf("DecodeAddr(SegmentBase(%d)+%d) = (%d, %d)", c.id, c.off, id, off)
		}
	}

	if SegmentBase(1) == stm.NilAddr {
		t.Error("segment 1 must not map to the nil address")
	}
	if id, _ := DecodeAddr(stm.NilAddr); id != 0 {
		t.Error("the nil address must not name a segment")
	}
}

// TestNewSegment tests segment construction
func TestNewSegment(t *testing.T) {
	seg := NewSegment(3, 64, 8, 5)

	if seg.NumWords() != 8 {
		t.Errorf("NumWords() = %d, want 8", seg.NumWords())
	}
	if seg.Creator != 5 {
		t.Errorf("Creator = %d, want 5", seg.Creator)
	}
	if seg.Base() != SegmentBase(3) {
		t.Errorf("Base() = %#x, want %#x", seg.Base(), SegmentBase(3))
	}

	zero := make([]byte, 8)
	for copyIdx := 0; copyIdx < 2; copyIdx++ {
		for i := uint64(0); i < seg.NumWords(); i++ {
			if !bytes.Equal(seg.Slot(copyIdx, i), zero) {
				t.Fatalf("copy %d word %d is not zeroed", copyIdx, i)
			}
		}
	}

	// slots of one copy are adjacent and non-overlapping
	seg.Slot(0, 0)[7] = 0xAA
	if seg.Slot(0, 1)[0] != 0 {
		t.Error("slots overlap")
	}
	if seg.Slot(1, 0)[7] != 0 {
		t.Error("copies share memory")
	}
}
