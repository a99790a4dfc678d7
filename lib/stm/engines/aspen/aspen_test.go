package aspen

import (
	"testing"

	"github.com/ValentinKolb/dSTM/lib/stm"
)

// TestCloseSemantics tests the lifecycle rules of a region handle
func TestCloseSemantics(t *testing.T) {
	region, err := Create(16, 8)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	tx, err := region.Begin(false)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	// closing with a running transaction must fail
	if err := region.Close(); err == nil {
		t.Error("Close with a running transaction should fail")
	}

	if !tx.End() {
		t.Fatal("empty transaction did not commit")
	}

	if err := region.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := region.Close(); err == nil {
		t.Error("second Close should fail")
	}
	if _, err := region.Begin(false); err == nil {
		t.Error("Begin on a closed region should fail")
	}
}

// TestInfoCounters tests the commit/abort bookkeeping
func TestInfoCounters(t *testing.T) {
	region, err := Create(16, 8)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	tx, _ := region.Begin(false)
	tx.Write(make([]byte, 8), region.FirstAddr())
	if !tx.End() {
		t.Fatal("writer did not commit")
	}

	// an invalid access aborts
	tx, _ = region.Begin(false)
	tx.Read(stm.Addr(uint64(999)<<32), make([]byte, 8))
	if tx.End() {
		t.Fatal("aborted transaction committed")
	}

	info := region.Info()
	if info.Engine != stm.ImplAspen {
		t.Errorf("Engine = %q, want %q", info.Engine, stm.ImplAspen)
	}
	if info.Commits != 1 {
		t.Errorf("Commits = %d, want 1", info.Commits)
	}
	if info.Aborts != 1 {
		t.Errorf("Aborts = %d, want 1", info.Aborts)
	}
	if info.Epoch == 0 {
		t.Error("Epoch = 0 after two finished transactions")
	}
}

// TestEndIsTerminal tests that a finished transaction stays finished
func TestEndIsTerminal(t *testing.T) {
	region, err := Create(16, 8)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	tx, _ := region.Begin(false)
	if !tx.End() {
		t.Fatal("empty transaction did not commit")
	}

	if tx.End() {
		t.Error("second End should report failure")
	}
	if tx.Read(region.FirstAddr(), make([]byte, 8)) {
		t.Error("Read after End should fail")
	}
	if tx.Write(make([]byte, 8), region.FirstAddr()) {
		t.Error("Write after End should fail")
	}
	if _, code := tx.Alloc(8); code != stm.RetCAbort {
		t.Errorf("Alloc after End = %v, want Abort", code)
	}
}

// TestSegmentChain tests that published segments survive later epochs and
// reclamation keeps the chain intact
func TestSegmentChain(t *testing.T) {
	region, err := Create(16, 8)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	align := region.Alignment()

	// publish three segments in separate transactions
	var addrs []stm.Addr
	for i := 0; i < 3; i++ {
		tx, _ := region.Begin(false)
		addr, code := tx.Alloc(2 * align)
		if code != stm.RetCOk {
			t.Fatalf("Alloc %d failed: %v", i, code)
		}
		if !tx.End() {
			t.Fatalf("alloc transaction %d did not commit", i)
		}
		addrs = append(addrs, addr)
	}
	if info := region.Info(); info.Segments != 4 {
		t.Fatalf("Segments = %d, want 4", info.Segments)
	}

	// free the middle one
	tx, _ := region.Begin(false)
	if !tx.Free(addrs[1]) {
		t.Fatal("Free failed")
	}
	if !tx.End() {
		t.Fatal("freeing transaction did not commit")
	}

	if info := region.Info(); info.Segments != 3 {
		t.Errorf("Segments = %d after free, want 3", info.Segments)
	}

	// the survivors are still accessible
	for _, addr := range []stm.Addr{addrs[0], addrs[2]} {
		tx, _ := region.Begin(false)
		if !tx.Read(addr, make([]byte, align)) {
			t.Errorf("segment at %#x became unreachable", addr)
		}
		tx.End()
	}
}
