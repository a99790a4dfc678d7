package testing

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dSTM/lib/stm"
)

// RegionFactory is a function that creates a new region of an IRegion
// implementation with the given first-segment size and alignment.
type RegionFactory func(size, align uint64) (stm.IRegion, error)

// RunRegionTests runs a comprehensive conformance test suite for an IRegion
// implementation.
func RunRegionTests(t *testing.T, name string, factory RegionFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("CreateValidation", func(t *testing.T) {
			testCreateValidation(t, factory)
		})

		t.Run("RegionMeta", func(t *testing.T) {
			testRegionMeta(t, factory)
		})

		t.Run("RoundTrip", func(t *testing.T) {
			testRoundTrip(t, factory)
		})

		t.Run("ReadYourOwnWrite", func(t *testing.T) {
			testReadYourOwnWrite(t, factory)
		})

		t.Run("ReadOnlySnapshot", func(t *testing.T) {
			testReadOnlySnapshot(t, factory)
		})

		t.Run("WriteWriteConflict", func(t *testing.T) {
			testWriteWriteConflict(t, factory)
		})

		t.Run("ReadWriteConflict", func(t *testing.T) {
			testReadWriteConflict(t, factory)
		})

		t.Run("ReadOnlyParallel", func(t *testing.T) {
			testReadOnlyParallel(t, factory)
		})

		t.Run("AllocRoundTrip", func(t *testing.T) {
			testAllocRoundTrip(t, factory)
		})

		t.Run("AllocFreeSameTx", func(t *testing.T) {
			testAllocFreeSameTx(t, factory)
		})

		t.Run("DeferredFree", func(t *testing.T) {
			testDeferredFree(t, factory)
		})

		t.Run("TentativeAllocAbort", func(t *testing.T) {
			testTentativeAllocAbort(t, factory)
		})

		t.Run("FirstSegmentGuard", func(t *testing.T) {
			testFirstSegmentGuard(t, factory)
		})

		t.Run("InvalidAccess", func(t *testing.T) {
			testInvalidAccess(t, factory)
		})

		t.Run("ConcurrentTransfers", func(t *testing.T) {
			testConcurrentTransfers(t, factory)
		})
	})
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// mustCreate creates a region or fails the test.
func mustCreate(t *testing.T, factory RegionFactory, size, align uint64) stm.IRegion {
	t.Helper()
	region, err := factory(size, align)
	if err != nil {
		t.Fatalf("factory(%d, %d) failed: %v", size, align, err)
	}
	return region
}

// mustBegin starts a transaction or fails the test.
func mustBegin(t *testing.T, region stm.IRegion, readOnly bool) stm.ITransaction {
	t.Helper()
	tx, err := region.Begin(readOnly)
	if err != nil {
		t.Fatalf("Begin(%v) failed: %v", readOnly, err)
	}
	return tx
}

// wordBuf encodes a uint64 into a buffer of one word (alignment bytes).
func wordBuf(align, val uint64) []byte {
	buf := make([]byte, align)
	binary.LittleEndian.PutUint64(buf, val)
	return buf
}

// writeWord writes one uint64-bearing word through the transaction.
func writeWord(tx stm.ITransaction, align uint64, addr stm.Addr, val uint64) bool {
	return tx.Write(wordBuf(align, val), addr)
}

// readWord reads one word through the transaction and decodes a uint64.
func readWord(tx stm.ITransaction, align uint64, addr stm.Addr) (uint64, bool) {
	buf := make([]byte, align)
	if !tx.Read(addr, buf) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf), true
}

// commitWord writes one word in its own transaction and requires a commit.
func commitWord(t *testing.T, region stm.IRegion, addr stm.Addr, val uint64) {
	t.Helper()
	tx := mustBegin(t, region, false)
	if !writeWord(tx, region.Alignment(), addr, val) {
		t.Fatalf("seed write at %#x aborted", addr)
	}
	if !tx.End() {
		t.Fatalf("seed transaction at %#x did not commit", addr)
	}
}

// snapshotWord reads one word in a read-only transaction and requires a
// commit.
func snapshotWord(t *testing.T, region stm.IRegion, addr stm.Addr) uint64 {
	t.Helper()
	tx := mustBegin(t, region, true)
	val, ok := readWord(tx, region.Alignment(), addr)
	if !ok {
		t.Fatalf("read-only read at %#x aborted", addr)
	}
	if !tx.End() {
		t.Fatalf("read-only transaction at %#x did not commit", addr)
	}
	return val
}

// sameEpochWriters forces n read/write transactions into one shared epoch:
// a blocker transaction keeps the current writer wave open while the n
// writers park in the batcher, then the blocker commits and all n are
// admitted together as the next wave.
func sameEpochWriters(t *testing.T, region stm.IRegion, n int) []stm.ITransaction {
	t.Helper()

	blocker := mustBegin(t, region, false)

	entered := make(chan struct{}, n)
	admitted := make(chan stm.ITransaction, n)
	for i := 0; i < n; i++ {
		go func() {
			entered <- struct{}{}
			tx, err := region.Begin(false)
			if err != nil {
				t.Errorf("Begin failed: %v", err)
			}
			admitted <- tx
		}()
	}

	// Wait until every writer is about to call Begin, then give the
	// goroutines time to park inside the batcher.
	for i := 0; i < n; i++ {
		<-entered
	}
	time.Sleep(200 * time.Millisecond)

	if !blocker.End() {
		t.Fatalf("blocker transaction did not commit")
	}

	txs := make([]stm.ITransaction, 0, n)
	for i := 0; i < n; i++ {
		tx := <-admitted
		if tx == nil {
			t.Fatalf("writer %d was not admitted", i)
		}
		txs = append(txs, tx)
	}
	return txs
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func testCreateValidation(t *testing.T, factory RegionFactory) {
	// alignment must be a power of two
	if _, err := factory(16, 3); err == nil {
		t.Error("create with alignment 3 should fail")
	}
	if _, err := factory(16, 0); err == nil {
		t.Error("create with alignment 0 should fail")
	}

	// size must be a positive multiple of the effective alignment
	if _, err := factory(0, 8); err == nil {
		t.Error("create with size 0 should fail")
	}
	if _, err := factory(12, 8); err == nil {
		t.Error("create with size 12, alignment 8 should fail")
	}

	if region, err := factory(64, 8); err != nil {
		t.Errorf("create with size 64, alignment 8 failed: %v", err)
	} else if err := region.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
}

func testRegionMeta(t *testing.T, factory RegionFactory) {
	region := mustCreate(t, factory, 48, 8)

	if region.Size() != 48 {
		t.Errorf("Size() = %d, want 48", region.Size())
	}
	if region.Alignment() < 8 {
		t.Errorf("Alignment() = %d, want >= 8", region.Alignment())
	}
	if region.FirstAddr() == stm.NilAddr {
		t.Error("FirstAddr() returned the nil address")
	}

	// small alignments are raised so a word can hold a pointer
	small := mustCreate(t, factory, 64, 2)
	if small.Alignment() < 8 {
		t.Errorf("Alignment() = %d after requesting 2, want >= 8", small.Alignment())
	}

	// the first address is stable
	first := region.FirstAddr()
	commitWord(t, region, first, 99)
	if region.FirstAddr() != first {
		t.Error("FirstAddr() changed after a transaction")
	}

	info := region.Info()
	if info.Segments != 1 {
		t.Errorf("Info().Segments = %d, want 1", info.Segments)
	}
	if info.Commits == 0 {
		t.Error("Info().Commits = 0 after a committed transaction")
	}
}

func testRoundTrip(t *testing.T, factory RegionFactory) {
	region := mustCreate(t, factory, 16, 8)
	align := region.Alignment()
	first := region.FirstAddr()

	const pattern uint64 = 0xDEADBEEFCAFEBABE

	// a fresh region reads as zero
	if got := snapshotWord(t, region, first); got != 0 {
		t.Errorf("fresh region word = %#x, want 0", got)
	}

	tx := mustBegin(t, region, false)
	if !writeWord(tx, align, first, pattern) {
		t.Fatal("write aborted")
	}
	if !tx.End() {
		t.Fatal("writer did not commit")
	}

	if got := snapshotWord(t, region, first); got != pattern {
		t.Errorf("read back %#x, want %#x", got, pattern)
	}

	// the second word is untouched
	if got := snapshotWord(t, region, first+stm.Addr(align)); got != 0 {
		t.Errorf("neighbor word = %#x, want 0", got)
	}
}

func testReadYourOwnWrite(t *testing.T, factory RegionFactory) {
	region := mustCreate(t, factory, 16, 8)
	align := region.Alignment()
	first := region.FirstAddr()

	tx := mustBegin(t, region, false)
	if !writeWord(tx, align, first, 7) {
		t.Fatal("write aborted")
	}
	if got, ok := readWord(tx, align, first); !ok || got != 7 {
		t.Fatalf("read own write = (%d, %v), want (7, true)", got, ok)
	}
	if !writeWord(tx, align, first, 8) {
		t.Fatal("second write aborted")
	}
	if got, ok := readWord(tx, align, first); !ok || got != 8 {
		t.Fatalf("read own second write = (%d, %v), want (8, true)", got, ok)
	}
	if !tx.End() {
		t.Fatal("transaction did not commit")
	}

	if got := snapshotWord(t, region, first); got != 8 {
		t.Errorf("committed value = %d, want 8", got)
	}
}

func testReadOnlySnapshot(t *testing.T, factory RegionFactory) {
	region := mustCreate(t, factory, 16, 8)
	align := region.Alignment()
	first := region.FirstAddr()

	commitWord(t, region, first, 1)

	// The read-only transaction joins the epoch first; the writer joins the
	// same epoch, commits and leaves - but the epoch cannot end while the
	// reader is still inside, so the reader keeps seeing the old value.
	reader := mustBegin(t, region, true)

	writer := mustBegin(t, region, false)
	if !writeWord(writer, align, first, 2) {
		t.Fatal("write aborted")
	}
	if !writer.End() {
		t.Fatal("writer did not commit")
	}

	if got, ok := readWord(reader, align, first); !ok || got != 1 {
		t.Errorf("reader saw (%d, %v) during the epoch, want (1, true)", got, ok)
	}
	if !reader.End() {
		t.Fatal("reader did not commit")
	}

	// After the epoch boundary the write is visible.
	if got := snapshotWord(t, region, first); got != 2 {
		t.Errorf("value after epoch = %d, want 2", got)
	}
}

func testWriteWriteConflict(t *testing.T, factory RegionFactory) {
	region := mustCreate(t, factory, 16, 8)
	align := region.Alignment()
	first := region.FirstAddr()

	writers := sameEpochWriters(t, region, 2)
	a, b := writers[0], writers[1]

	if !writeWord(a, align, first, 111) {
		t.Fatal("first writer aborted unexpectedly")
	}
	if writeWord(b, align, first, 222) {
		t.Error("second writer to the same word should abort")
	}

	if b.End() {
		t.Error("conflicting writer should not commit")
	}
	if !a.End() {
		t.Error("surviving writer should commit")
	}

	if got := snapshotWord(t, region, first); got != 111 {
		t.Errorf("committed value = %d, want 111", got)
	}
}

func testReadWriteConflict(t *testing.T, factory RegionFactory) {
	region := mustCreate(t, factory, 16, 8)
	align := region.Alignment()
	first := region.FirstAddr()

	commitWord(t, region, first, 5)

	writers := sameEpochWriters(t, region, 2)
	a, b := writers[0], writers[1]

	// a reads the word; b's write would invalidate a's snapshot and aborts.
	if got, ok := readWord(a, align, first); !ok || got != 5 {
		t.Fatalf("reader saw (%d, %v), want (5, true)", got, ok)
	}
	if writeWord(b, align, first, 6) {
		t.Error("write to a word read by another transaction should abort")
	}

	if b.End() {
		t.Error("conflicting writer should not commit")
	}

	// a's snapshot stays intact for the rest of the epoch.
	if got, ok := readWord(a, align, first); !ok || got != 5 {
		t.Errorf("reader saw (%d, %v) after conflict, want (5, true)", got, ok)
	}
	if !a.End() {
		t.Error("reader should commit")
	}

	if got := snapshotWord(t, region, first); got != 5 {
		t.Errorf("value = %d, want 5 (the write never happened)", got)
	}
}

func testReadOnlyParallel(t *testing.T, factory RegionFactory) {
	region := mustCreate(t, factory, 16, 8)
	first := region.FirstAddr()

	commitWord(t, region, first, 7)

	const readers = 10
	var (
		wg       sync.WaitGroup
		failures atomic.Int64
	)
	wg.Add(readers)
	for i := 0; i < readers; i++ {
		go func() {
			defer wg.Done()
			tx, err := region.Begin(true)
			if err != nil {
				failures.Add(1)
				return
			}
			val, ok := readWord(tx, region.Alignment(), first)
			committed := tx.End()
			if !ok || val != 7 || !committed {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := failures.Load(); n != 0 {
		t.Errorf("%d of %d read-only transactions failed", n, readers)
	}
}

func testAllocRoundTrip(t *testing.T, factory RegionFactory) {
	region := mustCreate(t, factory, 16, 8)
	align := region.Alignment()

	tx := mustBegin(t, region, false)
	addr, code := tx.Alloc(4 * align)
	if code != stm.RetCOk || addr == stm.NilAddr {
		t.Fatalf("Alloc = (%#x, %v), want (addr, Ok)", addr, code)
	}

	// a fresh segment is zeroed and writable by its creator
	if got, ok := readWord(tx, align, addr); !ok || got != 0 {
		t.Fatalf("fresh segment word = (%d, %v), want (0, true)", got, ok)
	}
	if !writeWord(tx, align, addr+stm.Addr(align), 42) {
		t.Fatal("write into tentative segment aborted")
	}
	if !tx.End() {
		t.Fatal("allocating transaction did not commit")
	}

	// after the commit the segment is visible to everyone
	if got := snapshotWord(t, region, addr+stm.Addr(align)); got != 42 {
		t.Errorf("value in published segment = %d, want 42", got)
	}
	if info := region.Info(); info.Segments != 2 {
		t.Errorf("Info().Segments = %d, want 2", info.Segments)
	}
}

func testAllocFreeSameTx(t *testing.T, factory RegionFactory) {
	region := mustCreate(t, factory, 16, 8)
	align := region.Alignment()

	tx := mustBegin(t, region, false)
	addr, code := tx.Alloc(2 * align)
	if code != stm.RetCOk {
		t.Fatalf("Alloc failed: %v", code)
	}
	if !writeWord(tx, align, addr, 1) {
		t.Fatal("write into tentative segment aborted")
	}
	if !tx.Free(addr) {
		t.Fatal("free of own tentative segment failed")
	}
	if !tx.End() {
		t.Fatal("transaction did not commit")
	}

	// the segment was never published
	probe := mustBegin(t, region, false)
	buf := make([]byte, align)
	if probe.Read(addr, buf) {
		t.Error("address of a never-published segment should not resolve")
	}
	if probe.End() {
		t.Error("probe transaction should be aborted")
	}
	if info := region.Info(); info.Segments != 1 {
		t.Errorf("Info().Segments = %d, want 1", info.Segments)
	}
}

func testDeferredFree(t *testing.T, factory RegionFactory) {
	region := mustCreate(t, factory, 16, 8)
	align := region.Alignment()

	// transaction A allocates and publishes a segment
	a := mustBegin(t, region, false)
	addr, code := a.Alloc(2 * align)
	if code != stm.RetCOk {
		t.Fatalf("Alloc failed: %v", code)
	}
	if !a.End() {
		t.Fatal("allocating transaction did not commit")
	}

	// transaction B frees it; the segment is reclaimed at the epoch
	// boundary following B's commit
	b := mustBegin(t, region, false)
	if got, ok := readWord(b, align, addr); !ok || got != 0 {
		t.Fatalf("read of live segment = (%d, %v), want (0, true)", got, ok)
	}
	if !b.Free(addr) {
		t.Fatal("free of live segment failed")
	}
	if !b.End() {
		t.Fatal("freeing transaction did not commit")
	}

	// after the boundary the address no longer resolves
	probe := mustBegin(t, region, false)
	buf := make([]byte, align)
	if probe.Read(addr, buf) {
		t.Error("address of a reclaimed segment should not resolve")
	}
	if probe.End() {
		t.Error("probe transaction should be aborted")
	}
	if info := region.Info(); info.Segments != 1 {
		t.Errorf("Info().Segments = %d, want 1", info.Segments)
	}
}

func testTentativeAllocAbort(t *testing.T, factory RegionFactory) {
	region := mustCreate(t, factory, 16, 8)
	align := region.Alignment()

	tx := mustBegin(t, region, false)
	addr, code := tx.Alloc(2 * align)
	if code != stm.RetCOk {
		t.Fatalf("Alloc failed: %v", code)
	}

	// force an abort
	buf := make([]byte, align)
	if tx.Read(stm.Addr(uint64(0xFFFFFF)<<32), buf) {
		t.Fatal("read of an unknown address should abort")
	}

	// aborted transactions short-circuit
	if _, code := tx.Alloc(2 * align); code != stm.RetCAbort {
		t.Errorf("Alloc on aborted transaction = %v, want Abort", code)
	}
	if tx.End() {
		t.Error("aborted transaction should not commit")
	}

	// the tentative segment was destroyed and is visible to no one
	probe := mustBegin(t, region, false)
	if probe.Read(addr, buf) {
		t.Error("address of a discarded tentative segment should not resolve")
	}
	if probe.End() {
		t.Error("probe transaction should be aborted")
	}
}

func testFirstSegmentGuard(t *testing.T, factory RegionFactory) {
	region := mustCreate(t, factory, 16, 8)

	tx := mustBegin(t, region, false)
	if tx.Free(region.FirstAddr()) {
		t.Error("freeing the first segment should abort")
	}
	if tx.End() {
		t.Error("transaction should be aborted after the illegal free")
	}

	// the region still works
	commitWord(t, region, region.FirstAddr(), 3)
	if got := snapshotWord(t, region, region.FirstAddr()); got != 3 {
		t.Errorf("value = %d, want 3", got)
	}
}

func testInvalidAccess(t *testing.T, factory RegionFactory) {
	region := mustCreate(t, factory, 32, 8)
	align := region.Alignment()
	first := region.FirstAddr()

	// unaligned length aborts
	tx := mustBegin(t, region, false)
	if tx.Read(first, make([]byte, align/2)) {
		t.Error("read with an unaligned length should abort")
	}
	if writeWord(tx, align, first, 1) {
		t.Error("operations after an abort should short-circuit")
	}
	if tx.End() {
		t.Error("aborted transaction should not commit")
	}

	// range crossing the segment end aborts
	tx = mustBegin(t, region, false)
	if tx.Read(first+stm.Addr(24), make([]byte, 2*align)) {
		t.Error("read across the segment end should abort")
	}
	if tx.End() {
		t.Error("aborted transaction should not commit")
	}

	// writes on read-only transactions abort
	ro := mustBegin(t, region, true)
	if writeWord(ro, align, first, 1) {
		t.Error("write on a read-only transaction should abort")
	}
	if ro.End() {
		t.Error("aborted read-only transaction should not commit")
	}

	// invalid alloc size aborts
	tx = mustBegin(t, region, false)
	if _, code := tx.Alloc(align + 1); code == stm.RetCOk {
		t.Error("alloc with an unaligned size should fail")
	}
	if tx.End() {
		t.Error("transaction should be aborted after the invalid alloc")
	}
}

func testConcurrentTransfers(t *testing.T, factory RegionFactory) {
	const (
		accounts = 16
		initial  = 100
		workers  = 8
		attempts = 200
	)

	region := mustCreate(t, factory, accounts*8, 8)
	align := region.Alignment()
	first := region.FirstAddr()

	account := func(i int) stm.Addr {
		return first + stm.Addr(uint64(i)*align)
	}

	// seed every account in one committed transaction
	seed := mustBegin(t, region, false)
	for i := 0; i < accounts; i++ {
		if !writeWord(seed, align, account(i), initial) {
			t.Fatalf("seeding account %d aborted", i)
		}
	}
	if !seed.End() {
		t.Fatal("seed transaction did not commit")
	}

	// workers move money between account pairs; aborted transfers are
	// simply dropped - the invariant is that the total never changes
	var (
		wg       sync.WaitGroup
		commits  atomic.Int64
		failures atomic.Int64
	)
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < attempts; i++ {
				src := (w*7 + i) % accounts
				dst := (w*13 + i*5 + 1) % accounts
				if src == dst {
					continue
				}

				tx, err := region.Begin(false)
				if err != nil {
					failures.Add(1)
					return
				}

				srcVal, ok := readWord(tx, align, account(src))
				if !ok {
					tx.End()
					continue
				}
				dstVal, ok := readWord(tx, align, account(dst))
				if !ok {
					tx.End()
					continue
				}
				if srcVal == 0 {
					tx.End()
					continue
				}
				if !writeWord(tx, align, account(src), srcVal-1) {
					tx.End()
					continue
				}
				if !writeWord(tx, align, account(dst), dstVal+1) {
					tx.End()
					continue
				}
				if tx.End() {
					commits.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()

	if n := failures.Load(); n != 0 {
		t.Fatalf("%d workers failed to begin transactions", n)
	}
	if commits.Load() == 0 {
		t.Error("no transfer committed")
	}

	// the books must balance
	var sum uint64
	check := mustBegin(t, region, true)
	for i := 0; i < accounts; i++ {
		val, ok := readWord(check, align, account(i))
		if !ok {
			t.Fatalf("final read of account %d aborted", i)
		}
		sum += val
	}
	if !check.End() {
		t.Fatal("final read-only transaction did not commit")
	}

	if sum != accounts*initial {
		t.Errorf("total = %d, want %d (money was created or destroyed)", sum, accounts*initial)
	}
}
