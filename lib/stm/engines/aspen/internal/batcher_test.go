package internal

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestBatcherEpochAdvances tests that draining an epoch runs the commit step
// and advances the epoch counter
func TestBatcherEpochAdvances(t *testing.T) {
	var commits []uint64
	b := NewBatcher(func(epoch uint64) {
		commits = append(commits, epoch)
	})

	if got := b.Enter(false); got != 0 {
		t.Errorf("first writer joined epoch %d, want 0", got)
	}
	b.Leave(false)

	if b.Epoch() != 1 {
		t.Errorf("Epoch() = %d after drain, want 1", b.Epoch())
	}
	if len(commits) != 1 || commits[0] != 0 {
		t.Errorf("commit steps = %v, want [0]", commits)
	}
	if !b.Idle() {
		t.Error("Idle() = false after drain")
	}
}

// TestBatcherReadOnlyNeverBlocks tests that read-only transactions are
// admitted while a writer wave is running
func TestBatcherReadOnlyNeverBlocks(t *testing.T) {
	b := NewBatcher(nil)

	b.Enter(false) // writer wave is open

	done := make(chan uint64, 1)
	go func() {
		done <- b.Enter(true)
	}()

	select {
	case epoch := <-done:
		if epoch != 0 {
			t.Errorf("reader joined epoch %d, want 0", epoch)
		}
	case <-time.After(time.Second):
		t.Fatal("read-only admission blocked behind a writer wave")
	}

	b.Leave(true)
	b.Leave(false)
}

// TestBatcherWriterWave tests that writers arriving during an epoch are
// parked and admitted together as the next wave
func TestBatcherWriterWave(t *testing.T) {
	var steps atomic.Int64
	b := NewBatcher(func(uint64) { steps.Add(1) })

	b.Enter(false) // opens the wave of epoch 0

	const parked = 3
	admitted := make(chan uint64, parked)
	for i := 0; i < parked; i++ {
		go func() {
			admitted <- b.Enter(false)
		}()
	}

	// the late writers must not be admitted into the running epoch
	time.Sleep(100 * time.Millisecond)
	select {
	case epoch := <-admitted:
		t.Fatalf("writer was admitted into epoch %d while a wave was open", epoch)
	default:
	}

	b.Leave(false)

	// all parked writers join the following epoch together
	for i := 0; i < parked; i++ {
		select {
		case epoch := <-admitted:
			if epoch != 1 {
				t.Errorf("parked writer joined epoch %d, want 1", epoch)
			}
		case <-time.After(time.Second):
			t.Fatal("parked writer was not released")
		}
	}

	for i := 0; i < parked; i++ {
		b.Leave(false)
	}

	if got := steps.Load(); got != 2 {
		t.Errorf("commit steps = %d, want 2", got)
	}
	if b.Epoch() != 2 {
		t.Errorf("Epoch() = %d, want 2", b.Epoch())
	}
}

// TestBatcherLastOutCommits tests that the commit step waits for every
// participant, including read-only transactions
func TestBatcherLastOutCommits(t *testing.T) {
	var steps atomic.Int64
	b := NewBatcher(func(uint64) { steps.Add(1) })

	b.Enter(false)
	b.Enter(true)

	b.Leave(false)
	if got := steps.Load(); got != 0 {
		t.Fatalf("commit step ran with a reader still inside (steps = %d)", got)
	}

	b.Leave(true)
	if got := steps.Load(); got != 1 {
		t.Errorf("commit steps = %d after the last reader left, want 1", got)
	}
}

// TestBatcherConcurrentChurn tests progress under many concurrent writers
// and readers
func TestBatcherConcurrentChurn(t *testing.T) {
	var active, max atomic.Int64
	b := NewBatcher(nil)

	const (
		workers = 8
		rounds  = 100
	)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			readOnly := w%2 == 0
			for i := 0; i < rounds; i++ {
				b.Enter(readOnly)
				if cur := active.Add(1); cur > max.Load() {
					max.Store(cur)
				}
				active.Add(-1)
				b.Leave(readOnly)
			}
		}(w)
	}
	wg.Wait()

	if !b.Idle() {
		t.Error("Idle() = false after all workers finished")
	}
	if b.Epoch() == 0 {
		t.Error("epoch never advanced")
	}
}
