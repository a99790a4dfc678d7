package internal

import (
	"sync"
)

// --------------------------------------------------------------------------
// Epoch Batcher
// --------------------------------------------------------------------------

// Batcher implements epoch-based admission control for transactions.
//
// Read-only transactions are admitted into the running epoch at any time;
// they count as participants, so an epoch does not end, and parked writers
// are not released, while a read-only transaction of that epoch is running.
// Read/write transactions are admitted in waves: the first writer of an
// epoch opens the wave, and every writer arriving while a wave is open is
// parked and admitted together with all other parked writers as the next
// wave. The last participant to leave an epoch runs the commit step (via the
// callback handed to NewBatcher) before the next wave is released.
//
// This gives the progress guarantee that a writer arriving during an active
// epoch is admitted no later than the epoch immediately following its
// arrival, so the batcher is starvation-free for writers.
type Batcher struct {
	mu   sync.Mutex
	cond *sync.Cond

	epoch    uint64
	roActive int
	rwActive int
	waiting  int

	// waveOpen is true once a writer wave has been admitted for the current
	// epoch; later writers park until the epoch drains.
	waveOpen bool

	// onEpochEnd is invoked with the finished epoch number while the batcher
	// is quiescent (all participants left, parked writers not yet released).
	onEpochEnd func(epoch uint64)
}

// NewBatcher creates a batcher. onEpochEnd is the epoch commit step; it runs
// single-threaded, after the last participant of an epoch left and before
// the next writer wave is released. It may be nil.
func NewBatcher(onEpochEnd func(epoch uint64)) *Batcher {
	b := &Batcher{onEpochEnd: onEpochEnd}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Epoch returns the current epoch number.
func (b *Batcher) Epoch() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch
}

// Idle reports whether no transaction is currently admitted or parked.
func (b *Batcher) Idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.roActive == 0 && b.rwActive == 0 && b.waiting == 0
}

// Enter admits a transaction and returns the epoch it joined. Read-only
// transactions never park; read/write transactions may block until the next
// wave is released.
func (b *Batcher) Enter(readOnly bool) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if readOnly {
		b.roActive++
		return b.epoch
	}

	if !b.waveOpen {
		// First writer of this epoch: open the wave and run.
		b.waveOpen = true
		b.rwActive++
		return b.epoch
	}

	// A wave is already running; park until the epoch after the current one.
	b.waiting++
	target := b.epoch + 1
	for b.epoch < target {
		b.cond.Wait()
	}
	return b.epoch
}

// Leave retires a participant of the current epoch. If it is the last one,
// the commit step runs and the next writer wave is released.
func (b *Batcher) Leave(readOnly bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if readOnly {
		b.roActive--
	} else {
		b.rwActive--
	}

	if b.roActive > 0 || b.rwActive > 0 {
		return
	}

	// Last one out: run the epoch commit step while the region is quiescent.
	if b.onEpochEnd != nil {
		b.onEpochEnd(b.epoch)
	}

	b.epoch++

	// Release all parked writers as the next wave.
	b.rwActive = b.waiting
	b.waiting = 0
	b.waveOpen = b.rwActive > 0

	b.cond.Broadcast()
}
