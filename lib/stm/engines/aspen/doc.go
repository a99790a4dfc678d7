// Package aspen implements a word-granular software transactional memory
// engine with dual-copy versioning and epoch-based concurrency control. It
// provides a complete implementation of the stm.IRegion interface with a
// focus on thread safety and conflict isolation between concurrent
// transactions.
//
// The package focuses on:
//   - Optimistic word-level conflict detection between read/write
//     transactions of the same epoch
//   - Wait-free reads for read-only transactions against a stable snapshot
//   - Deferred segment reclamation at epoch boundaries so no transaction
//     ever observes memory disappearing underneath it
//   - Lock-free bookkeeping on the access path; the only blocking points
//     are transaction admission and the epoch commit step
//
// Key Components:
//
//   - regionImpl: The central structure implementing stm.IRegion. It owns
//     the segment set, the batcher, and the pending-allocation,
//     pending-free and word-reset queues that transactions hand to the
//     epoch commit step.
//
//   - txImpl: The per-transaction descriptor. It records the words the
//     transaction claimed, the words it wrote, and its local allocation and
//     free lists. A descriptor must only be used from one goroutine.
//
//   - Batcher (internal): Groups read/write transactions into epochs.
//     Writers are admitted in waves; read-only transactions join the
//     running epoch at any time. The last participant out of an epoch runs
//     the commit step.
//
// Internal Mechanisms:
//
//   - Dual-copy words: Every aligned word has two physical copies. A word's
//     state selects the readable copy; writes of an epoch go to the other
//     copy and become readable when the commit step flips the selector for
//     every written word. Aborted transactions clear their written flags
//     before the flip, so their effects are never published.
//
//   - Access protocol: The whole per-word metadata (valid-copy selector,
//     written flag, read-by-others flag, first-accessor id) is packed into
//     one 64-bit value, so every protocol transition is a single
//     compare-and-swap. Two transactions racing for an untouched word are
//     arbitrated by the CAS; the loser re-reads the state and applies the
//     conflict rules.
//
//   - Epoch commit step: When the last transaction of an epoch leaves, the
//     engine resets exactly the words that were claimed during the epoch
//     (flipping the valid copy of written ones), publishes tentative
//     segments, unlinks freed segments, and releases the next writer wave.
//
// Serializability: transactions of different epochs are ordered by epoch;
// surviving read/write transactions of one epoch are pairwise conflict-free
// by construction, so any interleaving of them is equivalent to a serial
// order.
package aspen
