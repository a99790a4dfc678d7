// Package stm provides a standardized interface for word-granular software
// transactional memory (STM) engines. It defines the IRegion and ITransaction
// interfaces that allow client code to perform atomic, isolated reads and
// writes against a shared memory region while abstracting the concurrency
// control strategy of the underlying engine.
//
// The package focuses on:
//   - A unified interface for transactional memory operations
//   - Opaque, stable addressing of shared memory words
//   - Standardized return codes for conflict aborts and allocation failures
//   - Region metadata reporting for monitoring and debugging
//
// Key Components:
//
//   - IRegion Interface: The top-level handle for a shared memory region.
//     A region owns a set of segments (contiguous runs of aligned words),
//     hands out transactions via Begin, and reports metadata via Info.
//     The first segment is allocated at creation time and lives for the
//     region's entire lifetime.
//
//   - ITransaction Interface: A single transaction against a region. All
//     reads, writes, allocations and frees are issued through it and take
//     effect atomically when End reports a successful commit. A transaction
//     value must not be shared between goroutines.
//
//   - Addr: An opaque 64-bit address naming a byte inside the region. Client
//     code may perform ordinary arithmetic on an Addr to address individual
//     words inside a segment; the engine guarantees that the mapping from
//     Addr back to the owning segment is unambiguous and stable for the
//     segment's lifetime.
//
//   - Return Codes: Conflict aborts are an expected outcome of optimistic
//     concurrency and are therefore reported as boolean/RetCode results,
//     not as errors. Errors are reserved for misuse (invalid sizes, closed
//     regions) and resource exhaustion.
//
// Transactions that abort leave no observable effect on the region. Clients
// are expected to retry aborted transactions.
package stm
