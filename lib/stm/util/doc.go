// Package util provides concurrency and introspection helpers for STM engine
// implementations.
//
// The package focuses on:
//   - A lock-free Multi-Producer Single-Consumer drain list used for the
//     work queues that transactions hand to the epoch commit step
//   - Distribution statistics for region metadata reporting
//
// The drain list differs from a channel-based queue on purpose: producers
// (transactions) push concurrently during an epoch, but the single consumer
// (the epoch commit step) runs only at a quiescent point and empties the
// whole list in one call. No goroutine, channel or condition variable is
// needed for that access pattern.
package util
