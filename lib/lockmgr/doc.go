// Package lockmgr implements a locking mechanism on top of shared memory
// regions that implement the stm.IRegion interface. It provides a simple yet
// robust way to coordinate access to resources between goroutines that
// already share a transactional memory region.
//
// Each lock occupies one word ("slot") of the region's first segment. The
// lockmgr only ever stores in the provided IRegion and has no other internal
// state. Therefore it is safe to create multiple lock managers on the same
// region; as long as the same region and slots are used every time, all
// locks will work as expected.
//
// Core Functionality:
//   - Lock acquisition with ownership verification
//   - Safe release operations that verify ownership
//
// Implementation Approach:
//
//	Locks are implemented by leveraging the atomicity of the underlying
//	transactional memory. Specifically:
//
//	- Lock Acquisition: A short read/write transaction reads the slot and,
//	  only if it holds the zero token, writes a randomly generated owner
//	  token. The transactional conflict detection guarantees that at most
//	  one acquirer per epoch commits this read-modify-write.
//
//	- Lock Verification: A successful commit of the acquisition transaction
//	  IS the verification - a competing acquirer either observed a nonzero
//	  token or was aborted by the conflict rules.
//
//	- Safe Release: The release transaction verifies that the stored token
//	  matches the caller's owner token before writing the zero token back.
//
// Conflict aborts are reported as unsuccessful acquisition/release attempts,
// never as errors; callers are expected to retry.
//
// Thread Safety:
//
//	The lockmgr is as thread-safe as the underlying stm.IRegion
//	implementation. Every operation runs in its own transaction.
package lockmgr
