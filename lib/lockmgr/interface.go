package lockmgr

// ILockManager defines the interface for a lockmgr provider.
type ILockManager interface {
	// AcquireLock tries to acquire the lock in the given slot.
	// Returns a boolean indicating whether the lock was acquired, the owner
	// token identifying the holder, and an error if any. An unsuccessful
	// attempt (lock held, or a transactional conflict) is not an error.
	AcquireLock(slot uint64) (ok bool, ownerID uint64, err error)

	// ReleaseLock releases the lock in the given slot.
	// Returns a boolean indicating whether the lock was released, and an
	// error if any. The release fails if the caller is not the holder or if
	// the release transaction hit a conflict.
	ReleaseLock(slot uint64, ownerID uint64) (ok bool, err error)
}
