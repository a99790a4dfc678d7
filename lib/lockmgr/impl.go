package lockmgr

import (
	"encoding/binary"

	"github.com/ValentinKolb/dSTM/lib/stm"
)

// freeToken marks an unheld lock slot. Owner tokens are never zero.
const freeToken uint64 = 0

type lockMgrImpl struct {
	region stm.IRegion
}

// NewLockManager creates a lockmgr on top of the given region. Lock slots
// are the words of the region's first segment.
func NewLockManager(region stm.IRegion) ILockManager {
	return &lockMgrImpl{
		region: region,
	}
}

// slotAddr returns the address of the lock slot, or an error for slots
// outside the first segment.
func (lm *lockMgrImpl) slotAddr(slot uint64) (stm.Addr, error) {
	align := lm.region.Alignment()
	if slot >= lm.region.Size()/align {
		return stm.NilAddr, stm.NewError(stm.RetCInvalidArgument, "lock slot outside the first segment")
	}
	return lm.region.FirstAddr() + stm.Addr(slot*align), nil
}

func (lm *lockMgrImpl) AcquireLock(slot uint64) (bool, uint64, error) {
	addr, err := lm.slotAddr(slot)
	if err != nil {
		return false, 0, err
	}

	// Generate the owner token (random nonzero value)
	ownerID, err := generateOwnerToken()
	if err != nil {
		return false, 0, err
	}

	tx, err := lm.region.Begin(false)
	if err != nil {
		return false, 0, err
	}

	align := lm.region.Alignment()
	buf := make([]byte, align)

	// Only a free slot can be taken
	if !tx.Read(addr, buf) {
		tx.End()
		return false, 0, nil
	}
	if binary.LittleEndian.Uint64(buf) != freeToken {
		// Lock held by someone else; finish the transaction without writing
		tx.End()
		return false, 0, nil
	}

	// Write our token; the commit decides whether we won the race
	clear(buf)
	binary.LittleEndian.PutUint64(buf, ownerID)
	if !tx.Write(buf, addr) {
		tx.End()
		return false, 0, nil
	}
	if !tx.End() {
		return false, 0, nil
	}
	return true, ownerID, nil
}

func (lm *lockMgrImpl) ReleaseLock(slot uint64, ownerID uint64) (bool, error) {
	addr, err := lm.slotAddr(slot)
	if err != nil {
		return false, err
	}

	tx, err := lm.region.Begin(false)
	if err != nil {
		return false, err
	}

	align := lm.region.Alignment()
	buf := make([]byte, align)

	if !tx.Read(addr, buf) {
		tx.End()
		return false, nil
	}

	// Check if the lock is owned by us
	if binary.LittleEndian.Uint64(buf) != ownerID {
		tx.End()
		return false, nil
	}

	// Release the lock
	clear(buf)
	if !tx.Write(buf, addr) {
		tx.End()
		return false, nil
	}
	return tx.End(), nil
}
