package lockmgr

import (
	"crypto/rand"
	"encoding/binary"
)

// generateOwnerToken creates a new unique owner token.
// The token is a random nonzero 64-bit value; zero is reserved for the free
// slot marker.
func generateOwnerToken() (uint64, error) {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		if token := binary.LittleEndian.Uint64(b[:]); token != freeToken {
			return token, nil
		}
	}
}
