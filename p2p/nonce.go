package p2p

import (
	"crypto/rand"
	"encoding/binary"
)

// randomNonce draws a fresh 8 byte handshake nonce from the secure
// random source.
func randomNonce() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}
