package chat

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRandomHex returns a random hex string of 2*nBytes characters, used for
// gateway session ids. nBytes <= 0 falls back to 16 bytes.
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
