package util

import (
	"crypto/rand"
	"encoding/hex"
)

// idLen is the random payload size in bytes; hex-encoded to 32 characters.
const idLen = 16

// NewID returns a random identifier suitable for request correlation.
func NewID() string {
	b := make([]byte, idLen)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
