package models

import (
	"crypto/subtle"
	"encoding/hex"
)

// PublicKey is an uncompressed SEC1 P-256 point. It identifies an owner or
// recipient and is safe to persist and log.
type PublicKey []byte

// Equal reports whether two public keys are the same point.
func (p PublicKey) Equal(other PublicKey) bool {
	return len(p) == len(other) && subtle.ConstantTimeCompare(p, other) == 1
}

// Short returns a hex prefix suitable for log lines.
func (p PublicKey) Short() string {
	s := hex.EncodeToString(p)
	if len(s) > 16 {
		// skip the 0x04 point-format byte
		return s[2:18]
	}
	return s
}

func (p PublicKey) String() string {
	return hex.EncodeToString(p)
}
