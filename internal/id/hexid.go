package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// hexIDLen is the rendered length of a WorkerID/RendezvousID: 16 random
// bytes (128 bits), hex-encoded as 32 lowercase characters (spec §3, §6.1).
const hexIDLen = 32

// WorkerID returns a new 128-bit worker identifier rendered as 32 lowercase
// hex characters. Workers generate their own id at first login and persist
// it locally; the core never assigns one.
func WorkerID() string {
	return newHexID()
}

// RendezvousID returns a new 128-bit rendezvous identifier rendered as 32
// lowercase hex characters. One is minted per inbound public connection
// that the dispatcher accepts for relay.
func RendezvousID() string {
	return newHexID()
}

func newHexID() string {
	var buf [hexIDLen / 2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("id: read random bytes: %v", err))
	}
	return hex.EncodeToString(buf[:])
}

// IsValidHexID reports whether s has the exact shape a WorkerID or
// RendezvousID must have: 32 lowercase hex characters.
func IsValidHexID(s string) bool {
	if len(s) != hexIDLen {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
