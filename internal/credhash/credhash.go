// Package credhash computes the deterministic digest used to index
// credentials in the cache and datastore, and to derive the
// principal_hash recorded on accounting rows.
//
// The teacher compares passwords with bcrypt, which is deliberately slow
// and non-deterministic across calls (a fresh salt each time) — exactly
// wrong for this use, since C2/C3 need an O(1) map/index lookup keyed by
// the credential itself (spec §4.2, §4.3), not a one-off compare. blake2b
// in keyed mode gives a fast, deterministic, fixed-size digest seeded
// with an operator-held key so the stored digest alone is useless for
// offline guessing without that key.
package credhash

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Size is the digest length in bytes.
const Size = blake2b.Size256

// Hasher computes keyed digests of credentials with a fixed server-held
// key. A Hasher is safe for concurrent use.
type Hasher struct {
	key []byte
}

// NewHasher constructs a Hasher from an operator-provided key of 1 to
// blake2b.Size (64) bytes; a longer key is rejected. An empty
// key is rejected: an unkeyed digest of a bounded credential alphabet is
// guessable offline.
func NewHasher(key []byte) (*Hasher, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("credhash: key must not be empty")
	}
	if len(key) > blake2b.Size {
		return nil, fmt.Errorf("credhash: key too long (%d bytes, max %d)", len(key), blake2b.Size)
	}
	return &Hasher{key: append([]byte(nil), key...)}, nil
}

// Hash returns the hex-encoded keyed digest of cred, suitable as a cache
// key, a datastore lookup key, or an accounting record's principal_hash.
func (h *Hasher) Hash(cred []byte) (string, error) {
	sum, err := blake2b.New256(h.key)
	if err != nil {
		return "", fmt.Errorf("credhash: new digest: %w", err)
	}
	if _, err := sum.Write(cred); err != nil {
		return "", fmt.Errorf("credhash: write: %w", err)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}
