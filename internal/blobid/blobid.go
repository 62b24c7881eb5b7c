// Package blobid defines the content-addressed identifier used throughout
// nocturne-dist to name an encrypted blob by the SHA-256 of its stored bytes.
package blobid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Length is the byte length of a BlobID (256 bits).
const Length = 32

// HexLength is the length of a BlobID's lowercase hex string form, used as
// the REQUEST/FIND_PEERS payload size on the wire.
const HexLength = Length * 2

// ID is the SHA-256 hash of a blob's stored (encrypted) bytes.
type ID [Length]byte

// Zero is the zero-value ID, never a valid blob identifier.
var Zero ID

// Of computes the ID of the given stored bytes.
func Of(stored []byte) ID {
	return ID(sha256.Sum256(stored))
}

// String returns the lowercase hex form of the ID.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 32 bytes of the ID.
func (id ID) Bytes() []byte {
	return id[:]
}

// Parse decodes a 64-character lowercase hex string into an ID.
func Parse(s string) (ID, error) {
	if len(s) != HexLength {
		return Zero, fmt.Errorf("blobid: expected %d hex chars, got %d", HexLength, len(s))
	}
	var id ID
	n, err := hex.Decode(id[:], []byte(s))
	if err != nil {
		return Zero, fmt.Errorf("blobid: decode hex: %w", err)
	}
	if n != Length {
		return Zero, fmt.Errorf("blobid: short decode: %d bytes", n)
	}
	return id, nil
}

// Matches reports whether stored bytes hash to this ID — the storage
// invariant every blob on disk must satisfy.
func (id ID) Matches(stored []byte) bool {
	return Of(stored) == id
}
