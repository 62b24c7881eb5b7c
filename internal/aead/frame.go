package aead

import (
	"encoding/binary"
	"fmt"
)

// LengthPrefixSize is the byte size of the frame's u32 big-endian length
// field, fixed by SPEC_FULL.md §9 (resolving a u16/u32 disagreement in the
// original reference implementations in favor of u32 so that blob DATA
// frames can exceed 64 KiB).
const LengthPrefixSize = 4

// MaxFrameSize bounds a single frame's ciphertext+tag length to guard against
// a malicious or corrupted length prefix driving unbounded allocation.
const MaxFrameSize = 64 << 20 // 64 MiB

// AppendLengthPrefix writes len(sealed) as a u32 big-endian prefix followed
// by sealed itself — the on-wire frame format of SPEC_FULL.md §4.A.
func AppendLengthPrefix(sealed []byte) []byte {
	out := make([]byte, LengthPrefixSize+len(sealed))
	binary.BigEndian.PutUint32(out, uint32(len(sealed)))
	copy(out[LengthPrefixSize:], sealed)
	return out
}

// ReadLengthPrefix parses the u32 big-endian length prefix from buf. It
// returns the declared ciphertext length and ok=false if buf is shorter than
// the prefix itself (the caller should wait for more bytes).
func ReadLengthPrefix(buf []byte) (length uint32, ok bool) {
	if len(buf) < LengthPrefixSize {
		return 0, false
	}
	return binary.BigEndian.Uint32(buf[:LengthPrefixSize]), true
}

// ValidateFrameLength rejects frames outside the sane range: must carry at
// least an AEAD tag, and must not exceed MaxFrameSize.
func ValidateFrameLength(length uint32) error {
	if length < TagSize {
		return fmt.Errorf("aead: frame length %d shorter than tag size", length)
	}
	if length > MaxFrameSize {
		return fmt.Errorf("aead: frame length %d exceeds max %d", length, MaxFrameSize)
	}
	return nil
}
