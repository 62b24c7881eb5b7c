// Package aead implements the framing and AEAD codec for nocturne-dist's
// secure transport: ChaCha20-Poly1305 (IETF) sealing over a per-direction
// little-endian nonce counter, as specified in SPEC_FULL.md §4.A.
package aead

import (
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ssd-technologies/nocturne-dist/internal/errs"
)

// KeySize and NonceSize match the IETF ChaCha20-Poly1305 construction.
const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = 16
)

// errNonceOverflow is returned once the counter would pass 2^96, the point
// at which SPEC_FULL.md §4.A requires the connection to close rather than
// reuse a nonce.
var errNonceOverflow = errs.New(errs.KindAuthFailed, "nonce counter overflow")

// counter is a 12-byte little-endian nonce counter, incremented by exactly
// one before every encrypt or decrypt, per SPEC_FULL.md §4.A.
type counter struct {
	bytes [NonceSize]byte
}

// increment advances the counter by one, carrying across bytes in
// little-endian order. It returns errNonceOverflow once the counter would
// wrap past 2^96.
func (c *counter) increment() error {
	for i := 0; i < NonceSize; i++ {
		c.bytes[i]++
		if c.bytes[i] != 0 {
			return nil
		}
	}
	// every byte wrapped to zero: the counter has overflowed 2^96
	return errNonceOverflow
}

// Codec seals and opens frames for one secure-transport connection. It holds
// two independent AEAD instances (keyed by shared_tx/shared_rx) and their
// own nonce counters, so tx and rx never share nonce state.
type Codec struct {
	sealAEAD cipherAEAD
	openAEAD cipherAEAD
	nonceTx  counter
	nonceRx  counter
}

// cipherAEAD is the subset of cipher.AEAD this package needs; kept narrow so
// tests can substitute a fake implementation without importing crypto/cipher.
type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// New builds a Codec from the directional keys derived during the X25519
// handshake (SPEC_FULL.md §4.B).
func New(sharedTx, sharedRx [KeySize]byte) (*Codec, error) {
	tx, err := chacha20poly1305.New(sharedTx[:])
	if err != nil {
		return nil, fmt.Errorf("aead: new tx cipher: %w", err)
	}
	rx, err := chacha20poly1305.New(sharedRx[:])
	if err != nil {
		return nil, fmt.Errorf("aead: new rx cipher: %w", err)
	}
	return &Codec{sealAEAD: tx, openAEAD: rx}, nil
}

// Encrypt advances nonce_tx and seals plain, returning ciphertext‖tag. The
// caller is responsible for the u32 big-endian length prefix specified in
// SPEC_FULL.md §4.A; this method only produces the sealed payload.
func (c *Codec) Encrypt(plain []byte) ([]byte, error) {
	if err := c.nonceTx.increment(); err != nil {
		return nil, err
	}
	return c.sealAEAD.Seal(nil, c.nonceTx.bytes[:], plain, nil), nil
}

// Decrypt advances nonce_rx and opens a ciphertext‖tag frame. Any failure —
// bad tag, truncated input, or nonce overflow — is reported as AuthFailed
// and is fatal for the connection, per SPEC_FULL.md §4.A/§7.
func (c *Codec) Decrypt(frame []byte) ([]byte, error) {
	if err := c.nonceRx.increment(); err != nil {
		return nil, err
	}
	if len(frame) < TagSize {
		return nil, errs.New(errs.KindAuthFailed, "frame shorter than AEAD tag")
	}
	plain, err := c.openAEAD.Open(nil, c.nonceRx.bytes[:], frame, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindAuthFailed, "decrypt", err)
	}
	return plain, nil
}

// NonceTxCount returns the current outbound nonce counter as a uint64,
// valid only while it fits (used by tests verifying S1's nonce_tx == 1).
func (c *Codec) NonceTxCount() uint64 {
	return counterToUint64(c.nonceTx)
}

// NonceRxCount mirrors NonceTxCount for the inbound direction.
func (c *Codec) NonceRxCount() uint64 {
	return counterToUint64(c.nonceRx)
}

func counterToUint64(c counter) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(c.bytes[i])
	}
	return v
}
