package transport

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
)

// roleClient and roleServer are the single ASCII-byte role tags appended to
// the shared secret before BLAKE2b key derivation, per SPEC_FULL.md §4.B: the initiator
// uses 'C' for its tx key and 'S' for its rx key; the accepter swaps.
const (
	roleClient byte = 'C'
	roleServer byte = 'S'
)

// generateEphemeral creates a fresh X25519 keypair for one handshake.
func generateEphemeral() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("transport: generate ephemeral key: %w", err)
	}
	// No explicit RFC 7748 clamping here: curve25519.X25519 clamps the scalar
	// internally, and the public key is derived the same way it will be used
	// for ECDH below.
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("transport: derive ephemeral public key: %w", err)
	}
	copy(pub[:], pubSlice)
	return priv, pub, nil
}

// sharedSecret performs the X25519 Diffie-Hellman computation.
func sharedSecret(priv, peerPub [32]byte) ([32]byte, error) {
	var s [32]byte
	secret, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return s, fmt.Errorf("transport: ecdh: %w", err)
	}
	copy(s[:], secret)
	return s, nil
}

// directionalKey derives a 32-byte directional key as the first half of
// BLAKE2b-512(secret ‖ roleTag), per SPEC_FULL.md §4.B.
func directionalKey(secret [32]byte, roleTag byte) [32]byte {
	h := blake2b.Sum512(append(secret[:], roleTag))
	var key [32]byte
	copy(key[:], h[:32])
	return key
}

// deriveDirectionalKeys computes shared_tx and shared_rx for one side of a
// handshake. initiator selects which role tag goes to tx vs rx.
func deriveDirectionalKeys(secret [32]byte, initiator bool) (tx, rx [32]byte) {
	selfTag, peerTag := roleServer, roleClient
	if initiator {
		selfTag, peerTag = roleClient, roleServer
	}
	return directionalKey(secret, selfTag), directionalKey(secret, peerTag)
}
