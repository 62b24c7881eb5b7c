package aead

import (
	"bytes"
	"testing"

	"github.com/ssd-technologies/nocturne-dist/internal/errs"
)

func randomKeyPair() (tx, rx [KeySize]byte) {
	for i := range tx {
		tx[i] = byte(i + 1)
	}
	for i := range rx {
		rx[i] = byte(i + 101)
	}
	return tx, rx
}

func TestCodec_EncryptDecrypt_Roundtrip(t *testing.T) {
	tx, rx := randomKeyPair()
	sender, err := New(tx, rx)
	if err != nil {
		t.Fatalf("New sender: %v", err)
	}
	receiver, err := New(rx, tx)
	if err != nil {
		t.Fatalf("New receiver: %v", err)
	}

	plain := []byte("a request frame's plaintext payload")
	sealed, err := sender.Encrypt(plain)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	opened, err := receiver.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Fatalf("decrypted = %q, want %q", opened, plain)
	}
}

func TestCodec_NonceIncrementsOncePerCall(t *testing.T) {
	tx, rx := randomKeyPair()
	c, err := New(tx, rx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if c.NonceTxCount() != 0 {
		t.Fatalf("initial nonce_tx = %d, want 0", c.NonceTxCount())
	}
	if _, err := c.Encrypt([]byte("first frame")); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if c.NonceTxCount() != 1 {
		t.Fatalf("nonce_tx after one Encrypt = %d, want 1", c.NonceTxCount())
	}
	if _, err := c.Encrypt([]byte("second frame")); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if c.NonceTxCount() != 2 {
		t.Fatalf("nonce_tx after two Encrypts = %d, want 2", c.NonceTxCount())
	}
}

func TestCodec_TamperedFrameFailsAuth(t *testing.T) {
	tx, rx := randomKeyPair()
	sender, err := New(tx, rx)
	if err != nil {
		t.Fatalf("New sender: %v", err)
	}
	receiver, err := New(rx, tx)
	if err != nil {
		t.Fatalf("New receiver: %v", err)
	}

	sealed, err := sender.Encrypt([]byte("authentic payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	tampered := append([]byte(nil), sealed...)
	tampered[0] ^= 0xff

	_, err = receiver.Decrypt(tampered)
	if err == nil {
		t.Fatal("Decrypt of a tampered frame should fail")
	}
	e, ok := errs.As(err)
	if !ok || e.Kind != errs.KindAuthFailed {
		t.Fatalf("Decrypt error kind = %v, want %v", err, errs.KindAuthFailed)
	}
}

func TestCodec_OutOfSyncDirectionsFailAuth(t *testing.T) {
	tx, rx := randomKeyPair()
	a, err := New(tx, rx)
	if err != nil {
		t.Fatalf("New a: %v", err)
	}
	b, err := New(tx, rx) // wrong pairing: should be New(rx, tx)
	if err != nil {
		t.Fatalf("New b: %v", err)
	}

	sealed, err := a.Encrypt([]byte("sealed under a's tx key"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := b.Decrypt(sealed); err == nil {
		t.Fatal("Decrypt under mismatched keys should fail")
	}
}

func TestCodec_TruncatedFrameRejected(t *testing.T) {
	tx, rx := randomKeyPair()
	receiver, err := New(rx, tx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = receiver.Decrypt([]byte("short"))
	if err == nil {
		t.Fatal("Decrypt of a frame shorter than the AEAD tag should fail")
	}
}

func TestCounter_IncrementCarries(t *testing.T) {
	var c counter
	c.bytes[0] = 0xff
	if err := c.increment(); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if c.bytes[0] != 0x00 || c.bytes[1] != 0x01 {
		t.Fatalf("counter after carry = %x, want [0x00 0x01 ...]", c.bytes[:2])
	}
}

func TestCounter_OverflowReturnsAuthFailed(t *testing.T) {
	var c counter
	for i := range c.bytes {
		c.bytes[i] = 0xff
	}
	err := c.increment()
	if err == nil {
		t.Fatal("incrementing a maxed-out counter should return an error")
	}
	e, ok := errs.As(err)
	if !ok || e.Kind != errs.KindAuthFailed {
		t.Fatalf("overflow error kind = %v, want %v", err, errs.KindAuthFailed)
	}
}
