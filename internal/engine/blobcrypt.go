package engine

import (
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ssd-technologies/nocturne-dist/internal/errs"
)

// chunkSize bounds how much plaintext is read and encrypted into one blob
// at a time during ingest, and how much is buffered when reassembling a
// downloaded file, per SPEC_FULL.md §5's "stream to disk above a
// threshold" memory note.
const chunkSize = 4 << 20 // 4 MiB

// sealChunk encrypts plain under a freshly generated key and IV using
// ChaCha20-Poly1305, the same AEAD the secure transport uses for session
// frames (internal/aead), here keyed per blob instead of per connection
// since each blob is encrypted once and may outlive any single transfer.
func sealChunk(plain []byte) (ciphertext []byte, key [32]byte, iv [12]byte, err error) {
	if _, err := rand.Read(key[:]); err != nil {
		return nil, key, iv, errs.Wrap(errs.KindIO, "blobcrypt: generate key", err)
	}
	if _, err := rand.Read(iv[:]); err != nil {
		return nil, key, iv, errs.Wrap(errs.KindIO, "blobcrypt: generate iv", err)
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, key, iv, errs.Wrap(errs.KindIO, "blobcrypt: init aead", err)
	}
	ciphertext = aead.Seal(nil, iv[:], plain, nil)
	return ciphertext, key, iv, nil
}

// openChunk decrypts ciphertext produced by sealChunk.
func openChunk(ciphertext []byte, key [32]byte, iv [12]byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "blobcrypt: init aead", err)
	}
	plain, err := aead.Open(nil, iv[:], ciphertext, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindAuthFailed, "blobcrypt: decrypt chunk", err)
	}
	return plain, nil
}
