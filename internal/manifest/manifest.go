// Package manifest implements the manifest codec: canonical serialization,
// Ed25519 signing/verification, and info-hash derivation, per SPEC_FULL.md
// §4.G. It is grounded on cpp-reference/megatorrent/manifest.cpp's
// parse/verify/infoHash shape, resolving that reference's unresolved
// "re-serialization can diverge from signed bytes" note by preserving the
// exact signed byte range instead of re-emitting after parse.
package manifest

import (
	"crypto/ed25519"
	"crypto/sha256"

	"github.com/ssd-technologies/nocturne-dist/internal/blobid"
	"github.com/ssd-technologies/nocturne-dist/internal/errs"
)

// Blob is one content-addressed, encrypted chunk referenced by a manifest.
type Blob struct {
	ID   blobid.ID
	Size uint64
	Key  [32]byte
	IV   [12]byte
}

// FileEntry describes one logical file as an ordered sequence of chunks.
// Size must equal the sum of the chunk sizes (SPEC_FULL.md §3).
type FileEntry struct {
	Name   string
	Size   uint64
	Mime   string
	Chunks []Blob
}

// Manifest is an author-signed, sequence-numbered description of one or
// more files, per SPEC_FULL.md §3.
type Manifest struct {
	Pub   ed25519.PublicKey // 32 bytes
	Seq   int64
	Files []FileEntry
	Sig   []byte // 64 bytes

	// canonicalBytes is the exact byte range the signature covers: the
	// manifest serialized with sig absent, fields in canonical order. It is
	// populated by Sign (freshly built) or Verify (preserved from the
	// parsed wire bytes), never recomputed from the typed fields after the
	// fact — that is precisely the divergence the teacher's reference left
	// unresolved.
	canonicalBytes []byte
}

// CanonicalBytes returns the exact bytes the signature was computed over.
func (m *Manifest) CanonicalBytes() []byte {
	return m.canonicalBytes
}

// Sign builds the canonical serialization of m (ignoring any existing Sig)
// and signs it with priv, setting m.Sig and m.canonicalBytes. priv's public
// half must equal m.Pub.
func Sign(priv ed25519.PrivateKey, m *Manifest) error {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok || len(m.Pub) != ed25519.PublicKeySize {
		return errs.New(errs.KindBadKey, "manifest: invalid signing key")
	}
	if string(pub) != string(m.Pub) {
		return errs.New(errs.KindBadKey, "manifest: priv does not match manifest pub")
	}

	canonical := encodeCanonical(m)
	m.Sig = ed25519.Sign(priv, canonical)
	m.canonicalBytes = canonical
	return nil
}

// Verify parses wire-format manifest bytes (canonical_bytes with a "sig"
// field inserted after "files"), reconstructs the exact signed byte range,
// and checks the Ed25519 signature. On success it returns the parsed
// Manifest with canonicalBytes set to the preserved signed range.
func Verify(wireBytes []byte) (*Manifest, error) {
	m, canonical, err := parseWire(wireBytes)
	if err != nil {
		return nil, errs.Wrap(errs.KindBadManifest, "parse manifest", err)
	}
	if len(m.Pub) != ed25519.PublicKeySize || len(m.Sig) != ed25519.SignatureSize {
		return nil, errs.New(errs.KindVerifyFailed, "manifest: malformed key or signature length")
	}
	if !ed25519.Verify(m.Pub, canonical, m.Sig) {
		return nil, errs.New(errs.KindVerifyFailed, "manifest: signature does not verify")
	}
	m.canonicalBytes = canonical
	return m, nil
}

// InfoHash returns SHA-256(manifestBytes); the first 20 bytes are used as
// the BitTorrent-style infohash when announcing the manifest itself, per
// SPEC_FULL.md §4.G/§6.
func InfoHash(manifestBytes []byte) [32]byte {
	return sha256.Sum256(manifestBytes)
}

// Encode serializes m to its on-wire form: canonical_bytes with "sig"
// inserted after "files". m must already be signed (Sig and
// canonicalBytes set, e.g. via Sign).
func Encode(m *Manifest) ([]byte, error) {
	if len(m.Sig) != ed25519.SignatureSize || m.canonicalBytes == nil {
		return nil, errs.New(errs.KindBadManifest, "manifest: not signed")
	}
	return insertSig(m.canonicalBytes, m.Sig)
}
