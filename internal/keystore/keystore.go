// Package keystore persists Ed25519 publish keys under
// <data_dir>/keys/<pub_hex>.key, one file per key, hex-encoded and
// owner-only (mode 0600), per SPEC_FULL.md §6. Grounded on the teacher's
// loadOrGenerateKeypair (cmd/nocturne-node/main.go) and
// internal/dht/keypair.go, generalized from "one key for the process" to
// "one key file per publish identity" since the admin API's generateKey
// command can mint any number of them.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ssd-technologies/nocturne-dist/internal/errs"
)

// Store manages the set of Ed25519 keypairs held under dir.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errs.Wrap(errs.KindIO, "keystore: create directory", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(pubHex string) string {
	return filepath.Join(s.dir, pubHex+".key")
}

// Generate creates a new Ed25519 keypair and persists its private half
// hex-encoded under <dir>/<pub_hex>.key with mode 0600.
func (s *Store) Generate() (pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	pub, priv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindIO, "keystore: generate keypair", err)
	}

	pubHex := hex.EncodeToString(pub)
	encoded := []byte(hex.EncodeToString(priv))
	if err := os.WriteFile(s.path(pubHex), encoded, 0600); err != nil {
		return nil, nil, errs.Wrap(errs.KindIO, "keystore: write key file", err)
	}
	return pub, priv, nil
}

// GenerateEncrypted creates a new Ed25519 keypair and persists its private
// half wrapped under a passphrase-derived key (see wrap.go), for operators
// who want their secret key files protected at rest beyond file mode 0600.
func (s *Store) GenerateEncrypted(passphrase string) (pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	pub, priv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindIO, "keystore: generate keypair", err)
	}

	encoded, err := wrapPrivateKey(priv, passphrase)
	if err != nil {
		return nil, nil, err
	}
	pubHex := hex.EncodeToString(pub)
	if err := os.WriteFile(s.path(pubHex), encoded, 0600); err != nil {
		return nil, nil, errs.Wrap(errs.KindIO, "keystore: write key file", err)
	}
	return pub, priv, nil
}

// Load reads the private key for pubHex from disk. It returns BadKey if
// the key file is passphrase-wrapped; use LoadEncrypted for those.
func (s *Store) Load(pubHex string) (ed25519.PrivateKey, error) {
	data, err := s.readKeyFile(pubHex)
	if err != nil {
		return nil, err
	}
	if isWrapped(data) {
		return nil, errs.New(errs.KindBadKey, "keystore: key "+pubHex+" is passphrase-protected, use LoadEncrypted")
	}
	raw, err := hex.DecodeString(string(data))
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return nil, errs.New(errs.KindBadKey, "keystore: corrupt key file "+pubHex)
	}
	return ed25519.PrivateKey(raw), nil
}

// LoadEncrypted reads and unwraps a passphrase-protected private key.
func (s *Store) LoadEncrypted(pubHex, passphrase string) (ed25519.PrivateKey, error) {
	data, err := s.readKeyFile(pubHex)
	if err != nil {
		return nil, err
	}
	if !isWrapped(data) {
		return nil, errs.New(errs.KindBadKey, "keystore: key "+pubHex+" is not passphrase-protected, use Load")
	}
	return unwrapPrivateKey(data, passphrase)
}

func (s *Store) readKeyFile(pubHex string) ([]byte, error) {
	data, err := os.ReadFile(s.path(pubHex))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.KindNotFound, "keystore: no key for "+pubHex)
		}
		return nil, errs.Wrap(errs.KindIO, "keystore: read key file", err)
	}
	return data, nil
}

// List returns the hex-encoded public keys of every key held in the store.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "keystore: list directory", err)
	}
	var pubs []string
	for _, e := range entries {
		name := e.Name()
		const suffix = ".key"
		if e.IsDir() || len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		pubs = append(pubs, name[:len(name)-len(suffix)])
	}
	return pubs, nil
}

// ParsePublicKey decodes a hex-encoded Ed25519 public key.
func ParsePublicKey(pubHex string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, errs.New(errs.KindBadKey, fmt.Sprintf("keystore: invalid public key %q", pubHex))
	}
	return ed25519.PublicKey(raw), nil
}

// LoadOrGenerateNodeIdentity loads the DHT node's own identity keypair from
// a single fixed path, or generates and persists one if absent. Unlike the
// per-publish-identity keys above (one file per pubHex under Store's dir),
// a DHT node has exactly one stable identity for its lifetime — the NodeID
// used in XOR-distance routing is derived from this key, so regenerating it
// on every restart would scatter the node's k-bucket position across the
// network each time. Grounded on the teacher's loadOrGenerateKeypair
// (cmd/nocturne-node/main.go) and internal/dht/keypair.go.
func LoadOrGenerateNodeIdentity(path string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != ed25519.PrivateKeySize {
			return nil, nil, errs.New(errs.KindBadKey, fmt.Sprintf("keystore: invalid node identity file: expected %d bytes, got %d", ed25519.PrivateKeySize, len(data)))
		}
		priv := ed25519.PrivateKey(data)
		pub := priv.Public().(ed25519.PublicKey)
		return pub, priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, errs.Wrap(errs.KindIO, "keystore: read node identity file", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindIO, "keystore: generate node identity", err)
	}
	if err := os.WriteFile(path, []byte(priv), 0600); err != nil {
		return nil, nil, errs.Wrap(errs.KindIO, "keystore: write node identity file", err)
	}
	return pub, priv, nil
}
