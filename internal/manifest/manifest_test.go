package manifest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/ssd-technologies/nocturne-dist/internal/blobid"
)

func testManifest(t *testing.T, pub ed25519.PublicKey) *Manifest {
	t.Helper()
	return &Manifest{
		Pub: pub,
		Seq: 7,
		Files: []FileEntry{
			{
				Name: "report.pdf",
				Size: 5,
				Mime: "application/pdf",
				Chunks: []Blob{
					{ID: blobid.Of([]byte("chunk one")), Size: 5, Key: [32]byte{1}, IV: [12]byte{2}},
				},
			},
		},
	}
}

func TestSignVerify_Roundtrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	m := testManifest(t, pub)
	if err := Sign(priv, m); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	wireBytes, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	verified, err := Verify(wireBytes)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verified.Seq != m.Seq {
		t.Fatalf("verified.Seq = %d, want %d", verified.Seq, m.Seq)
	}
	if len(verified.Files) != 1 || verified.Files[0].Name != "report.pdf" {
		t.Fatalf("verified.Files = %+v, want one report.pdf entry", verified.Files)
	}
	if !bytes.Equal(verified.CanonicalBytes(), m.CanonicalBytes()) {
		t.Fatal("Verify's preserved canonical bytes differ from Sign's")
	}
}

func TestVerify_RejectsTamperedCanonicalField(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	m := testManifest(t, pub)
	if err := Sign(priv, m); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	wireBytes, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	tampered := bytes.Replace(wireBytes, []byte(`"seq":7`), []byte(`"seq":8`), 1)
	if bytes.Equal(tampered, wireBytes) {
		t.Fatal("test setup did not actually alter the wire bytes")
	}

	if _, err := Verify(tampered); err == nil {
		t.Fatal("Verify should reject a manifest whose canonical bytes were altered after signing")
	}
}

func TestSign_RejectsKeyNotMatchingPub(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	m := testManifest(t, pub)
	// Sign with a key that does not match m.Pub.
	if err := Sign(otherPriv, m); err == nil {
		t.Fatal("Sign should reject a private key that does not match Manifest.Pub")
	}
}

func TestSign_DifferentFilesProduceDifferentCanonicalBytes(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	m1 := testManifest(t, pub)
	if err := Sign(priv, m1); err != nil {
		t.Fatalf("Sign m1: %v", err)
	}

	m2 := testManifest(t, pub)
	m2.Files[0].Name = "different.pdf"
	if err := Sign(priv, m2); err != nil {
		t.Fatalf("Sign m2: %v", err)
	}

	if bytes.Equal(m1.CanonicalBytes(), m2.CanonicalBytes()) {
		t.Fatal("manifests with different file names should have different canonical bytes")
	}
	if bytes.Equal(m1.Sig, m2.Sig) {
		t.Fatal("manifests with different canonical bytes should have different signatures")
	}
}

func TestStripSigInsertSig_Roundtrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	m := testManifest(t, pub)
	if err := Sign(priv, m); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	wireBytes, err := insertSig(m.canonicalBytes, m.Sig)
	if err != nil {
		t.Fatalf("insertSig: %v", err)
	}

	gotCanonical, gotSigHex, err := stripSig(wireBytes)
	if err != nil {
		t.Fatalf("stripSig: %v", err)
	}
	if !bytes.Equal(gotCanonical, m.canonicalBytes) {
		t.Fatalf("stripSig canonical = %s, want %s", gotCanonical, m.canonicalBytes)
	}
	wantSigHex := hex.EncodeToString(m.Sig)
	if gotSigHex != wantSigHex {
		t.Fatalf("stripSig sig hex = %s, want %s", gotSigHex, wantSigHex)
	}
}

func TestEncode_RequiresSignedManifest(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	m := testManifest(t, pub)
	if _, err := Encode(m); err == nil {
		t.Fatal("Encode should reject a manifest that was never signed")
	}
}
