package dhtadapter

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/ssd-technologies/nocturne-dist/internal/dhtnet"
	"github.com/ssd-technologies/nocturne-dist/internal/manifest"
)

func testAdapterNode(t *testing.T) *dhtnet.Node {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	node, err := dhtnet.NewNode(dhtnet.Config{
		PrivateKey: priv,
		PublicKey:  pub,
		K:          20,
		Alpha:      3,
		Port:       0,
		StorePath:  ":memory:",
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { node.Close() })
	return node
}

func signedManifest(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey, seq int64) *manifest.Manifest {
	t.Helper()
	m := &manifest.Manifest{
		Pub: pub,
		Seq: seq,
		Files: []manifest.FileEntry{
			{Name: "a.txt", Size: 3, Mime: "text/plain", Chunks: []manifest.Blob{
				{ID: [32]byte{1}, Size: 3},
			}},
		},
	}
	if err := manifest.Sign(priv, m); err != nil {
		t.Fatalf("sign manifest: %v", err)
	}
	return m
}

func TestPutMutableThenGetMutableRoundTrip(t *testing.T) {
	n := testAdapterNode(t)
	a := New(n)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	m := signedManifest(t, pub, priv, 1)
	wire, err := manifest.Encode(m)
	if err != nil {
		t.Fatalf("encode manifest: %v", err)
	}

	if err := a.PutMutable(pub, priv, wire, 1); err != nil {
		t.Fatalf("PutMutable: %v", err)
	}

	got, err := a.GetMutable(pub)
	if err != nil {
		t.Fatalf("GetMutable: %v", err)
	}
	if got.Seq != 1 || len(got.Files) != 1 || got.Files[0].Name != "a.txt" {
		t.Fatalf("GetMutable returned unexpected manifest: %+v", got)
	}
}

func TestPutMutableSignedRelaysWithoutPrivateKey(t *testing.T) {
	n := testAdapterNode(t)
	a := New(n)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	m := signedManifest(t, pub, priv, 1)
	wire, err := manifest.Encode(m)
	if err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	sig := ed25519.Sign(priv, dhtnet.ItemSignable(1, wire))

	// The gateway here never sees priv, only the pre-signed item.
	if err := a.PutMutableSigned(pub, 1, wire, sig); err != nil {
		t.Fatalf("PutMutableSigned: %v", err)
	}

	got, err := a.GetMutable(pub)
	if err != nil {
		t.Fatalf("GetMutable: %v", err)
	}
	if got.Seq != 1 {
		t.Fatalf("GetMutable returned seq %d, want 1", got.Seq)
	}
}

func TestGetMutableDispatchesToSubscribers(t *testing.T) {
	n := testAdapterNode(t)
	a := New(n)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	m := signedManifest(t, pub, priv, 1)
	wire, err := manifest.Encode(m)
	if err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	if err := a.PutMutable(pub, priv, wire, 1); err != nil {
		t.Fatalf("PutMutable: %v", err)
	}

	received := make(chan *manifest.Manifest, 1)
	a.OnManifestFound(pub, func(_ ed25519.PublicKey, m *manifest.Manifest) {
		received <- m
	})

	if _, err := a.GetMutable(pub); err != nil {
		t.Fatalf("GetMutable: %v", err)
	}

	select {
	case got := <-received:
		if got.Seq != 1 {
			t.Fatalf("subscriber received seq %d, want 1", got.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber was not notified")
	}
}

func TestAnnounceThenGetPeersRoundTrip(t *testing.T) {
	n := testAdapterNode(t)
	a := New(n)

	var infoHash [20]byte
	rand.Read(infoHash[:])

	if err := a.Announce(infoHash, 5000); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	peers, err := a.GetPeers(infoHash)
	if err != nil {
		t.Fatalf("GetPeers: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("GetPeers returned %d peers, want 1", len(peers))
	}
}

func TestOnManifestFoundFiresOnUnsolicitedPush(t *testing.T) {
	publisher := testAdapterNode(t)
	replica := testAdapterNode(t)
	a := New(replica)

	if _, err := publisher.Ping(replica.Addr()); err != nil {
		t.Fatalf("ping replica from publisher: %v", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	m := signedManifest(t, pub, priv, 1)
	wire, err := manifest.Encode(m)
	if err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	sig := ed25519.Sign(priv, dhtnet.ItemSignable(1, wire))

	received := make(chan *manifest.Manifest, 1)
	a.OnManifestFound(pub, func(_ ed25519.PublicKey, m *manifest.Manifest) {
		received <- m
	})

	if _, err := publisher.PutItem(pub, 1, wire, sig); err != nil {
		t.Fatalf("PutItem from publisher: %v", err)
	}

	select {
	case got := <-received:
		if got.Seq != 1 {
			t.Fatalf("subscriber received seq %d, want 1", got.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not notified of the unsolicited push")
	}
}

func TestGetMutableNotFound(t *testing.T) {
	n := testAdapterNode(t)
	a := New(n)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.GetMutable(pub); err == nil {
		t.Fatal("expected error for a key with no published item")
	}
}
