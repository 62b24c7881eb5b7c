package dhtnet

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"
)

// testNodes creates n DHT nodes, each listening on a random port and backed
// by its own in-memory store. All nodes are cleaned up when the test
// finishes.
func testNodes(t *testing.T, n int) []*Node {
	t.Helper()
	nodes := make([]*Node, n)
	for i := range nodes {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("generate key %d: %v", i, err)
		}
		cfg := Config{
			PrivateKey: priv,
			PublicKey:  pub,
			K:          20,
			Alpha:      3,
			Port:       0,
			StorePath:  ":memory:",
		}
		node, err := NewNode(cfg)
		if err != nil {
			t.Fatalf("new node %d: %v", i, err)
		}
		if err := node.Start(); err != nil {
			t.Fatalf("start node %d: %v", i, err)
		}
		nodes[i] = node
		t.Cleanup(func() { node.Close() })
	}
	return nodes
}

func waitForTableSize(t *testing.T, n *Node, expected int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if n.Table().Size() >= expected {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	id := n.ID()
	t.Fatalf("node %x table size = %d, want >= %d (timed out)",
		id[:4], n.Table().Size(), expected)
}

func TestNodePing(t *testing.T) {
	nodes := testNodes(t, 2)
	a, b := nodes[0], nodes[1]

	info, err := a.Ping(b.Addr())
	if err != nil {
		t.Fatalf("ping: %v", err)
	}

	bID := b.ID()
	if info.ID != bID {
		t.Fatalf("ping returned ID = %x, want %x", info.ID[:4], bID[:4])
	}
	if info.Address != b.Addr() {
		t.Fatalf("ping returned address = %q, want %q", info.Address, b.Addr())
	}

	waitForTableSize(t, a, 1, 2*time.Second)
	waitForTableSize(t, b, 1, 2*time.Second)

	closest := a.Table().ClosestN(b.ID(), 1)
	if len(closest) == 0 || closest[0].ID != b.ID() {
		t.Fatal("A's routing table does not contain B")
	}
	closest = b.Table().ClosestN(a.ID(), 1)
	if len(closest) == 0 || closest[0].ID != a.ID() {
		t.Fatal("B's routing table does not contain A")
	}
}

func TestNodePingTimeout(t *testing.T) {
	nodes := testNodes(t, 1)
	a := nodes[0]

	_, err := a.Ping("127.0.0.1:19999")
	if err == nil {
		t.Fatal("expected error pinging non-existent address")
	}
}

func TestNodeFindNodeDirect(t *testing.T) {
	nodes := testNodes(t, 3)
	a, b, c := nodes[0], nodes[1], nodes[2]

	if _, err := a.Ping(b.Addr()); err != nil {
		t.Fatalf("A ping B: %v", err)
	}
	if _, err := b.Ping(c.Addr()); err != nil {
		t.Fatalf("B ping C: %v", err)
	}

	waitForTableSize(t, a, 1, 2*time.Second)
	waitForTableSize(t, b, 2, 2*time.Second)

	peers, err := a.FindNode(c.ID())
	if err != nil {
		t.Fatalf("FindNode: %v", err)
	}

	found := false
	for _, p := range peers {
		if p.ID == c.ID() {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("FindNode did not find C. Got %d peers", len(peers))
	}
}

func TestNodeFindNodeIterative(t *testing.T) {
	nodes := testNodes(t, 5)

	for i := 0; i < len(nodes)-1; i++ {
		if _, err := nodes[i].Ping(nodes[i+1].Addr()); err != nil {
			t.Fatalf("ping %d->%d: %v", i, i+1, err)
		}
	}

	for i := 0; i < len(nodes); i++ {
		expected := 1
		if i > 0 && i < len(nodes)-1 {
			expected = 2
		}
		waitForTableSize(t, nodes[i], expected, 2*time.Second)
	}

	target := nodes[4].ID()
	peers, err := nodes[0].FindNode(target)
	if err != nil {
		t.Fatalf("FindNode: %v", err)
	}

	found := false
	for _, p := range peers {
		if p.ID == target {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("iterative FindNode did not find E. Got %d peers", len(peers))
	}
}

func TestNodeBootstrap(t *testing.T) {
	nodes := testNodes(t, 2)
	a := nodes[0]

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	cfg := Config{
		PrivateKey:     priv,
		PublicKey:      pub,
		K:              20,
		Alpha:          3,
		Port:           0,
		StorePath:      ":memory:",
		BootstrapPeers: []string{a.Addr()},
	}
	b, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("new bootstrap node: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("start bootstrap node: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	waitForTableSize(t, b, 1, 3*time.Second)
	waitForTableSize(t, a, 1, 3*time.Second)

	closest := b.Table().ClosestN(a.ID(), 1)
	if len(closest) == 0 || closest[0].ID != a.ID() {
		t.Fatal("B's table does not contain A after bootstrap")
	}
	closest = a.Table().ClosestN(b.ID(), 1)
	if len(closest) == 0 || closest[0].ID != b.ID() {
		t.Fatal("A's table does not contain B after bootstrap")
	}
}

func TestNodeHandleMessageUpdatesTable(t *testing.T) {
	nodes := testNodes(t, 2)
	a, b := nodes[0], nodes[1]

	if a.Table().Size() != 0 {
		t.Fatalf("A's table should be empty initially, got %d", a.Table().Size())
	}

	if _, err := a.Ping(b.Addr()); err != nil {
		t.Fatalf("ping: %v", err)
	}

	waitForTableSize(t, a, 1, 2*time.Second)

	bID2 := b.ID()
	closest := a.Table().ClosestN(bID2, 1)
	if len(closest) == 0 {
		t.Fatal("A's table is empty after receiving messages from B")
	}
	if closest[0].ID != bID2 {
		t.Fatalf("A's table contains %x, want %x", closest[0].ID[:4], bID2[:4])
	}
}

func TestPutItemAndGetItemRoundTrip(t *testing.T) {
	nodes := testNodes(t, 3)
	a, b, c := nodes[0], nodes[1], nodes[2]

	if _, err := a.Ping(b.Addr()); err != nil {
		t.Fatalf("A ping B: %v", err)
	}
	if _, err := b.Ping(c.Addr()); err != nil {
		t.Fatalf("B ping C: %v", err)
	}
	waitForTableSize(t, a, 1, 2*time.Second)
	waitForTableSize(t, b, 2, 2*time.Second)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	value := []byte(`{"manifest":"v1"}`)
	sig := ed25519.Sign(priv, ItemSignable(1, value))

	if _, err := a.PutItem(pub, 1, value, sig); err != nil {
		t.Fatalf("PutItem: %v", err)
	}

	seq, got, gotSig, found, err := c.GetItem(pub)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if !found {
		t.Fatal("GetItem did not find the item published by A")
	}
	if seq != 1 || string(got) != string(value) {
		t.Fatalf("GetItem returned seq=%d value=%q, want seq=1 value=%q", seq, got, value)
	}
	if !ed25519.Verify(pub, ItemSignable(seq, got), gotSig) {
		t.Fatal("GetItem returned an item with an invalid signature")
	}
}

func TestPutItemRejectsBadSignature(t *testing.T) {
	nodes := testNodes(t, 1)
	a := nodes[0]

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	value := []byte("tampered")
	badSig := make([]byte, ed25519.SignatureSize)

	if _, err := a.PutItem(pub, 1, value, badSig); err == nil {
		t.Fatal("expected PutItem to reject an invalid signature")
	}
}

func TestPutItemSequenceMonotonic(t *testing.T) {
	nodes := testNodes(t, 1)
	a := nodes[0]

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	v1 := []byte("first")
	sig1 := ed25519.Sign(priv, ItemSignable(5, v1))
	if _, err := a.PutItem(pub, 5, v1, sig1); err != nil {
		t.Fatalf("PutItem seq 5: %v", err)
	}

	v2 := []byte("stale")
	sig2 := ed25519.Sign(priv, ItemSignable(3, v2))
	if _, err := a.PutItem(pub, 3, v2, sig2); err != nil {
		t.Fatalf("PutItem seq 3: %v", err)
	}

	seq, value, _, found, err := a.GetItem(pub)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if !found || seq != 5 || string(value) != "first" {
		t.Fatalf("GetItem returned seq=%d value=%q, want the higher-seq item to survive", seq, value)
	}
}

func TestAnnounceAndGetPeersRoundTrip(t *testing.T) {
	nodes := testNodes(t, 3)
	a, b, c := nodes[0], nodes[1], nodes[2]

	if _, err := a.Ping(b.Addr()); err != nil {
		t.Fatalf("A ping B: %v", err)
	}
	if _, err := b.Ping(c.Addr()); err != nil {
		t.Fatalf("B ping C: %v", err)
	}
	waitForTableSize(t, a, 1, 2*time.Second)
	waitForTableSize(t, b, 2, 2*time.Second)

	var infoHash [20]byte
	rand.Read(infoHash[:])

	if _, err := a.Announce(infoHash, "203.0.113.5:4000"); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	peers, err := c.GetPeers(infoHash)
	if err != nil {
		t.Fatalf("GetPeers: %v", err)
	}

	found := false
	for _, p := range peers {
		if p == "203.0.113.5:4000" {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("GetPeers did not return the address A announced. Got %v", peers)
	}
}
