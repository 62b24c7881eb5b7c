// Package dhtadapter is the spec's DHT adapter (component H): a thin
// façade over one embedded internal/dhtnet.Node exposing put_mutable,
// put_mutable_signed, get_mutable, announce and get_peers. It owns no
// routing-table maintenance of its own — that is internal/dhtnet.Node's
// job.
//
// ManifestFound events are fanned out to subscribers of a pub in two
// cases: synchronously, when a caller's own GetMutable call resolves, and
// asynchronously, when dhtnet.Node stores a mutable item pushed to it
// unsolicited by another node's PUT_MUTABLE fan-out (this node acting as
// a replication target for someone else's key, not answering its own
// lookup). internal/engine wires the subscription manager's poll-driven
// update path to this second case so a subscribed manifest can be picked
// up as soon as it reaches this node, without waiting for the next poll
// tick.
package dhtadapter

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/ssd-technologies/nocturne-dist/internal/dhtnet"
	"github.com/ssd-technologies/nocturne-dist/internal/errs"
	"github.com/ssd-technologies/nocturne-dist/internal/manifest"
)

// ManifestFoundFunc is invoked when a manifest for pub becomes available,
// either because this adapter's own GetMutable resolved it or because the
// underlying dhtnet.Node received it unsolicited as a replication target.
type ManifestFoundFunc func(pub ed25519.PublicKey, m *manifest.Manifest)

// Adapter is the DHT adapter façade.
type Adapter struct {
	node *dhtnet.Node

	mu           sync.Mutex
	manifestSubs map[string][]ManifestFoundFunc // keyed by hex(pub)
}

// New wraps an already-started dhtnet.Node.
func New(node *dhtnet.Node) *Adapter {
	a := &Adapter{
		node:         node,
		manifestSubs: make(map[string][]ManifestFoundFunc),
	}
	node.OnItemStored(a.handleItemStored)
	return a
}

// OnManifestFound registers fn to be called whenever a manifest for pub
// becomes available, per ManifestFoundFunc's two cases.
func (a *Adapter) OnManifestFound(pub ed25519.PublicKey, fn ManifestFoundFunc) {
	key := hex.EncodeToString(pub)
	a.mu.Lock()
	a.manifestSubs[key] = append(a.manifestSubs[key], fn)
	a.mu.Unlock()
}

// handleItemStored is dhtnet.Node's OnItemStored callback: it verifies the
// pushed item as a manifest and fans it out to pub's subscribers exactly
// as a resolved GetMutable call would, without anyone having to poll for it.
func (a *Adapter) handleItemStored(pub ed25519.PublicKey, seq int64, value, sig []byte) {
	m, err := manifest.Verify(value)
	if err != nil {
		return
	}
	a.dispatchManifest(pub, m)
}

// PutMutable signs payload as a BEP-44-style mutable item under (pub, seq)
// and publishes it to the DHT. priv's public half must equal pub.
func (a *Adapter) PutMutable(pub ed25519.PublicKey, priv ed25519.PrivateKey, payload []byte, seq int64) error {
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return errs.New(errs.KindBadKey, "dhtadapter: invalid key length")
	}
	sig := ed25519.Sign(priv, dhtnet.ItemSignable(seq, payload))
	return a.PutMutableSigned(pub, seq, payload, sig)
}

// PutMutableSigned relays an already-signed mutable item, requiring no
// private key — the gateway relay path per SPEC_FULL.md §9.
func (a *Adapter) PutMutableSigned(pub ed25519.PublicKey, seq int64, value, sig []byte) error {
	if _, err := a.node.PutItem(pub, seq, value, sig); err != nil {
		return errs.Wrap(errs.KindDHTFail, "put_mutable", err)
	}
	return nil
}

// GetMutable looks up the mutable item for pub, verifies it as a manifest,
// and fans a ManifestFound event out to every subscriber of pub. The
// lookup runs synchronously; callers that want non-blocking behavior
// should call this from their own goroutine.
func (a *Adapter) GetMutable(pub ed25519.PublicKey) (*manifest.Manifest, error) {
	_, value, _, found, err := a.node.GetItem(pub)
	if err != nil {
		return nil, errs.Wrap(errs.KindDHTFail, "get_mutable", err)
	}
	if !found {
		return nil, errs.New(errs.KindNotFound, "get_mutable: no item for key")
	}

	m, err := manifest.Verify(value)
	if err != nil {
		return nil, err
	}

	a.dispatchManifest(pub, m)
	return m, nil
}

func (a *Adapter) dispatchManifest(pub ed25519.PublicKey, m *manifest.Manifest) {
	key := hex.EncodeToString(pub)
	a.mu.Lock()
	subs := append([]ManifestFoundFunc(nil), a.manifestSubs[key]...)
	a.mu.Unlock()
	for _, fn := range subs {
		fn(pub, m)
	}
}

// Announce advertises this node as serving the blob identified by
// infoHash, reachable at the given port on this node's address.
func (a *Adapter) Announce(infoHash [20]byte, port int) error {
	endpoint := addrWithPort(a.node.Addr(), port)
	if _, err := a.node.Announce(infoHash, endpoint); err != nil {
		return errs.Wrap(errs.KindDHTFail, "announce_peer", err)
	}
	return nil
}

// GetPeers looks up peers announced for infoHash.
func (a *Adapter) GetPeers(infoHash [20]byte) ([]string, error) {
	peers, err := a.node.GetPeers(infoHash)
	if err != nil {
		return nil, errs.Wrap(errs.KindDHTFail, "get_peers", err)
	}
	return peers, nil
}

// addrWithPort replaces the port in a "host:port" listen address with
// port, for announcing a different externally reachable port than the
// DHT's own listener (e.g. the blob server's port).
func addrWithPort(listenAddr string, port int) string {
	host := listenAddr
	for i := len(listenAddr) - 1; i >= 0; i-- {
		if listenAddr[i] == ':' {
			host = listenAddr[:i]
			break
		}
	}
	return fmt.Sprintf("%s:%d", host, port)
}
