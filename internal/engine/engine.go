// Package engine wires components A-I together; each component runs its own
// goroutines. One engine instance owns the blob store, the
// downloader, the blob server, the embedded DHT node and adapter, and the
// subscription manager, and ties their event callbacks together so a
// discovered manifest turns into queued downloads and a locally ingested
// file turns into an announced, downloadable blob set.
package engine

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ssd-technologies/nocturne-dist/internal/blobid"
	"github.com/ssd-technologies/nocturne-dist/internal/blobserver"
	"github.com/ssd-technologies/nocturne-dist/internal/blobstore"
	"github.com/ssd-technologies/nocturne-dist/internal/dhtadapter"
	"github.com/ssd-technologies/nocturne-dist/internal/dhtnet"
	"github.com/ssd-technologies/nocturne-dist/internal/downloader"
	"github.com/ssd-technologies/nocturne-dist/internal/errs"
	"github.com/ssd-technologies/nocturne-dist/internal/keystore"
	"github.com/ssd-technologies/nocturne-dist/internal/manifest"
	"github.com/ssd-technologies/nocturne-dist/internal/subscription"
	"github.com/ssd-technologies/nocturne-dist/internal/transport"
)

// Config configures one Engine instance.
type Config struct {
	DataDir                string
	ListenAddr             string // blob server listen address
	DHTPort                int    // 0 = random
	DHTBootstrapPeers      []string
	MaxBlobStoreBytes      int64
	MaxConcurrentDownloads int
}

func (c Config) withDefaults() Config {
	if c.MaxBlobStoreBytes <= 0 {
		c.MaxBlobStoreBytes = 10 << 30 // 10 GiB
	}
	if c.MaxConcurrentDownloads <= 0 {
		c.MaxConcurrentDownloads = downloader.DefaultMaxConcurrent
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:0"
	}
	return c
}

// pendingFile tracks reassembly of one subscribed file's chunks as the
// downloader finishes them one at a time.
type pendingFile struct {
	savePath  string
	chunks    []manifest.Blob
	remaining map[blobid.ID]bool
}

// Engine is the wired-together core: blob store, downloader, blob server,
// DHT node/adapter, and subscription manager.
type Engine struct {
	cfg Config

	Keys     *keystore.Store
	Blobs    *blobstore.Store
	Dht      *dhtnet.Node
	Adapter  *dhtadapter.Adapter
	Dl       *downloader.Downloader
	BlobSrv  *blobserver.Server
	Subs     *subscription.Manager

	mu           sync.Mutex
	pendingFiles map[string]*pendingFile   // keyed by savePath
	blobToFiles  map[blobid.ID][]*pendingFile
}

// New constructs every component and wires their callbacks, but does not
// start listening or polling yet — call Start for that.
func New(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, errs.Wrap(errs.KindIO, "engine: create data dir", err)
	}

	keys, err := keystore.New(filepath.Join(cfg.DataDir, "keys"))
	if err != nil {
		return nil, err
	}

	blobs, err := blobstore.Open(cfg.DataDir, cfg.MaxBlobStoreBytes)
	if err != nil {
		return nil, err
	}

	nodePub, nodePriv, err := keystore.LoadOrGenerateNodeIdentity(filepath.Join(cfg.DataDir, "node.key"))
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "engine: load node identity", err)
	}
	dhtNode, err := dhtnet.NewNode(dhtnet.Config{
		PrivateKey:     nodePriv,
		PublicKey:      nodePub,
		Port:           cfg.DHTPort,
		BootstrapPeers: cfg.DHTBootstrapPeers,
		StorePath:      filepath.Join(cfg.DataDir, "dht.db"),
	})
	if err != nil {
		return nil, err
	}
	adapter := dhtadapter.New(dhtNode)

	e := &Engine{
		cfg:          cfg,
		Keys:         keys,
		Blobs:        blobs,
		Dht:          dhtNode,
		Adapter:      adapter,
		pendingFiles: make(map[string]*pendingFile),
		blobToFiles:  make(map[blobid.ID][]*pendingFile),
	}

	e.Dl = downloader.New(dialPeer, blobs, cfg.MaxConcurrentDownloads)
	e.Dl.OnBlobFinished(e.onBlobFinished)
	e.Dl.OnBlobFailed(e.onBlobFailed)
	e.Dl.OnPeersNeeded(e.onPeersNeeded)

	e.BlobSrv = blobserver.New(blobs, blobserver.Config{})

	e.Subs = subscription.New(filepath.Join(cfg.DataDir, "subscriptions.json"), adapter.GetMutable)
	e.Subs.OnUpdated(e.onSubscriptionUpdated)

	return e, nil
}

// watchManifest registers a push-update path for pub on top of the
// subscription manager's own poll timer: if this node ever receives pub's
// manifest unsolicited (as a DHT replication target for someone else's
// publish), the update reaches the subscription manager immediately
// instead of waiting for the next poll tick.
func (e *Engine) watchManifest(pub ed25519.PublicKey) {
	e.Adapter.OnManifestFound(pub, e.Subs.OnManifestFound)
}

// dialPeer is the downloader's DialFunc, wired to the secure transport.
func dialPeer(endpoint string, timeout time.Duration) (*transport.Socket, error) {
	return transport.Dial(endpoint, timeout)
}

// Start begins listening for peer connections, joins the DHT, and starts
// subscription polling.
func (e *Engine) Start() error {
	if err := e.Dht.Start(); err != nil {
		return errs.Wrap(errs.KindDHTFail, "engine: start dht", err)
	}
	go e.Dl.Run()
	go func() {
		if err := e.BlobSrv.Serve(e.cfg.ListenAddr); err != nil {
			log.Printf("[engine] blob server stopped: %v", err)
		}
	}()
	if err := e.Subs.Load(); err != nil {
		return err
	}
	for _, sub := range e.Subs.Subscriptions() {
		e.watchManifest(sub.Pub)
	}
	e.Subs.StartPolling()
	return nil
}

// Close shuts every component down.
func (e *Engine) Close() error {
	e.Subs.StopPolling()
	e.Dl.Stop()
	e.BlobSrv.Close()
	e.Dht.Close()
	return e.Blobs.Close()
}

// infoHashOf derives the BEP-5-style 20-byte infohash for announcing and
// discovering peers for a blob, per SPEC_FULL.md §6: the first 20 bytes
// of SHA-256(blob_bytes), which is exactly the leading bytes of BlobId
// since BlobId is already that same hash.
func infoHashOf(id blobid.ID) [20]byte {
	var h [20]byte
	copy(h[:], id.Bytes())
	return h
}

// onPeersNeeded is the downloader's signal that a blob has no untried
// peers left; the engine asks the DHT for more.
func (e *Engine) onPeersNeeded(id blobid.ID) {
	go func() {
		peers, err := e.Adapter.GetPeers(infoHashOf(id))
		if err != nil {
			log.Printf("[engine] get_peers for %s: %v", id, err)
			return
		}
		if len(peers) > 0 {
			e.Dl.AddPeers(id, peers)
		}
	}()
}

func (e *Engine) onBlobFailed(id blobid.ID, err error) {
	log.Printf("[engine] blob %s abandoned: %v", id, err)
}

// AnnounceBlob advertises this node as serving id on the blob server's
// port, for other nodes' get_peers lookups to find.
func (e *Engine) AnnounceBlob(id blobid.ID) error {
	_, portStr, err := splitHostPort(e.BlobSrv.Addr())
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errs.Wrap(errs.KindIO, "engine: parse blob server port", err)
	}
	return e.Adapter.Announce(infoHashOf(id), port)
}

func splitHostPort(addr string) (host, port string, err error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("engine: no port in address %q", addr)
}

// Status answers the admin API's status command.
type Status struct {
	NodeID          string
	DHTAddr         string
	BlobServerAddr  string
	BlobCount       int
	BlobStoreSize   int64
	BlobStoreMax    int64
	SubscriptionCnt int
}

func (e *Engine) Status() (Status, error) {
	entries, err := e.Blobs.Enumerate()
	if err != nil {
		return Status{}, err
	}
	size, err := e.Blobs.TotalSize()
	if err != nil {
		return Status{}, err
	}
	nodeID := e.Dht.ID()
	return Status{
		NodeID:          hex.EncodeToString(nodeID[:]),
		DHTAddr:         e.Dht.Addr(),
		BlobServerAddr:  e.BlobSrv.Addr(),
		BlobCount:       len(entries),
		BlobStoreSize:   size,
		BlobStoreMax:    e.cfg.MaxBlobStoreBytes,
		SubscriptionCnt: len(e.Subs.Subscriptions()),
	}, nil
}

// GenerateKey mints a new publish identity.
func (e *Engine) GenerateKey() (pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	return e.Keys.Generate()
}

// Subscribe adds pubHex to the subscription registry under label.
func (e *Engine) Subscribe(label, pubHex string) error {
	pub, err := keystore.ParsePublicKey(pubHex)
	if err != nil {
		return err
	}
	if err := e.Subs.AddSubscription(label, pub); err != nil {
		return err
	}
	e.watchManifest(pub)
	return nil
}

// Unsubscribe removes pubHex from the subscription registry.
func (e *Engine) Unsubscribe(pubHex string) error {
	pub, err := keystore.ParsePublicKey(pubHex)
	if err != nil {
		return err
	}
	return e.Subs.RemoveSubscription(pub)
}

// Subscriptions lists the current subscription registry.
func (e *Engine) Subscriptions() []subscription.Subscription {
	return e.Subs.Subscriptions()
}

// BlobList lists every blob currently held in the store.
func (e *Engine) BlobList() ([]blobstore.Entry, error) {
	return e.Blobs.Enumerate()
}
