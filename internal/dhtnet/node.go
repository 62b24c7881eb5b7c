package dhtnet

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Config holds DHT node configuration.
type Config struct {
	PrivateKey     ed25519.PrivateKey
	PublicKey      ed25519.PublicKey
	K              int      // bucket size (default 20)
	Alpha          int      // concurrency (default 3)
	Port           int      // listen port (0 = random)
	BootstrapPeers []string // initial peer addresses
	StorePath      string   // sqlite path for LocalStore, ":memory:" for tests
}

// Node is a Kademlia DHT peer. It ties together a routing table, transport
// layer, local store and message handling to implement PING/FIND_NODE plus
// this domain's PUT_MUTABLE/GET_MUTABLE/ANNOUNCE_PEER/GET_PEERS RPCs.
type Node struct {
	id        NodeID
	config    Config
	table     *RoutingTable
	transport *Transport
	store     *LocalStore

	mu      sync.Mutex
	pending map[string]chan *Message

	onItemStored func(pub ed25519.PublicKey, seq int64, value, sig []byte)
}

// OnItemStored registers fn to be called whenever this node stores a
// mutable item pushed to it by another node's PUT_MUTABLE fan-out — i.e.
// this node was one of the k closest to that item's key and received it
// as a replication target, not because it asked for it. PutItem's own
// local write (this node acting as the publisher) does not trigger fn;
// only items arriving over the wire via handleMessage do.
func (n *Node) OnItemStored(fn func(pub ed25519.PublicKey, seq int64, value, sig []byte)) {
	n.mu.Lock()
	n.onItemStored = fn
	n.mu.Unlock()
}

// NewNode creates a new DHT node with the given configuration.
func NewNode(cfg Config) (*Node, error) {
	id := NodeIDFromPublicKey(cfg.PublicKey)
	if cfg.K == 0 {
		cfg.K = 20
	}
	if cfg.Alpha == 0 {
		cfg.Alpha = 3
	}
	if cfg.StorePath == "" {
		cfg.StorePath = ":memory:"
	}

	store, err := NewLocalStore(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	n := &Node{
		id:        id,
		config:    cfg,
		table:     NewRoutingTable(id, cfg.K),
		transport: NewTransport(id, cfg.PublicKey, cfg.PrivateKey),
		store:     store,
		pending:   make(map[string]chan *Message),
	}
	n.transport.OnMessage(n.handleMessage)
	return n, nil
}

// Start listens on the configured port and bootstraps if peers are given.
func (n *Node) Start() error {
	if err := n.transport.Listen(n.config.Port); err != nil {
		return err
	}
	if len(n.config.BootstrapPeers) > 0 {
		return n.Bootstrap(n.config.BootstrapPeers)
	}
	return nil
}

// ID returns this node's identifier.
func (n *Node) ID() NodeID { return n.id }

// Addr returns the transport's listening address.
func (n *Node) Addr() string { return n.transport.Addr() }

// Table returns the routing table (useful for testing and inspection).
func (n *Node) Table() *RoutingTable { return n.table }

// Close shuts down the node, its transport, and its local store.
func (n *Node) Close() error {
	n.transport.Close()
	return n.store.Close()
}

func randomMsgID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Ping sends a PING to address. We don't know the remote peer's NodeID
// beforehand, so we connect under a temporary random NodeID, exchange
// PING/PONG to learn the real identity, then re-register the connection
// under the real NodeID.
func (n *Node) Ping(address string) (*PeerInfo, error) {
	var tempID NodeID
	rand.Read(tempID[:])

	if err := n.transport.Connect(address, tempID); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", address, err)
	}

	msgID := randomMsgID()
	msg := &Message{
		Type:    MsgPing,
		ID:      msgID,
		Payload: json.RawMessage(`{}`),
		Sender: SenderInfo{
			NodeID:  n.id,
			Address: n.Addr(),
		},
	}

	resp, err := n.sendRPC(tempID, msg, 5*time.Second)
	if err != nil {
		n.transport.Disconnect(tempID)
		return nil, fmt.Errorf("ping %s: %w", address, err)
	}

	realID := resp.Sender.NodeID
	peerAddr := resp.Sender.Address
	if peerAddr == "" {
		peerAddr = address
	}

	n.transport.ReregisterConn(tempID, realID)

	peer := PeerInfo{ID: realID, Address: peerAddr, LastSeen: time.Now()}
	n.table.Add(peer)

	return &peer, nil
}

// FindNode performs an iterative Kademlia lookup for target, returning the
// k closest peers found across the network.
func (n *Node) FindNode(target NodeID) ([]PeerInfo, error) {
	shortlist := n.table.ClosestN(target, n.config.K)
	if len(shortlist) == 0 {
		return nil, nil
	}

	queried := make(map[NodeID]bool)
	queried[n.id] = true

	known := make(map[NodeID]PeerInfo)
	for _, p := range shortlist {
		known[p.ID] = p
	}

	for {
		candidates := closestUnqueried(shortlist, target, queried, n.config.Alpha)
		if len(candidates) == 0 {
			break
		}

		type result struct {
			peers []PeerInfo
			err   error
		}
		results := make([]result, len(candidates))
		var wg sync.WaitGroup

		for i, candidate := range candidates {
			queried[candidate.ID] = true
			wg.Add(1)
			go func(idx int, peer PeerInfo) {
				defer wg.Done()
				peers, err := n.findNodeRPC(peer, target)
				results[idx] = result{peers: peers, err: err}
			}(i, candidate)
		}
		wg.Wait()

		for _, r := range results {
			if r.err != nil {
				continue
			}
			for _, p := range r.peers {
				if p.ID == n.id {
					continue
				}
				if _, exists := known[p.ID]; !exists {
					known[p.ID] = p
					shortlist = append(shortlist, p)
					n.table.Add(p)
				}
			}
		}
	}

	return topK(shortlist, target, n.config.K), nil
}

func (n *Node) ensureConnected(peer PeerInfo) error {
	for _, id := range n.transport.ConnectedPeers() {
		if id == peer.ID {
			return nil
		}
	}
	if err := n.transport.Connect(peer.Address, peer.ID); err != nil {
		return fmt.Errorf("connect to %s: %w", peer.Address, err)
	}
	time.Sleep(20 * time.Millisecond)
	return nil
}

func (n *Node) findNodeRPC(peer PeerInfo, target NodeID) ([]PeerInfo, error) {
	if err := n.ensureConnected(peer); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(FindNodePayload{Target: target})
	if err != nil {
		return nil, err
	}
	msg := &Message{
		Type:    MsgFindNode,
		ID:      randomMsgID(),
		Payload: json.RawMessage(payload),
		Sender:  SenderInfo{NodeID: n.id, Address: n.Addr()},
	}

	resp, err := n.sendRPC(peer.ID, msg, 5*time.Second)
	if err != nil {
		return nil, err
	}

	var fnr FindNodeResponse
	if err := json.Unmarshal(resp.Payload, &fnr); err != nil {
		return nil, fmt.Errorf("unmarshal FindNodeResponse: %w", err)
	}
	return fnr.Peers, nil
}

// Bootstrap connects to the given addresses and performs a self-lookup to
// populate the routing table.
func (n *Node) Bootstrap(addresses []string) error {
	for _, addr := range addresses {
		n.Ping(addr) //nolint:errcheck
	}
	n.FindNode(n.id) //nolint:errcheck
	return nil
}

// PutItem verifies the item's signature, stores it locally if its sequence
// number is new enough, and fans it out to the k nodes closest to its key.
// Like the PUT_MUTABLE handler, PutItem never requires the caller to hold the
// private key — only a correctly signed (seq, value, sig) triple — so a
// gateway can relay an already-signed item on a publisher's behalf.
func (n *Node) PutItem(pub ed25519.PublicKey, seq int64, value, sig []byte) (int64, error) {
	if !ed25519.Verify(pub, ItemSignable(seq, value), sig) {
		return 0, fmt.Errorf("invalid item signature")
	}

	stored, _, err := n.store.PutItem(pub, seq, value, sig)
	if err != nil {
		return 0, fmt.Errorf("store item locally: %w", err)
	}

	key := ItemKey(pub)
	targets, err := n.FindNode(key)
	if err != nil {
		return stored, fmt.Errorf("locate targets: %w", err)
	}

	payload, err := json.Marshal(PutMutablePayload{Pub: pub, Seq: seq, Value: value, Sig: sig})
	if err != nil {
		return stored, err
	}

	var wg sync.WaitGroup
	for _, peer := range targets {
		wg.Add(1)
		go func(p PeerInfo) {
			defer wg.Done()
			if err := n.ensureConnected(p); err != nil {
				return
			}
			msg := &Message{
				Type:    MsgPutMutable,
				ID:      randomMsgID(),
				Payload: json.RawMessage(payload),
				Sender:  SenderInfo{NodeID: n.id, Address: n.Addr()},
			}
			n.sendRPC(p.ID, msg, 5*time.Second) //nolint:errcheck
		}(peer)
	}
	wg.Wait()

	return stored, nil
}

// GetItem looks up the mutable item for pub, checking this node's own
// store first and then querying the k nodes closest to the item's key.
// Among all replies (and the local copy), the one with the highest
// verified sequence number wins.
func (n *Node) GetItem(pub ed25519.PublicKey) (seq int64, value, sig []byte, found bool, err error) {
	bestSeq, bestValue, bestSig, localFound, err := n.store.GetItem(pub)
	if err != nil {
		return 0, nil, nil, false, fmt.Errorf("query local store: %w", err)
	}
	haveBest := localFound

	key := ItemKey(pub)
	targets, err := n.FindNode(key)
	if err != nil {
		return 0, nil, nil, false, fmt.Errorf("locate targets: %w", err)
	}

	payload, err := json.Marshal(GetMutablePayload{Pub: pub})
	if err != nil {
		return 0, nil, nil, false, err
	}

	type reply struct {
		seq        int64
		value, sig []byte
		found      bool
	}
	results := make([]reply, len(targets))
	var wg sync.WaitGroup

	for i, peer := range targets {
		wg.Add(1)
		go func(idx int, p PeerInfo) {
			defer wg.Done()
			if err := n.ensureConnected(p); err != nil {
				return
			}
			msg := &Message{
				Type:    MsgGetMutable,
				ID:      randomMsgID(),
				Payload: json.RawMessage(payload),
				Sender:  SenderInfo{NodeID: n.id, Address: n.Addr()},
			}
			resp, err := n.sendRPC(p.ID, msg, 5*time.Second)
			if err != nil {
				return
			}
			var gmr GetMutableResponse
			if err := json.Unmarshal(resp.Payload, &gmr); err != nil || !gmr.Found {
				return
			}
			if !ed25519.Verify(pub, ItemSignable(gmr.Seq, gmr.Value), gmr.Sig) {
				return
			}
			results[idx] = reply{seq: gmr.Seq, value: gmr.Value, sig: gmr.Sig, found: true}
		}(i, peer)
	}
	wg.Wait()

	for _, r := range results {
		if !r.found {
			continue
		}
		if !haveBest || r.seq > bestSeq {
			bestSeq, bestValue, bestSig = r.seq, r.value, r.sig
			haveBest = true
		}
	}

	if !haveBest {
		return 0, nil, nil, false, nil
	}
	if haveBest && bestSeq > 0 {
		n.store.PutItem(pub, bestSeq, bestValue, bestSig) //nolint:errcheck
	}
	return bestSeq, bestValue, bestSig, true, nil
}

// Announce records this node as serving infoHash, both locally and at the
// k nodes closest to the infohash's key.
func (n *Node) Announce(infoHash [20]byte, endpoint string) (int, error) {
	if err := n.store.AnnouncePeer(infoHash, endpoint); err != nil {
		return 0, fmt.Errorf("announce locally: %w", err)
	}

	key := InfoHashKey(infoHash)
	targets, err := n.FindNode(key)
	if err != nil {
		return 0, fmt.Errorf("locate targets: %w", err)
	}

	payload, err := json.Marshal(AnnouncePeerPayload{InfoHash: infoHash, Endpoint: endpoint})
	if err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	acked := 0
	for _, peer := range targets {
		wg.Add(1)
		go func(p PeerInfo) {
			defer wg.Done()
			if err := n.ensureConnected(p); err != nil {
				return
			}
			msg := &Message{
				Type:    MsgAnnouncePeer,
				ID:      randomMsgID(),
				Payload: json.RawMessage(payload),
				Sender:  SenderInfo{NodeID: n.id, Address: n.Addr()},
			}
			resp, err := n.sendRPC(p.ID, msg, 5*time.Second)
			if err != nil {
				return
			}
			var apr AnnouncePeerResponse
			if err := json.Unmarshal(resp.Payload, &apr); err != nil || !apr.Announced {
				return
			}
			mu.Lock()
			acked++
			mu.Unlock()
		}(peer)
	}
	wg.Wait()

	return acked, nil
}

// GetPeers returns addresses announced as serving infoHash, merging this
// node's own records with those collected from the k nodes closest to the
// infohash's key.
func (n *Node) GetPeers(infoHash [20]byte) ([]string, error) {
	seen := make(map[string]bool)
	local, err := n.store.GetPeers(infoHash)
	if err != nil {
		return nil, fmt.Errorf("query local peers: %w", err)
	}
	for _, a := range local {
		seen[a] = true
	}

	key := InfoHashKey(infoHash)
	targets, err := n.FindNode(key)
	if err != nil {
		return nil, fmt.Errorf("locate targets: %w", err)
	}

	payload, err := json.Marshal(GetPeersPayload{InfoHash: infoHash})
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, peer := range targets {
		wg.Add(1)
		go func(p PeerInfo) {
			defer wg.Done()
			if err := n.ensureConnected(p); err != nil {
				return
			}
			msg := &Message{
				Type:    MsgGetPeers,
				ID:      randomMsgID(),
				Payload: json.RawMessage(payload),
				Sender:  SenderInfo{NodeID: n.id, Address: n.Addr()},
			}
			resp, err := n.sendRPC(p.ID, msg, 5*time.Second)
			if err != nil {
				return
			}
			var gpr GetPeersResponse
			if err := json.Unmarshal(resp.Payload, &gpr); err != nil {
				return
			}
			mu.Lock()
			for _, a := range gpr.Peers {
				seen[a] = true
			}
			mu.Unlock()
		}(peer)
	}
	wg.Wait()

	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	return out, nil
}

// handleMessage is the callback registered with the transport. It updates
// the routing table and dispatches RPCs.
func (n *Node) handleMessage(msg *Message, from NodeID) {
	n.table.Add(PeerInfo{ID: msg.Sender.NodeID, Address: msg.Sender.Address, LastSeen: time.Now()})

	switch msg.Type {
	case MsgPing:
		n.sendResponse(from, msg.ID, MsgPong, json.RawMessage(`{}`))

	case MsgPong:
		n.deliverResponse(msg)

	case MsgFindNode:
		var payload FindNodePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		closest := n.table.ClosestN(payload.Target, n.config.K)
		resp, err := json.Marshal(FindNodeResponse{Peers: closest})
		if err != nil {
			return
		}
		n.sendResponse(from, msg.ID, MsgResponse, resp)

	case MsgPutMutable:
		var payload PutMutablePayload
		stored := false
		if err := json.Unmarshal(msg.Payload, &payload); err == nil {
			if ed25519.Verify(ed25519.PublicKey(payload.Pub), ItemSignable(payload.Seq, payload.Value), payload.Sig) {
				if _, updated, err := n.store.PutItem(payload.Pub, payload.Seq, payload.Value, payload.Sig); err == nil {
					stored = updated
				}
			}
		}
		if stored {
			n.mu.Lock()
			fn := n.onItemStored
			n.mu.Unlock()
			if fn != nil {
				fn(payload.Pub, payload.Seq, payload.Value, payload.Sig)
			}
		}
		resp, _ := json.Marshal(PutMutableResponse{Stored: stored})
		n.sendResponse(from, msg.ID, MsgResponse, resp)

	case MsgGetMutable:
		var payload GetMutablePayload
		var gmr GetMutableResponse
		if err := json.Unmarshal(msg.Payload, &payload); err == nil {
			if seq, value, sig, found, err := n.store.GetItem(payload.Pub); err == nil && found {
				gmr = GetMutableResponse{Found: true, Seq: seq, Value: value, Sig: sig}
			}
		}
		resp, _ := json.Marshal(gmr)
		n.sendResponse(from, msg.ID, MsgResponse, resp)

	case MsgAnnouncePeer:
		var payload AnnouncePeerPayload
		announced := false
		if err := json.Unmarshal(msg.Payload, &payload); err == nil {
			if err := n.store.AnnouncePeer(payload.InfoHash, payload.Endpoint); err == nil {
				announced = true
			}
		}
		resp, _ := json.Marshal(AnnouncePeerResponse{Announced: announced})
		n.sendResponse(from, msg.ID, MsgResponse, resp)

	case MsgGetPeers:
		var payload GetPeersPayload
		var gpr GetPeersResponse
		if err := json.Unmarshal(msg.Payload, &payload); err == nil {
			if peers, err := n.store.GetPeers(payload.InfoHash); err == nil {
				gpr.Peers = peers
			}
		}
		resp, _ := json.Marshal(gpr)
		n.sendResponse(from, msg.ID, MsgResponse, resp)

	case MsgResponse:
		n.deliverResponse(msg)
	}
}

func (n *Node) sendResponse(target NodeID, replyTo string, msgType string, payload json.RawMessage) {
	msg := &Message{
		Type:    msgType,
		ID:      replyTo,
		Payload: payload,
		Sender:  SenderInfo{NodeID: n.id, Address: n.Addr()},
	}
	n.transport.Send(target, msg) //nolint:errcheck
}

func (n *Node) sendRPC(target NodeID, msg *Message, timeout time.Duration) (*Message, error) {
	ch := make(chan *Message, 1)
	n.mu.Lock()
	n.pending[msg.ID] = ch
	n.mu.Unlock()

	if err := n.transport.Send(target, msg); err != nil {
		n.mu.Lock()
		delete(n.pending, msg.ID)
		n.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		n.mu.Lock()
		delete(n.pending, msg.ID)
		n.mu.Unlock()
		return nil, fmt.Errorf("RPC timeout")
	}
}

func (n *Node) deliverResponse(msg *Message) {
	n.mu.Lock()
	ch, ok := n.pending[msg.ID]
	if ok {
		delete(n.pending, msg.ID)
	}
	n.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func closestUnqueried(peers []PeerInfo, target NodeID, queried map[NodeID]bool, n int) []PeerInfo {
	var unqueried []PeerInfo
	for _, p := range peers {
		if !queried[p.ID] {
			unqueried = append(unqueried, p)
		}
	}
	return topK(unqueried, target, n)
}

func topK(peers []PeerInfo, target NodeID, k int) []PeerInfo {
	if len(peers) == 0 {
		return nil
	}
	sorted := make([]PeerInfo, len(peers))
	copy(sorted, peers)

	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if DistanceLess(target, sorted[j].ID, sorted[i].ID) {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}
