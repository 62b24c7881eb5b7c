// Transport for dhtnet: Ed25519-signed JSON messages over gorilla/websocket
// connections, one read-loop goroutine per connection. The connection
// lifecycle (listen/dial/identify-by-hello/re-register-under-real-NodeID) is
// grounded on the teacher's internal/dht/transport.go, but here every
// inbound message's envelope is actually authenticated before it reaches
// the handler: the sender's claimed public key must hash to its claimed
// NodeID and the envelope signature must verify against that key. The
// teacher's Message.Sign/Verify existed but were never invoked by its
// receive path — carrying that over unchanged would mean any peer could
// claim an arbitrary NodeID. This domain is a permissionless DHT where
// routing and PUT_MUTABLE/ANNOUNCE_PEER decisions hinge on NodeID, so
// authenticating it on every message (not just signing it) is this
// module's own requirement, not the teacher's.
package dhtnet

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type peerConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// Transport manages WebSocket connections to DHT peers, signing every
// outbound message and authenticating and dispatching every inbound one to
// a single handler.
type Transport struct {
	mu       sync.RWMutex
	self     NodeID
	selfPub  ed25519.PublicKey
	privKey  ed25519.PrivateKey
	conns    map[NodeID]*peerConn
	handler  func(*Message, NodeID)
	listener net.Listener
	server   *http.Server
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewTransport creates a new Transport for the given local node.
func NewTransport(self NodeID, selfPub ed25519.PublicKey, privKey ed25519.PrivateKey) *Transport {
	return &Transport{
		self:    self,
		selfPub: selfPub,
		privKey: privKey,
		conns:   make(map[NodeID]*peerConn),
	}
}

// authenticate checks that msg's claimed NodeID matches the hash of its
// claimed public key and that the envelope signature verifies against that
// key. Messages failing either check are not from who they claim to be and
// must never reach the handler.
func authenticate(msg *Message) bool {
	if len(msg.Sender.PublicKey) != ed25519.PublicKeySize {
		return false
	}
	if NodeIDFromPublicKey(msg.Sender.PublicKey) != msg.Sender.NodeID {
		return false
	}
	return msg.Verify(msg.Sender.PublicKey) == nil
}

// Listen starts a WebSocket server on the given port (0 = random).
func (t *Transport) Listen(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	t.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/dht", t.handleWS)

	t.server = &http.Server{Handler: mux}
	go t.server.Serve(ln) //nolint:errcheck
	return nil
}

func (t *Transport) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)

	pc := &peerConn{conn: conn}
	go t.readLoop(pc, NodeID{}, true)
}

// Connect establishes an outbound connection to address and sends an
// identifying hello so the remote side can register us under our NodeID.
func (t *Transport) Connect(address string, peerID NodeID) error {
	url := fmt.Sprintf("ws://%s/dht", address)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	conn.SetReadLimit(1 << 20)

	pc := &peerConn{conn: conn}
	t.mu.Lock()
	t.conns[peerID] = pc
	t.mu.Unlock()

	hello := &Message{
		Type:    MsgPing,
		ID:      "hello",
		Payload: json.RawMessage(`{}`),
	}
	hello.Sender.NodeID = t.self
	hello.Sender.PublicKey = t.selfPub
	hello.Timestamp = time.Now().Unix()
	hello.Sign(t.privKey)

	pc.wmu.Lock()
	writeErr := conn.WriteJSON(hello)
	pc.wmu.Unlock()
	if writeErr != nil {
		conn.Close()
		t.mu.Lock()
		delete(t.conns, peerID)
		t.mu.Unlock()
		return fmt.Errorf("write hello: %w", writeErr)
	}

	go t.readLoop(pc, peerID, false)
	return nil
}

func (t *Transport) readLoop(pc *peerConn, peerID NodeID, inbound bool) {
	identified := !inbound
	defer func() {
		pc.conn.Close()
		if identified {
			t.mu.Lock()
			if existing, ok := t.conns[peerID]; ok && existing == pc {
				delete(t.conns, peerID)
			}
			t.mu.Unlock()
		}
	}()

	for {
		var msg Message
		if err := pc.conn.ReadJSON(&msg); err != nil {
			return
		}
		if !authenticate(&msg) {
			continue
		}

		if !identified {
			peerID = msg.Sender.NodeID
			t.mu.Lock()
			t.conns[peerID] = pc
			t.mu.Unlock()
			identified = true
		} else if inbound && msg.Sender.NodeID != peerID {
			// An inbound connection that already self-identified via hello
			// and later claims a different NodeID is not a protocol
			// upgrade, it's a forged envelope. Outbound connections are
			// deliberately exempt: Ping dials under a locally-generated
			// placeholder NodeID and only learns the peer's real one from
			// its first authenticated response (see Node.Ping).
			continue
		}

		t.mu.RLock()
		handler := t.handler
		t.mu.RUnlock()

		if handler != nil {
			handler(&msg, peerID)
		}
	}
}

// Send signs and sends a message to target.
func (t *Transport) Send(target NodeID, msg *Message) error {
	t.mu.RLock()
	pc, ok := t.conns[target]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("not connected to peer %x", target[:4])
	}

	msg.Sender.NodeID = t.self
	msg.Sender.PublicKey = t.selfPub
	msg.Timestamp = time.Now().Unix()
	msg.Sign(t.privKey)

	pc.wmu.Lock()
	err := pc.conn.WriteJSON(msg)
	pc.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// OnMessage registers the single handler invoked for every incoming message.
func (t *Transport) OnMessage(handler func(*Message, NodeID)) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// ReregisterConn changes the NodeID an existing connection is keyed under.
func (t *Transport) ReregisterConn(oldID, newID NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pc, ok := t.conns[oldID]; ok {
		delete(t.conns, oldID)
		t.conns[newID] = pc
	}
}

// Disconnect closes and forgets the connection to id.
func (t *Transport) Disconnect(id NodeID) {
	t.mu.Lock()
	pc, ok := t.conns[id]
	if ok {
		delete(t.conns, id)
	}
	t.mu.Unlock()
	if ok {
		pc.conn.Close()
	}
}

// ConnectedPeers returns the NodeIDs of all currently connected peers.
func (t *Transport) ConnectedPeers() []NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]NodeID, 0, len(t.conns))
	for id := range t.conns {
		peers = append(peers, id)
	}
	return peers
}

// Close shuts down the listener and every peer connection.
func (t *Transport) Close() {
	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		t.server.Shutdown(ctx) //nolint:errcheck
	}
	t.mu.Lock()
	for id, pc := range t.conns {
		pc.conn.Close()
		delete(t.conns, id)
	}
	t.mu.Unlock()
}

// Addr returns the listener's network address.
func (t *Transport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}
