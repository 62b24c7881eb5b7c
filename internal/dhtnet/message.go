package dhtnet

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// Message types. PING/PONG/FIND_NODE carry the base Kademlia RPCs over from
// the teacher's dht package; PUT_MUTABLE/GET_MUTABLE/ANNOUNCE_PEER/GET_PEERS
// are this domain's additions for SPEC_FULL.md §4.H.
const (
	MsgPing         = "PING"
	MsgPong         = "PONG"
	MsgFindNode     = "FIND_NODE"
	MsgPutMutable   = "PUT_MUTABLE"
	MsgGetMutable   = "GET_MUTABLE"
	MsgAnnouncePeer = "ANNOUNCE_PEER"
	MsgGetPeers     = "GET_PEERS"
	MsgResponse     = "RESPONSE"
	MsgError        = "ERROR"
)

// SenderInfo identifies the message sender. PublicKey lets a receiver
// authenticate the envelope: NodeID must equal NodeIDFromPublicKey(PublicKey)
// and the envelope signature must verify against PublicKey before a message
// is dispatched to the routing/RPC layer, since NodeID alone is a one-way
// hash a peer could otherwise claim without holding the matching key.
type SenderInfo struct {
	NodeID    NodeID            `json:"node_id"`
	Address   string            `json:"address"`
	PublicKey ed25519.PublicKey `json:"public_key"`
}

// Message is the common envelope for all DHT messages.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Sender    SenderInfo      `json:"sender"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature,omitempty"`
}

func (m *Message) signable() []byte {
	return []byte(m.Type + m.ID + strconv.FormatInt(m.Timestamp, 10) + string(m.Payload))
}

// Sign signs the message envelope with the node's own identity key (not to
// be confused with a mutable item's Ed25519 signature).
func (m *Message) Sign(priv ed25519.PrivateKey) {
	sig := ed25519.Sign(priv, m.signable())
	m.Signature = hex.EncodeToString(sig)
}

// Verify checks the message envelope signature.
func (m *Message) Verify(pub ed25519.PublicKey) error {
	if m.Signature == "" {
		return fmt.Errorf("message has no signature")
	}
	sig, err := hex.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if !ed25519.Verify(pub, m.signable(), sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// Payload types for each RPC.

type FindNodePayload struct {
	Target NodeID `json:"target"`
}

type FindNodeResponse struct {
	Peers []PeerInfo `json:"peers"`
}

// PutMutablePayload carries a BEP-44-style signed mutable item: the
// author's public key, a monotonically increasing sequence number, the
// opaque value, and an Ed25519 signature over (seq, value).
type PutMutablePayload struct {
	Pub   []byte `json:"pub"`
	Seq   int64  `json:"seq"`
	Value []byte `json:"value"`
	Sig   []byte `json:"sig"`
}

type PutMutableResponse struct {
	Stored bool `json:"stored"`
}

type GetMutablePayload struct {
	Pub []byte `json:"pub"`
}

type GetMutableResponse struct {
	Found bool   `json:"found"`
	Seq   int64  `json:"seq,omitempty"`
	Value []byte `json:"value,omitempty"`
	Sig   []byte `json:"sig,omitempty"`
}

type AnnouncePeerPayload struct {
	InfoHash [20]byte `json:"info_hash"`
	Endpoint string   `json:"endpoint"`
}

type AnnouncePeerResponse struct {
	Announced bool `json:"announced"`
}

type GetPeersPayload struct {
	InfoHash [20]byte `json:"info_hash"`
}

type GetPeersResponse struct {
	Peers []string `json:"peers"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

// ItemSignable returns the bytes a mutable item's Sig is computed over:
// domain-separated from the message envelope's own signature so an item
// can be relayed through gateways that never see the author's private key.
func ItemSignable(seq int64, value []byte) []byte {
	out := append([]byte("nocturne-dist-item:"+strconv.FormatInt(seq, 10)+":"), value...)
	return out
}
