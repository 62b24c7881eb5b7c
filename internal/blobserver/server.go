// Package blobserver implements the blob server of SPEC_FULL.md §4.F: it
// listens for secure connections, answers REQUEST with a blob's bytes (or
// ERROR if absent), answers FIND_PEERS with recently-seen requesters for
// that blob, and bounds each connection to a small number of concurrent
// transfers.
//
// Grounded on the teacher's internal/server/ratelimit.go for the
// mutex-guarded, time-windowed shape, used twice here: recentPeers/
// recordPeer adapt it from a per-IP request counter to a per-blob recent-
// requester cache, and connLimiter below is the same fixed-window counter
// applied per connection to throttle REQUEST/FIND_PEERS independent of the
// in-flight transfer cap.
package blobserver

import (
	"log"
	"sync"
	"time"

	"github.com/ssd-technologies/nocturne-dist/internal/blobid"
	"github.com/ssd-technologies/nocturne-dist/internal/transport"
	"github.com/ssd-technologies/nocturne-dist/internal/wire"
)

// DefaultMaxInFlight is the per-connection concurrent-transfer cap of
// SPEC_FULL.md §4.F/§5.
const DefaultMaxInFlight = 1

// DefaultPeerCacheTTL bounds how long a requester is remembered as a
// candidate peer for a blob it successfully fetched.
const DefaultPeerCacheTTL = 10 * time.Minute

// DefaultRequestsPerWindow and DefaultRequestWindow bound how many
// REQUEST/FIND_PEERS messages one connection may send before being
// throttled, independent of the in-flight transfer cap.
const (
	DefaultRequestsPerWindow = 30
	DefaultRequestWindow     = 10 * time.Second
)

// Store is the read side of the blob store the server fulfills REQUEST from.
type Store interface {
	Lookup(id blobid.ID) ([]byte, bool, error)
}

// Config configures a Server. Zero values fall back to the package defaults.
type Config struct {
	MaxInFlightPerConn int
	PeerCacheTTL       time.Duration
	HandshakeTimeout   time.Duration
	RequestsPerWindow  int
	RequestWindow      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxInFlightPerConn <= 0 {
		c.MaxInFlightPerConn = DefaultMaxInFlight
	}
	if c.PeerCacheTTL <= 0 {
		c.PeerCacheTTL = DefaultPeerCacheTTL
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = transport.HandshakeTimeout
	}
	if c.RequestsPerWindow <= 0 {
		c.RequestsPerWindow = DefaultRequestsPerWindow
	}
	if c.RequestWindow <= 0 {
		c.RequestWindow = DefaultRequestWindow
	}
	return c
}

type peerSighting struct {
	addr   string
	seenAt time.Time
}

// connLimiter is a fixed-window request counter for one connection: it
// allows up to rate calls to Allow within each window, then rejects the
// rest until the window rolls over.
type connLimiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
}

func newConnLimiter(rate int, window time.Duration) *connLimiter {
	return &connLimiter{rate: rate, window: window, windowStart: time.Now()}
}

func (l *connLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}

// Server is the blob server: one listener, one recent-peer cache shared
// across all connections.
type Server struct {
	store Store
	cfg   Config

	mu    sync.Mutex
	peers map[blobid.ID][]peerSighting

	ln *transport.Listener
}

// New builds a Server over store. Call Serve to start accepting connections.
func New(store Store, cfg Config) *Server {
	return &Server{
		store: store,
		cfg:   cfg.withDefaults(),
		peers: make(map[blobid.ID][]peerSighting),
	}
}

// Serve listens on address and accepts connections until Close is called.
// Each accepted connection is handled on its own goroutine.
func (s *Server) Serve(address string) error {
	ln, err := transport.Listen(address)
	if err != nil {
		return err
	}
	s.ln = ln
	for {
		sock, err := ln.Accept(s.cfg.HandshakeTimeout)
		if err != nil {
			if s.ln == nil {
				return nil // Close called
			}
			log.Printf("[blobserver] accept: %v", err)
			continue
		}
		go s.handleConn(sock)
	}
}

// Addr returns the bound listen address, once Serve has started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	ln := s.ln
	s.ln = nil
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// handleConn serves REQUEST and FIND_PEERS on one connection until it
// disconnects, bounding concurrent transfers to cfg.MaxInFlightPerConn and
// the overall request rate to cfg.RequestsPerWindow per cfg.RequestWindow.
func (s *Server) handleConn(sock *transport.Socket) {
	inFlight := make(chan struct{}, s.cfg.MaxInFlightPerConn)
	limiter := newConnLimiter(s.cfg.RequestsPerWindow, s.cfg.RequestWindow)
	sock.OnMessage(func(msgType byte, payload []byte) {
		switch msgType {
		case wire.MsgRequest, wire.MsgFindPeers:
			if !limiter.Allow() {
				sock.Send(wire.MsgError, []byte("rate limit exceeded"))
				return
			}
		}
		switch msgType {
		case wire.MsgRequest:
			id, err := wire.DecodeBlobID(payload)
			if err != nil {
				sock.Send(wire.MsgError, []byte("malformed request"))
				return
			}
			select {
			case inFlight <- struct{}{}:
				go func() {
					defer func() { <-inFlight }()
					s.serveRequest(sock, id)
				}()
			default:
				sock.Send(wire.MsgError, []byte("too many concurrent transfers"))
			}

		case wire.MsgFindPeers:
			id, err := wire.DecodeBlobID(payload)
			if err != nil {
				sock.Send(wire.MsgError, []byte("malformed find_peers"))
				return
			}
			sock.Send(wire.MsgPeers, wire.EncodePeers(s.recentPeers(id)))

		default:
			log.Printf("[blobserver] unexpected opcode %s, ignoring", wire.Name(msgType))
		}
	})
}

func (s *Server) serveRequest(sock *transport.Socket, id blobid.ID) {
	data, ok, err := s.store.Lookup(id)
	if err != nil {
		log.Printf("[blobserver] lookup %s: %v", id, err)
		sock.Send(wire.MsgError, []byte("internal error"))
		return
	}
	if !ok {
		sock.Send(wire.MsgError, []byte("not found"))
		return
	}
	if err := sock.Send(wire.MsgData, data); err != nil {
		return
	}
	if addr := sock.RemoteAddr(); addr != "" {
		s.recordPeer(id, addr)
	}
}

// recordPeer remembers addr as a recent successful requester of id, for
// FIND_PEERS to hand out to other peers later.
func (s *Server) recordPeer(id blobid.ID, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sightings := s.peers[id]
	now := time.Now()
	for i := range sightings {
		if sightings[i].addr == addr {
			sightings[i].seenAt = now
			return
		}
	}
	s.peers[id] = append(sightings, peerSighting{addr: addr, seenAt: now})
}

// recentPeers returns the unexpired recent requesters of id, pruning stale
// entries as it goes.
func (s *Server) recentPeers(id blobid.ID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.cfg.PeerCacheTTL)
	sightings := s.peers[id]
	kept := sightings[:0]
	var out []string
	for _, p := range sightings {
		if p.seenAt.After(cutoff) {
			kept = append(kept, p)
			out = append(out, p.addr)
		}
	}
	s.peers[id] = kept
	return out
}
