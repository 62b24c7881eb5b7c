package transport

import (
	"fmt"
	"net"
	"time"
)

// Listener accepts inbound TCP connections and upgrades each to a secure
// Socket via the server-side handshake.
type Listener struct {
	ln net.Listener
}

// Listen opens a TCP listener on the given address ("host:port", or
// ":port" to bind all interfaces).
func Listen(address string) (*Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", address, err)
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Accept blocks for the next inbound connection and performs the
// server-side handshake on it, bounded by the given handshake timeout (use
// HandshakeTimeout for the default of SPEC_FULL.md §5).
func (l *Listener) Accept(handshakeTimeout time.Duration) (*Socket, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return Accept(conn, handshakeTimeout)
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}
