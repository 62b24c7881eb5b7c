// Package transport implements nocturne-dist's secure peer transport: a TCP
// socket wrapped in an ephemeral X25519 handshake, ChaCha20-Poly1305 framing
// (internal/aead), and a typed opcode stream (internal/wire), per
// SPEC_FULL.md §4.B. It is grounded on the teacher's internal/dht/transport.go
// connection-map/read-loop shape, adapted from a WebSocket+JSON envelope to
// a raw TCP length-prefixed AEAD frame.
package transport

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ssd-technologies/nocturne-dist/internal/aead"
	"github.com/ssd-technologies/nocturne-dist/internal/errs"
)

// State is the connection lifecycle state described in SPEC_FULL.md §4.B:
// Connecting → HandshakingSendPub → HandshakingRecvPub → Ready → Closed.
type State int32

const (
	StateConnecting State = iota
	StateHandshakingSendPub
	StateHandshakingRecvPub
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateHandshakingSendPub:
		return "HandshakingSendPub"
	case StateHandshakingRecvPub:
		return "HandshakingRecvPub"
	case StateReady:
		return "Ready"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// HandshakeTimeout is the default deadline for completing the X25519
// handshake, per SPEC_FULL.md §5.
const HandshakeTimeout = 10 * time.Second

// pendingWrite is a queued (type, payload) pair submitted before the
// handshake completed, per SPEC_FULL.md §4.B: "writes submitted before
// Ready are queued and flushed on entering Ready."
type pendingWrite struct {
	msgType byte
	payload []byte
}

// Socket is one secure, authenticated, framed connection to a peer. Every
// socket carries an optional owner tag (BlobID, NodeID, etc.) so a caller
// that receives an event from many sockets can recover context without a
// sender-introspection side-channel — the Go replacement for the original's
// qobject_cast(sender()) pattern, per SPEC_FULL.md §9.
type Socket struct {
	conn net.Conn

	state     atomic.Int32
	initiator bool

	codec *aead.Codec

	writeMu sync.Mutex
	pending []pendingWrite

	closeOnce sync.Once

	onConnected    func()
	onMessage      func(msgType byte, payload []byte)
	onDisconnected func()
	onError        func(err error)

	owner any
}

// Owner returns the caller-supplied context tag set via SetOwner.
func (s *Socket) Owner() any { return s.owner }

// SetOwner attaches a context value (e.g. a BlobID) to this socket, read
// back from event callbacks that don't otherwise identify their socket.
func (s *Socket) SetOwner(v any) { s.owner = v }

// OnConnected registers the callback invoked once the handshake completes
// and the socket enters Ready.
func (s *Socket) OnConnected(f func()) { s.onConnected = f }

// OnMessage registers the callback invoked for every decoded application
// message received after the handshake.
func (s *Socket) OnMessage(f func(msgType byte, payload []byte)) { s.onMessage = f }

// OnDisconnected registers the callback invoked when the peer closes the
// connection cleanly or Close is called.
func (s *Socket) OnDisconnected(f func()) { s.onDisconnected = f }

// OnError registers the callback invoked when the handshake or an AEAD
// operation fails fatally for this connection.
func (s *Socket) OnError(f func(err error)) { s.onError = f }

// State returns the socket's current lifecycle state.
func (s *Socket) State() State { return State(s.state.Load()) }

// RemoteAddr returns the underlying connection's remote address, or "" if
// the socket has no connection (e.g. pre-dial).
func (s *Socket) RemoteAddr() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}

// Dial opens a TCP connection to address, performs the client-side
// handshake (role 'C'), and starts the read loop. It blocks until the
// handshake completes, fails, or timeout elapses.
func Dial(address string, timeout time.Duration) (*Socket, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "dial "+address, err)
	}
	s, err := DialConn(conn, timeout)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// DialConn performs the client-side handshake (role 'C') over an
// already-established connection, rather than dialing one itself. Used to
// layer the secure transport over a connection obtained some other way
// (e.g. a proxied or pre-negotiated conn, or a net.Pipe in tests).
func DialConn(conn net.Conn, timeout time.Duration) (*Socket, error) {
	s := &Socket{conn: conn, initiator: true}
	s.state.Store(int32(StateConnecting))
	if err := s.handshake(timeout); err != nil {
		conn.Close()
		return nil, err
	}
	go s.readLoop()
	return s, nil
}

// Accept wraps an already-accepted TCP connection as the server side of a
// handshake (role 'S').
func Accept(conn net.Conn, timeout time.Duration) (*Socket, error) {
	s := &Socket{conn: conn, initiator: false}
	s.state.Store(int32(StateConnecting))
	if err := s.handshake(timeout); err != nil {
		conn.Close()
		return nil, err
	}
	go s.readLoop()
	return s, nil
}

// handshake performs the symmetric two-message X25519 exchange of
// SPEC_FULL.md §4.B and installs the resulting AEAD codec.
func (s *Socket) handshake(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	s.conn.SetDeadline(deadline)
	defer s.conn.SetDeadline(time.Time{})

	priv, pub, err := generateEphemeral()
	if err != nil {
		return errs.Wrap(errs.KindTransport, "generate ephemeral keypair", err)
	}

	// Both sides send first, so the key is written while the peer's is read;
	// on an unbuffered conn such as net.Pipe two blocking writes would
	// otherwise wait on each other.
	s.state.Store(int32(StateHandshakingSendPub))
	writeErr := make(chan error, 1)
	go func() {
		_, err := s.conn.Write(pub[:])
		writeErr <- err
	}()

	s.state.Store(int32(StateHandshakingRecvPub))
	var peerPub [32]byte
	if _, err := io.ReadFull(s.conn, peerPub[:]); err != nil {
		return errs.Wrap(errs.KindTransport, "receive ephemeral public key", err)
	}
	if err := <-writeErr; err != nil {
		return errs.Wrap(errs.KindTransport, "send ephemeral public key", err)
	}

	secret, err := sharedSecret(priv, peerPub)
	if err != nil {
		return errs.Wrap(errs.KindTransport, "compute shared secret", err)
	}
	tx, rx := deriveDirectionalKeys(secret, s.initiator)

	codec, err := aead.New(tx, rx)
	if err != nil {
		return errs.Wrap(errs.KindTransport, "build codec", err)
	}
	s.codec = codec

	s.state.Store(int32(StateReady))
	if s.onConnected != nil {
		s.onConnected()
	}
	return s.flushPending()
}

// flushPending sends every write queued before the handshake completed, in
// submission order, per SPEC_FULL.md §4.B.
func (s *Socket) flushPending() error {
	s.writeMu.Lock()
	queued := s.pending
	s.pending = nil
	s.writeMu.Unlock()

	for _, pw := range queued {
		if err := s.writeFrame(pw.msgType, pw.payload); err != nil {
			return err
		}
	}
	return nil
}

// Send encrypts and writes one application message. If the handshake has
// not yet completed, the send is queued and flushed on entering Ready — send
// is total, per SPEC_FULL.md §4.B.
func (s *Socket) Send(msgType byte, payload []byte) error {
	if s.State() != StateReady {
		s.writeMu.Lock()
		if s.State() == StateClosed {
			s.writeMu.Unlock()
			// Closing a Socket is idempotent and drops queued sends with no
			// error propagation, per SPEC_FULL.md §5.
			return nil
		}
		s.pending = append(s.pending, pendingWrite{msgType: msgType, payload: payload})
		s.writeMu.Unlock()
		return nil
	}
	return s.writeFrame(msgType, payload)
}

// writeFrame encodes, encrypts, length-prefixes, and writes one message.
// Writes are serialized by writeMu since net.Conn does not support
// concurrent writers.
func (s *Socket) writeFrame(msgType byte, payload []byte) error {
	plain := encodeMessage(msgType, payload)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.State() == StateClosed {
		return nil
	}

	sealed, err := s.codec.Encrypt(plain)
	if err != nil {
		s.failAndClose(err)
		return err
	}
	frame := make([]byte, 4+len(sealed))
	binary.BigEndian.PutUint32(frame, uint32(len(sealed)))
	copy(frame[4:], sealed)

	if _, err := s.conn.Write(frame); err != nil {
		werr := errs.Wrap(errs.KindTransport, "write frame", err)
		s.failAndClose(werr)
		return werr
	}
	return nil
}

// encodeMessage builds the plaintext inside a frame: one opcode byte
// followed by payload (SPEC_FULL.md §4.A).
func encodeMessage(msgType byte, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = msgType
	copy(out[1:], payload)
	return out
}

// readLoop reads length-prefixed frames, decrypts them, and dispatches
// decoded messages to onMessage until the connection errors or closes.
func (s *Socket) readLoop() {
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(s.conn, lenBuf[:]); err != nil {
			s.closeClean()
			return
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		if err := aead.ValidateFrameLength(length); err != nil {
			s.failAndClose(errs.Wrap(errs.KindTransport, "invalid frame length", err))
			return
		}

		frame := make([]byte, length)
		if _, err := io.ReadFull(s.conn, frame); err != nil {
			s.closeClean()
			return
		}

		plain, err := s.codec.Decrypt(frame)
		if err != nil {
			// AEAD failure is fatal for the connection, per SPEC_FULL.md §4.A/§7.
			s.failAndClose(err)
			return
		}
		if len(plain) < 1 {
			continue
		}
		msgType, payload := plain[0], plain[1:]
		if s.onMessage != nil {
			s.onMessage(msgType, payload)
		}
	}
}

// SetIdleDeadline sets (or clears, with a zero duration) a read deadline on
// the underlying connection — used by the downloader to enforce the 30s
// blob-transfer inactivity timeout of SPEC_FULL.md §5.
func (s *Socket) SetIdleDeadline(d time.Duration) {
	if d <= 0 {
		s.conn.SetReadDeadline(time.Time{})
		return
	}
	s.conn.SetReadDeadline(time.Now().Add(d))
}

// Close shuts down the connection. It is idempotent: queued sends are
// dropped with no error propagation, and onDisconnected fires at most once.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		err = s.conn.Close()
		if s.onDisconnected != nil {
			s.onDisconnected()
		}
	})
	return err
}

// closeClean closes the socket due to a normal peer disconnect (EOF).
func (s *Socket) closeClean() {
	s.Close()
}

// failAndClose transitions to Closed and fires onError exactly once,
// without also firing onDisconnected — SPEC_FULL.md §4.B treats handshake
// and AEAD failures as a distinct "error" signal from a clean disconnect.
func (s *Socket) failAndClose(err error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.conn.Close()
		if s.onError != nil {
			s.onError(err)
		}
	})
}
