// Package wire implements the peer-to-peer wire protocol: single-byte
// message opcodes layered on top of the secure transport's decrypted
// frames, per SPEC_FULL.md §4.C.
package wire

import "fmt"

// Message opcodes. Each frame's plaintext is one opcode byte followed by an
// opaque payload whose shape depends on the opcode (SPEC_FULL.md §4.C).
const (
	MsgHello     byte = 0x01
	MsgRequest   byte = 0x02
	MsgData      byte = 0x03
	MsgFindPeers byte = 0x04
	MsgPeers     byte = 0x05
	MsgPublish   byte = 0x06
	MsgAnnounce  byte = 0x07
	MsgOK        byte = 0x08
	MsgError     byte = 0xFF
)

// Name returns a human-readable name for a known opcode, or "UNKNOWN" for an
// unrecognized byte — unknown opcodes are logged and ignored, never fatal,
// per SPEC_FULL.md §4.C.
func Name(msgType byte) string {
	switch msgType {
	case MsgHello:
		return "HELLO"
	case MsgRequest:
		return "REQUEST"
	case MsgData:
		return "DATA"
	case MsgFindPeers:
		return "FIND_PEERS"
	case MsgPeers:
		return "PEERS"
	case MsgPublish:
		return "PUBLISH"
	case MsgAnnounce:
		return "ANNOUNCE"
	case MsgOK:
		return "OK"
	case MsgError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Encode builds the plaintext payload of a frame: one opcode byte followed
// by the message-specific payload. This plaintext is what internal/aead
// encrypts before the length prefix is attached.
func Encode(msgType byte, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = msgType
	copy(out[1:], payload)
	return out
}

// Decode splits a decrypted frame's plaintext back into its opcode and
// payload.
func Decode(plain []byte) (msgType byte, payload []byte, err error) {
	if len(plain) < 1 {
		return 0, nil, fmt.Errorf("wire: empty frame plaintext")
	}
	return plain[0], plain[1:], nil
}
