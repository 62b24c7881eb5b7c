package wire

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ssd-technologies/nocturne-dist/internal/blobid"
)

// EncodeRequest builds the REQUEST/FIND_PEERS payload: the BlobID as
// 64-byte ASCII hex, per SPEC_FULL.md §4.C.
func EncodeRequest(id blobid.ID) []byte {
	return []byte(id.String())
}

// DecodeBlobID parses a REQUEST/FIND_PEERS/ANNOUNCE-prefix payload's hex
// BlobID.
func DecodeBlobID(payload []byte) (blobid.ID, error) {
	if len(payload) < blobid.HexLength {
		return blobid.Zero, fmt.Errorf("wire: payload too short for blob id")
	}
	return blobid.Parse(string(payload[:blobid.HexLength]))
}

// EncodePeers builds the PEERS payload: a newline-delimited list of
// "ip:port" endpoints, per SPEC_FULL.md §4.C.
func EncodePeers(endpoints []string) []byte {
	var b strings.Builder
	for _, ep := range endpoints {
		b.WriteString(ep)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// DecodePeers parses a PEERS payload into its endpoint strings, skipping
// blank entries.
func DecodePeers(payload []byte) []string {
	lines := strings.Split(string(payload), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

// EncodeAnnounce builds the ANNOUNCE payload: BlobID hex followed by a u16
// big-endian port, per SPEC_FULL.md §4.C.
func EncodeAnnounce(id blobid.ID, port uint16) []byte {
	out := make([]byte, blobid.HexLength+2)
	copy(out, id.String())
	binary.BigEndian.PutUint16(out[blobid.HexLength:], port)
	return out
}

// DecodeAnnounce parses an ANNOUNCE payload back into a BlobID and port.
func DecodeAnnounce(payload []byte) (blobid.ID, uint16, error) {
	if len(payload) != blobid.HexLength+2 {
		return blobid.Zero, 0, fmt.Errorf("wire: malformed ANNOUNCE payload")
	}
	id, err := blobid.Parse(string(payload[:blobid.HexLength]))
	if err != nil {
		return blobid.Zero, 0, err
	}
	port := binary.BigEndian.Uint16(payload[blobid.HexLength:])
	return id, port, nil
}
