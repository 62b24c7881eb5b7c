package manifest

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// maxSafeInteger is 2^53-1, the largest integer a JSON number can carry
// without precision loss in common JSON implementations. SPEC_FULL.md §4.G
// requires size fields above this to be carried as decimal strings.
const maxSafeInteger = (1 << 53) - 1

// jsonStr returns the compact, escaped JSON encoding of s (with quotes).
func jsonStr(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// jsonHex returns the compact JSON string encoding of b's lowercase hex.
func jsonHex(b []byte) string {
	return jsonStr(hex.EncodeToString(b))
}

// jsonSize renders a size value as a bare number, or a decimal string if it
// exceeds maxSafeInteger, per SPEC_FULL.md §4.G.
func jsonSize(v uint64) string {
	if v > maxSafeInteger {
		return jsonStr(strconv.FormatUint(v, 10))
	}
	return strconv.FormatUint(v, 10)
}

// encodeCanonical builds canonical_bytes for m: a compact JSON object with
// keys pub, seq, files in that order (sig absent), and within each nested
// object the field order specified in SPEC_FULL.md §4.G.
func encodeCanonical(m *Manifest) []byte {
	var b strings.Builder
	b.WriteByte('{')
	b.WriteString(`"pub":`)
	b.WriteString(jsonHex(m.Pub))
	b.WriteString(`,"seq":`)
	b.WriteString(strconv.FormatInt(m.Seq, 10))
	b.WriteString(`,"files":[`)
	for i, f := range m.Files {
		if i > 0 {
			b.WriteByte(',')
		}
		encodeFileEntry(&b, f)
	}
	b.WriteString(`]}`)
	return []byte(b.String())
}

func encodeFileEntry(b *strings.Builder, f FileEntry) {
	b.WriteByte('{')
	b.WriteString(`"name":`)
	b.WriteString(jsonStr(f.Name))
	b.WriteString(`,"size":`)
	b.WriteString(jsonSize(f.Size))
	b.WriteString(`,"type":`)
	b.WriteString(jsonStr(f.Mime))
	b.WriteString(`,"chunks":[`)
	for i, c := range f.Chunks {
		if i > 0 {
			b.WriteByte(',')
		}
		encodeBlobEntry(b, c)
	}
	b.WriteString(`]}`)
}

func encodeBlobEntry(b *strings.Builder, blob Blob) {
	b.WriteByte('{')
	b.WriteString(`"id":`)
	b.WriteString(jsonStr(blob.ID.String()))
	b.WriteString(`,"size":`)
	b.WriteString(jsonSize(blob.Size))
	b.WriteString(`,"key":`)
	b.WriteString(jsonHex(blob.Key[:]))
	b.WriteString(`,"iv":`)
	b.WriteString(jsonHex(blob.IV[:]))
	b.WriteByte('}')
}
