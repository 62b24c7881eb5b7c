package manifest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ssd-technologies/nocturne-dist/internal/blobid"
)

// sizeField unmarshals a size value that may appear as either a bare JSON
// number or a decimal string, per SPEC_FULL.md §4.G.
type sizeField uint64

func (s *sizeField) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) >= 2 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		v, err := strconv.ParseUint(str, 10, 64)
		if err != nil {
			return fmt.Errorf("size string %q: %w", str, err)
		}
		*s = sizeField(v)
		return nil
	}
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("size number %q: %w", data, err)
	}
	*s = sizeField(v)
	return nil
}

type wireBlob struct {
	ID   string    `json:"id"`
	Size sizeField `json:"size"`
	Key  string    `json:"key"`
	IV   string    `json:"iv"`
}

type wireFile struct {
	Name   string     `json:"name"`
	Size   sizeField  `json:"size"`
	Mime   string     `json:"type"`
	Chunks []wireBlob `json:"chunks"`
}

type wireDoc struct {
	Pub   string     `json:"pub"`
	Seq   int64      `json:"seq"`
	Files []wireFile `json:"files"`
	Sig   string     `json:"sig"`
}

// sigMarker is the literal prefix of the sig field as emitted by Encode:
// sig is always the last top-level field, inserted right after files, with
// no surrounding whitespace (SPEC_FULL.md §4.G).
var sigMarker = []byte(`,"sig":"`)

// insertSig appends a sig field to canonical (which must end in '}'),
// producing the on-wire manifest bytes of SPEC_FULL.md §4.G.
func insertSig(canonical, sig []byte) ([]byte, error) {
	if len(canonical) == 0 || canonical[len(canonical)-1] != '}' {
		return nil, fmt.Errorf("manifest: canonical bytes malformed")
	}
	field := append(append([]byte{}, sigMarker...), []byte(hex.EncodeToString(sig)+`"`)...)
	out := make([]byte, 0, len(canonical)+len(field))
	out = append(out, canonical[:len(canonical)-1]...)
	out = append(out, field...)
	out = append(out, '}')
	return out, nil
}

// stripSig locates the sig field inserted by insertSig and returns the
// remaining bytes — exactly canonical_bytes, the range the signature was
// computed over — along with the signature's hex text. This preserves the
// original signed byte range rather than re-serializing, per SPEC_FULL.md
// §4.G/§9.
func stripSig(wireBytes []byte) (canonical []byte, sigHex string, err error) {
	idx := bytes.Index(wireBytes, sigMarker)
	if idx < 0 {
		return nil, "", fmt.Errorf("manifest: sig field not found")
	}
	rest := wireBytes[idx+len(sigMarker):]
	endQuote := bytes.IndexByte(rest, '"')
	if endQuote < 0 {
		return nil, "", fmt.Errorf("manifest: unterminated sig field")
	}
	sigHex = string(rest[:endQuote])
	after := rest[endQuote+1:]
	if len(after) == 0 || after[0] != '}' {
		return nil, "", fmt.Errorf("manifest: sig must be the final field")
	}
	canonical = make([]byte, 0, idx+len(after))
	canonical = append(canonical, wireBytes[:idx]...)
	canonical = append(canonical, after...)
	return canonical, sigHex, nil
}

// parseWire decodes wire-format manifest bytes into a Manifest plus the
// preserved canonical byte range the signature covers.
func parseWire(wireBytes []byte) (*Manifest, []byte, error) {
	canonical, sigHex, err := stripSig(wireBytes)
	if err != nil {
		return nil, nil, err
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, nil, fmt.Errorf("manifest: decode sig hex: %w", err)
	}

	var doc wireDoc
	if err := json.Unmarshal(wireBytes, &doc); err != nil {
		return nil, nil, fmt.Errorf("manifest: unmarshal: %w", err)
	}

	pub, err := hex.DecodeString(doc.Pub)
	if err != nil {
		return nil, nil, fmt.Errorf("manifest: decode pub hex: %w", err)
	}

	files := make([]FileEntry, len(doc.Files))
	for i, wf := range doc.Files {
		chunks := make([]Blob, len(wf.Chunks))
		for j, wc := range wf.Chunks {
			id, err := blobid.Parse(wc.ID)
			if err != nil {
				return nil, nil, fmt.Errorf("manifest: chunk %d.%d id: %w", i, j, err)
			}
			keyBytes, err := hex.DecodeString(wc.Key)
			if err != nil || len(keyBytes) != 32 {
				return nil, nil, fmt.Errorf("manifest: chunk %d.%d key", i, j)
			}
			ivBytes, err := hex.DecodeString(wc.IV)
			if err != nil || len(ivBytes) != 12 {
				return nil, nil, fmt.Errorf("manifest: chunk %d.%d iv", i, j)
			}
			var blob Blob
			blob.ID = id
			blob.Size = uint64(wc.Size)
			copy(blob.Key[:], keyBytes)
			copy(blob.IV[:], ivBytes)
			chunks[j] = blob
		}
		files[i] = FileEntry{
			Name:   wf.Name,
			Size:   uint64(wf.Size),
			Mime:   wf.Mime,
			Chunks: chunks,
		}
	}

	return &Manifest{
		Pub:   pub,
		Seq:   doc.Seq,
		Files: files,
		Sig:   sig,
	}, canonical, nil
}
