package aead

import (
	"bytes"
	"testing"
)

func TestAppendReadLengthPrefix_Roundtrip(t *testing.T) {
	sealed := []byte("a sealed chacha20-poly1305 frame's bytes")
	framed := AppendLengthPrefix(sealed)

	length, ok := ReadLengthPrefix(framed)
	if !ok {
		t.Fatal("ReadLengthPrefix reported not-ok for a full prefix")
	}
	if int(length) != len(sealed) {
		t.Fatalf("length = %d, want %d", length, len(sealed))
	}
	if !bytes.Equal(framed[LengthPrefixSize:], sealed) {
		t.Fatal("framed payload does not match the original sealed bytes")
	}
}

func TestReadLengthPrefix_ShortBufferNotOk(t *testing.T) {
	if _, ok := ReadLengthPrefix([]byte{0x00, 0x01}); ok {
		t.Fatal("ReadLengthPrefix should report not-ok for a buffer shorter than the prefix")
	}
}

func TestValidateFrameLength_RejectsTooShort(t *testing.T) {
	if err := ValidateFrameLength(TagSize - 1); err == nil {
		t.Fatal("a length shorter than the AEAD tag should be rejected")
	}
	if err := ValidateFrameLength(TagSize); err != nil {
		t.Fatalf("a length exactly TagSize should be accepted, got %v", err)
	}
}

func TestValidateFrameLength_RejectsTooLarge(t *testing.T) {
	if err := ValidateFrameLength(MaxFrameSize + 1); err == nil {
		t.Fatal("a length exceeding MaxFrameSize should be rejected")
	}
	if err := ValidateFrameLength(MaxFrameSize); err != nil {
		t.Fatalf("a length exactly MaxFrameSize should be accepted, got %v", err)
	}
}
