package admin

import (
	"crypto/ed25519"
	"encoding/hex"

	"github.com/ssd-technologies/nocturne-dist/internal/blobid"
	"github.com/ssd-technologies/nocturne-dist/internal/errs"
	"github.com/ssd-technologies/nocturne-dist/internal/manifest"
)

// blobDTO is the JSON-friendly form of manifest.Blob: every fixed-size
// byte array travels as hex.
type blobDTO struct {
	ID   string `json:"id"`
	Size uint64 `json:"size"`
	Key  string `json:"key"`
	IV   string `json:"iv"`
}

// fileEntryDTO is the JSON-friendly form of manifest.FileEntry.
type fileEntryDTO struct {
	Name   string    `json:"name"`
	Size   uint64    `json:"size"`
	Mime   string    `json:"mime"`
	Chunks []blobDTO `json:"chunks"`
}

// manifestDTO is the JSON-friendly form of manifest.Manifest, used as the
// publish command's request body per spec.md §6.
type manifestDTO struct {
	Pub   string         `json:"pub"`
	Seq   int64          `json:"seq"`
	Files []fileEntryDTO `json:"files"`
}

func blobToDTO(b manifest.Blob) blobDTO {
	return blobDTO{
		ID:   b.ID.String(),
		Size: b.Size,
		Key:  hex.EncodeToString(b.Key[:]),
		IV:   hex.EncodeToString(b.IV[:]),
	}
}

func fileEntryToDTO(fe manifest.FileEntry) fileEntryDTO {
	dto := fileEntryDTO{Name: fe.Name, Size: fe.Size, Mime: fe.Mime}
	for _, c := range fe.Chunks {
		dto.Chunks = append(dto.Chunks, blobToDTO(c))
	}
	return dto
}

func dtoToBlob(d blobDTO) (manifest.Blob, error) {
	id, err := blobid.Parse(d.ID)
	if err != nil {
		return manifest.Blob{}, errs.Wrap(errs.KindBadManifest, "admin: invalid chunk id", err)
	}
	keyBytes, err := hex.DecodeString(d.Key)
	if err != nil || len(keyBytes) != 32 {
		return manifest.Blob{}, errs.New(errs.KindBadManifest, "admin: invalid chunk key")
	}
	ivBytes, err := hex.DecodeString(d.IV)
	if err != nil || len(ivBytes) != 12 {
		return manifest.Blob{}, errs.New(errs.KindBadManifest, "admin: invalid chunk iv")
	}
	var b manifest.Blob
	b.ID = id
	b.Size = d.Size
	copy(b.Key[:], keyBytes)
	copy(b.IV[:], ivBytes)
	return b, nil
}

func dtoToFileEntry(d fileEntryDTO) (manifest.FileEntry, error) {
	fe := manifest.FileEntry{Name: d.Name, Size: d.Size, Mime: d.Mime}
	for _, c := range d.Chunks {
		b, err := dtoToBlob(c)
		if err != nil {
			return manifest.FileEntry{}, err
		}
		fe.Chunks = append(fe.Chunks, b)
	}
	return fe, nil
}

// dtoToManifest builds an unsigned manifest.Manifest from its wire DTO;
// Sign (called by Engine.Publish) fills in Sig and the canonical bytes.
func dtoToManifest(d manifestDTO) (*manifest.Manifest, error) {
	pubBytes, err := hex.DecodeString(d.Pub)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return nil, errs.New(errs.KindBadKey, "admin: invalid manifest public key")
	}
	m := &manifest.Manifest{Pub: ed25519.PublicKey(pubBytes), Seq: d.Seq}
	for _, f := range d.Files {
		fe, err := dtoToFileEntry(f)
		if err != nil {
			return nil, err
		}
		m.Files = append(m.Files, fe)
	}
	return m, nil
}
