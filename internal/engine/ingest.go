package engine

import (
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/ssd-technologies/nocturne-dist/internal/blobid"
	"github.com/ssd-technologies/nocturne-dist/internal/errs"
	"github.com/ssd-technologies/nocturne-dist/internal/manifest"
)

// Ingest splits filePath into content-addressed, encrypted chunks, stores
// each in the blob store, and returns the resulting manifest.FileEntry
// plus the number of distinct blobs created (excluding chunks that
// already existed in the store under the same content hash).
func (e *Engine) Ingest(filePath string) (manifest.FileEntry, int, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return manifest.FileEntry{}, 0, errs.Wrap(errs.KindIO, "engine: open file", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return manifest.FileEntry{}, 0, errs.Wrap(errs.KindIO, "engine: stat file", err)
	}

	entry := manifest.FileEntry{
		Name: filepath.Base(filePath),
		Size: uint64(info.Size()),
		Mime: mimeTypeFor(filePath),
	}

	buf := make([]byte, chunkSize)
	newBlobs := 0
	for {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			ciphertext, key, iv, sealErr := sealChunk(buf[:n])
			if sealErr != nil {
				return manifest.FileEntry{}, 0, sealErr
			}
			id := blobid.Of(ciphertext)
			existed := e.Blobs.Has(id)
			if err := e.Blobs.Insert(id, ciphertext); err != nil {
				if werr, ok := errs.As(err); ok {
					return manifest.FileEntry{}, 0, errs.Wrap(werr.Kind, "engine: insert chunk", err)
				}
				return manifest.FileEntry{}, 0, errs.Wrap(errs.KindIO, "engine: insert chunk", err)
			}
			if !existed {
				newBlobs++
				if err := e.AnnounceBlob(id); err != nil {
					return manifest.FileEntry{}, 0, err
				}
			}
			entry.Chunks = append(entry.Chunks, manifest.Blob{
				ID: id, Size: uint64(n), Key: key, IV: iv,
			})
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return manifest.FileEntry{}, 0, errs.Wrap(errs.KindIO, "engine: read file", readErr)
		}
	}

	return entry, newBlobs, nil
}

func mimeTypeFor(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}
