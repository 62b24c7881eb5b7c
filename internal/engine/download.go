package engine

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/ssd-technologies/nocturne-dist/internal/blobid"
	"github.com/ssd-technologies/nocturne-dist/internal/downloader"
	"github.com/ssd-technologies/nocturne-dist/internal/manifest"
)

// Publish signs m with priv (priv must be the private half matching m.Pub)
// and publishes it to the DHT under m.Pub, per spec.md §6's publish
// admin command.
func (e *Engine) Publish(priv ed25519.PrivateKey, m *manifest.Manifest) (int64, error) {
	if err := manifest.Sign(priv, m); err != nil {
		return 0, err
	}
	wire, err := manifest.Encode(m)
	if err != nil {
		return 0, err
	}
	if err := e.Adapter.PutMutable(m.Pub, priv, wire, m.Seq); err != nil {
		return 0, err
	}
	return m.Seq, nil
}

// onSubscriptionUpdated is the subscription manager's subscriptionUpdated
// callback: it queues a download for every chunk of every file in m that
// this node does not already hold, and reconstructs the plaintext file
// once all of a file's chunks have arrived.
func (e *Engine) onSubscriptionUpdated(pub ed25519.PublicKey, m *manifest.Manifest) {
	downloadsDir := filepath.Join(e.cfg.DataDir, "downloads", hex.EncodeToString(pub))
	if err := os.MkdirAll(downloadsDir, 0700); err != nil {
		return
	}

	for _, file := range m.Files {
		savePath := filepath.Join(downloadsDir, file.Name)
		e.queueFile(savePath, file)
	}
}

func (e *Engine) queueFile(savePath string, file manifest.FileEntry) {
	pf := &pendingFile{
		savePath:  savePath,
		chunks:    file.Chunks,
		remaining: make(map[blobid.ID]bool, len(file.Chunks)),
	}

	e.mu.Lock()
	e.pendingFiles[savePath] = pf
	for _, chunk := range file.Chunks {
		if e.Blobs.Has(chunk.ID) {
			continue // already have it, don't re-download
		}
		pf.remaining[chunk.ID] = true
		e.blobToFiles[chunk.ID] = append(e.blobToFiles[chunk.ID], pf)
	}
	allPresent := len(pf.remaining) == 0
	e.mu.Unlock()

	if allPresent {
		e.reassemble(pf)
		return
	}

	for id := range pf.remaining {
		size := int64(0)
		for _, c := range file.Chunks {
			if c.ID == id {
				size = int64(c.Size)
				break
			}
		}
		e.Dl.QueueBlob(downloader.Request{BlobID: id, Size: size})
	}
}

// onBlobFinished is the downloader's signal that a blob's verified bytes
// are durably stored; it advances every pending file waiting on that
// blob and reassembles any that are now complete.
func (e *Engine) onBlobFinished(id blobid.ID) {
	e.mu.Lock()
	files := e.blobToFiles[id]
	delete(e.blobToFiles, id)
	var ready []*pendingFile
	for _, pf := range files {
		delete(pf.remaining, id)
		if len(pf.remaining) == 0 {
			ready = append(ready, pf)
		}
	}
	e.mu.Unlock()

	for _, pf := range ready {
		e.reassemble(pf)
	}
}

// reassemble decrypts every chunk of pf in order and writes the
// concatenated plaintext to pf.savePath, then drops it from tracking.
func (e *Engine) reassemble(pf *pendingFile) {
	defer func() {
		e.mu.Lock()
		delete(e.pendingFiles, pf.savePath)
		e.mu.Unlock()
	}()

	f, err := os.Create(pf.savePath)
	if err != nil {
		return
	}
	defer f.Close()

	for _, chunk := range pf.chunks {
		ciphertext, ok, err := e.Blobs.Lookup(chunk.ID)
		if err != nil || !ok {
			return
		}
		plain, err := openChunk(ciphertext, chunk.Key, chunk.IV)
		if err != nil {
			return
		}
		if _, err := f.Write(plain); err != nil {
			return
		}
	}
}
