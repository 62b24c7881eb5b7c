package engine

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ssd-technologies/nocturne-dist/internal/manifest"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{DataDir: t.TempDir(), ListenAddr: "127.0.0.1:0", DHTPort: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestIngestThenReassembleRoundTrip(t *testing.T) {
	e := newTestEngine(t)

	srcPath := filepath.Join(t.TempDir(), "hello.txt")
	want := []byte("hello, nocturne-dist")
	if err := os.WriteFile(srcPath, want, 0644); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	fileEntry, newBlobs, err := e.Ingest(srcPath)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if newBlobs != 1 || len(fileEntry.Chunks) != 1 {
		t.Fatalf("Ingest produced %d blobs / %d chunks, want 1/1", newBlobs, len(fileEntry.Chunks))
	}

	// Chunks should already be present locally, so queueFile should
	// reassemble synchronously without touching the downloader.
	savePath := filepath.Join(t.TempDir(), "hello-out.txt")
	e.queueFile(savePath, fileEntry)

	deadline := time.Now().Add(2 * time.Second)
	var got []byte
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(savePath); err == nil {
			got = data
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if string(got) != string(want) {
		t.Fatalf("reassembled file = %q, want %q", got, want)
	}
}

func TestPublishThenSubscribeTriggersDownload(t *testing.T) {
	publisher := newTestEngine(t)
	subscriber := newTestEngine(t)

	// Bootstrap the subscriber off the publisher so DHT lookups resolve.
	subscriber.Dht.Bootstrap([]string{publisher.Dht.Addr()}) //nolint:errcheck
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && subscriber.Dht.Table().Size() == 0 {
		time.Sleep(20 * time.Millisecond)
	}

	pub, priv, err := publisher.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	srcPath := filepath.Join(t.TempDir(), "data.bin")
	payload := []byte("the quick brown fox jumps over the lazy dog")
	if err := os.WriteFile(srcPath, payload, 0644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	fileEntry, _, err := publisher.Ingest(srcPath)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	m := &manifest.Manifest{Pub: pub, Seq: 1, Files: []manifest.FileEntry{fileEntry}}
	if _, err := publisher.Publish(priv, m); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	pubHex := hex.EncodeToString(pub)
	if err := subscriber.Subscribe("alice", pubHex); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	wantPath := filepath.Join(subscriber.cfg.DataDir, "downloads", pubHex, fileEntry.Name)
	deadline = time.Now().Add(5 * time.Second)
	var got []byte
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(wantPath); err == nil && len(data) == len(payload) {
			got = data
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if string(got) != string(payload) {
		t.Fatalf("downloaded file = %q, want %q", got, payload)
	}
}
