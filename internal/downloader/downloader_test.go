package downloader

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ssd-technologies/nocturne-dist/internal/blobid"
	"github.com/ssd-technologies/nocturne-dist/internal/transport"
	"github.com/ssd-technologies/nocturne-dist/internal/wire"
)

// memSink is an in-memory Sink for tests.
type memSink struct {
	mu   sync.Mutex
	data map[blobid.ID][]byte
}

func newMemSink() *memSink { return &memSink{data: make(map[blobid.ID][]byte)} }

func (s *memSink) Insert(id blobid.ID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = data
	return nil
}

func (s *memSink) get(id blobid.ID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[id]
	return d, ok
}

type testErr struct{ s string }

func (e *testErr) Error() string { return e.s }

var errTestNoMorePeers = &testErr{"no more peers"}

// servePeer runs the server half of a handshake over conn in a fresh
// goroutine and answers REQUEST for any blob with respond's bytes.
func servePeer(conn net.Conn, respond []byte) {
	sock, err := transport.Accept(conn, time.Second)
	if err != nil {
		return
	}
	sock.OnMessage(func(msgType byte, payload []byte) {
		if msgType == wire.MsgRequest {
			sock.Send(wire.MsgData, respond)
		}
	})
}

func TestQueueBlobFetchesFromSinglePeer(t *testing.T) {
	data := []byte("hello world, this is blob content")
	id := blobid.Of(data)

	client, server := net.Pipe()
	go servePeer(server, data)

	var mu sync.Mutex
	dialed := false
	dial := func(endpoint string, timeout time.Duration) (*transport.Socket, error) {
		mu.Lock()
		defer mu.Unlock()
		if dialed {
			return nil, errTestNoMorePeers
		}
		dialed = true
		return transport.DialConn(client, time.Second)
	}

	sink := newMemSink()
	d := New(dial, sink, 1)
	finished := make(chan blobid.ID, 1)
	d.OnBlobFinished(func(got blobid.ID) { finished <- got })

	go d.Run()
	defer d.Stop()

	d.QueueBlob(Request{BlobID: id, Size: int64(len(data))})
	d.AddPeers(id, []string{"peer-a:1"})

	select {
	case got := <-finished:
		if got != id {
			t.Fatalf("finished blob = %s, want %s", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for blobFinished")
	}

	stored, ok := sink.get(id)
	if !ok {
		t.Fatal("blob not present in sink")
	}
	if string(stored) != string(data) {
		t.Fatalf("stored bytes mismatch")
	}
}

func TestQueueBlobWithNoPeersReportsNeedPeers(t *testing.T) {
	sink := newMemSink()
	dial := func(endpoint string, timeout time.Duration) (*transport.Socket, error) {
		t.Fatal("dial should not be called with no peers queued")
		return nil, nil
	}
	d := New(dial, sink, 1)

	needPeers := make(chan blobid.ID, 1)
	d.OnPeersNeeded(func(got blobid.ID) { needPeers <- got })

	go d.Run()
	defer d.Stop()

	data := []byte("some content for peer-wake test")
	blob := blobid.Of(data)
	d.QueueBlob(Request{BlobID: blob})

	select {
	case got := <-needPeers:
		if got != blob {
			t.Fatalf("needPeers blob = %s, want %s", got, blob)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an immediate peersNeeded on queueBlob with no peers")
	}
}

func TestAddPeersWakesIdleDownload(t *testing.T) {
	data := []byte("woken by a newly discovered peer")
	id := blobid.Of(data)

	client, server := net.Pipe()
	go servePeer(server, data)

	dial := func(endpoint string, timeout time.Duration) (*transport.Socket, error) {
		return transport.DialConn(client, time.Second)
	}

	sink := newMemSink()
	d := New(dial, sink, 1)
	finished := make(chan blobid.ID, 1)
	d.OnBlobFinished(func(got blobid.ID) { finished <- got })

	go d.Run()
	defer d.Stop()

	d.QueueBlob(Request{BlobID: id})
	d.AddPeers(id, []string{"127.0.0.1:9"})

	select {
	case got := <-finished:
		if got != id {
			t.Fatalf("finished = %s, want %s", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for blobFinished after AddPeers")
	}
}

func TestMaxConcurrentCapsActiveDownloads(t *testing.T) {
	const maxConcurrent = 3
	const numBlobs = 5

	type peerConn struct {
		client net.Conn
		id     blobid.ID
	}

	sink := newMemSink()
	var conns []peerConn
	var reqs []Request

	for i := 0; i < numBlobs; i++ {
		data := []byte("blob content for concurrency test number " + string(rune('a'+i)))
		id := blobid.Of(data)
		client, server := net.Pipe()
		go servePeer(server, data)
		conns = append(conns, peerConn{client: client, id: id})
		reqs = append(reqs, Request{BlobID: id, Size: int64(len(data))})
	}

	var mu sync.Mutex
	dialedFor := make(map[blobid.ID]bool)
	dial := func(endpoint string, timeout time.Duration) (*transport.Socket, error) {
		mu.Lock()
		defer mu.Unlock()
		for _, pc := range conns {
			if "peer-"+pc.id.String() == endpoint && !dialedFor[pc.id] {
				dialedFor[pc.id] = true
				return transport.DialConn(pc.client, time.Second)
			}
		}
		return nil, errTestNoMorePeers
	}

	d := New(dial, sink, maxConcurrent)

	finished := make(chan blobid.ID, numBlobs)
	d.OnBlobFinished(func(got blobid.ID) { finished <- got })

	var watchWg sync.WaitGroup
	stopWatch := make(chan struct{})
	var exceeded bool
	var exceededMu sync.Mutex
	watchWg.Add(1)
	go func() {
		defer watchWg.Done()
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopWatch:
				return
			case <-ticker.C:
				if d.ActiveCount() > maxConcurrent {
					exceededMu.Lock()
					exceeded = true
					exceededMu.Unlock()
				}
			}
		}
	}()

	go d.Run()
	defer d.Stop()

	for i, req := range reqs {
		d.QueueBlob(req)
		d.AddPeers(req.BlobID, []string{"peer-" + conns[i].id.String()})
	}

	seen := make(map[blobid.ID]bool)
	for len(seen) < numBlobs {
		select {
		case got := <-finished:
			seen[got] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for all %d blobs to finish, got %d", numBlobs, len(seen))
		}
	}

	close(stopWatch)
	watchWg.Wait()

	exceededMu.Lock()
	defer exceededMu.Unlock()
	if exceeded {
		t.Fatalf("ActiveCount exceeded maxConcurrent=%d at some point during the run", maxConcurrent)
	}
}

func TestHashMismatchTriesNextPeer(t *testing.T) {
	data := []byte("the real blob bytes")
	id := blobid.Of(data)

	badClient, badServer := net.Pipe()
	go servePeer(badServer, []byte("wrong bytes entirely, different length"))

	goodClient, goodServer := net.Pipe()
	go servePeer(goodServer, data)

	var mu sync.Mutex
	attempt := 0
	dial := func(endpoint string, timeout time.Duration) (*transport.Socket, error) {
		mu.Lock()
		n := attempt
		attempt++
		mu.Unlock()
		if n == 0 {
			return transport.DialConn(badClient, time.Second)
		}
		return transport.DialConn(goodClient, time.Second)
	}

	sink := newMemSink()
	d := New(dial, sink, 1)
	finished := make(chan blobid.ID, 1)
	d.OnBlobFinished(func(got blobid.ID) { finished <- got })

	go d.Run()
	defer d.Stop()

	d.QueueBlob(Request{BlobID: id})
	d.AddPeers(id, []string{"peer-a:1", "peer-b:2"})

	select {
	case got := <-finished:
		if got != id {
			t.Fatalf("finished = %s, want %s", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recovery from a hash mismatch")
	}
}
