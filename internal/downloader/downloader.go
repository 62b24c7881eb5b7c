// Package downloader implements the blob downloader core of SPEC_FULL.md
// §4.E: a bounded-concurrency scheduler that dials peers for queued blobs,
// issues REQUEST, verifies DATA against the content hash, and writes
// verified bytes into the blob store.
//
// It is grounded directly on cpp-reference/megatorrent/blob_downloader.{h,cpp}
// for the queue/active-download/tryNextPeer state machine, translated from
// Qt signal/slot dispatch to a single reactor goroutine that drains an
// event channel — the same "socket callbacks hand off to one owning
// goroutine via a channel" shape the teacher's internal/dht/node.go uses for
// its pending-RPC-by-ID map.
package downloader

import (
	"log"
	"sync"
	"time"

	"github.com/ssd-technologies/nocturne-dist/internal/blobid"
	"github.com/ssd-technologies/nocturne-dist/internal/errs"
	"github.com/ssd-technologies/nocturne-dist/internal/transport"
	"github.com/ssd-technologies/nocturne-dist/internal/wire"
)

// DefaultMaxConcurrent is the default number of simultaneous in-flight
// downloads, per SPEC_FULL.md §5.
const DefaultMaxConcurrent = 3

// handshakeTimeout bounds the dial/handshake step, per SPEC_FULL.md §5.
// transport.Dial/DialConn treats its timeout argument as the handshake
// deadline (see internal/transport/socket.go), so this must stay distinct
// from the post-connect idle deadline below.
const handshakeTimeout = 10 * time.Second

// responseTimeout bounds transfer inactivity once a socket is connected,
// per SPEC_FULL.md §5's transfer-inactivity window. The wire protocol hands
// back an entire blob in one frame, so this single idle deadline also
// covers the request-to-first-byte window.
const responseTimeout = 30 * time.Second

// DialFunc opens a secure socket to a peer endpoint. Tests substitute an
// in-memory implementation; production wires transport.Dial.
type DialFunc func(endpoint string, timeout time.Duration) (*transport.Socket, error)

// Request describes one blob to fetch.
type Request struct {
	BlobID blobid.ID
	Size   int64
}

// Sink persists verified blob bytes. The production wiring is
// blobstore.Store.Insert; tests substitute an in-memory map.
type Sink interface {
	Insert(id blobid.ID, data []byte) error
}

type dlState int

const (
	stateQueued dlState = iota
	stateDialing
	stateRequesting
	stateVerifying
	stateNeedPeers
	stateFinished
	stateAbandoned
)

type activeDownload struct {
	req         Request
	peers       []string
	tried       map[string]bool
	blacklisted map[string]bool
	socket      *transport.Socket
	state       dlState
	attempts    int
}

type eventKind int

const (
	evAddPeers eventKind = iota
	evConnected
	evDialFailed
	evMessage
	evDisconnected
	evVerifyDone
	evShutdown
)

type event struct {
	kind    eventKind
	blobID  blobid.ID
	peers   []string
	socket  *transport.Socket
	msgType byte
	payload []byte
	err     error
	ok      bool
	data    []byte
}

// Downloader drives every in-flight blob download. Socket and verification
// outcomes are posted to the events channel and applied by the Run loop.
// State is not confined to that goroutine: every download's state is
// guarded by mu, and QueueBlob and AddPeers update it and start dials
// directly on the caller's goroutine.
type Downloader struct {
	maxConcurrent int
	maxAttempts   int // 0 = unbounded, per SPEC_FULL.md §4.E quotas
	dial          DialFunc
	sink          Sink

	events chan event
	done   chan struct{}

	mu            sync.Mutex
	activeCount   int
	queue         []blobid.ID
	downloads     map[blobid.ID]*activeDownload

	onFinished  func(blobid.ID)
	onFailed    func(blobid.ID, error)
	onNeedPeers func(blobid.ID)
}

// New builds a Downloader. maxConcurrent<=0 uses DefaultMaxConcurrent.
func New(dial DialFunc, sink Sink, maxConcurrent int) *Downloader {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	d := &Downloader{
		maxConcurrent: maxConcurrent,
		dial:          dial,
		sink:          sink,
		events:        make(chan event, 64),
		done:          make(chan struct{}),
		downloads:     make(map[blobid.ID]*activeDownload),
	}
	return d
}

// SetMaxAttempts bounds the number of distinct peers tried per blob before
// it transitions to Abandoned instead of NeedPeers. 0 (the default) means
// unbounded, per SPEC_FULL.md §4.E.
func (d *Downloader) SetMaxAttempts(n int) { d.maxAttempts = n }

// OnBlobFinished registers the callback fired once a blob's verified bytes
// are durably stored.
func (d *Downloader) OnBlobFinished(f func(blobid.ID)) { d.onFinished = f }

// OnBlobFailed registers the callback fired when a blob is abandoned after
// exhausting its peer quota.
func (d *Downloader) OnBlobFailed(f func(blobid.ID, error)) { d.onFailed = f }

// OnPeersNeeded registers the callback fired when a blob has no untried,
// unblacklisted peers left to try — the signal the DHT lookup should act on.
func (d *Downloader) OnPeersNeeded(f func(blobid.ID)) { d.onNeedPeers = f }

// Run starts the reactor loop. It blocks until Stop is called; callers
// should invoke it in its own goroutine.
func (d *Downloader) Run() {
	for {
		select {
		case ev := <-d.events:
			d.handle(ev)
		case <-d.done:
			return
		}
	}
}

// Stop ends the reactor loop. It does not close in-flight sockets.
func (d *Downloader) Stop() {
	close(d.done)
}

// QueueBlob registers a new download. Re-queueing a blob already tracked is
// a no-op, matching the teacher reference's queueBlob guard.
func (d *Downloader) QueueBlob(req Request) {
	d.mu.Lock()
	_, exists := d.downloads[req.BlobID]
	if !exists {
		d.downloads[req.BlobID] = &activeDownload{
			req:         req,
			tried:       make(map[string]bool),
			blacklisted: make(map[string]bool),
			state:       stateQueued,
		}
		d.queue = append(d.queue, req.BlobID)
	}
	d.mu.Unlock()
	if exists {
		return
	}
	if d.onNeedPeers != nil {
		d.onNeedPeers(req.BlobID)
	}
	d.startNextDownload()
}

// AddPeers supplies newly discovered peer endpoints for a tracked blob and
// kicks the scheduler if that blob was idle.
func (d *Downloader) AddPeers(id blobid.ID, endpoints []string) {
	d.mu.Lock()
	dl, ok := d.downloads[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	newPeers := false
	existing := make(map[string]bool, len(dl.peers))
	for _, p := range dl.peers {
		existing[p] = true
	}
	for _, ep := range endpoints {
		if dl.tried[ep] || dl.blacklisted[ep] || existing[ep] {
			continue
		}
		dl.peers = append(dl.peers, ep)
		existing[ep] = true
		newPeers = true
	}
	idle := dl.state == stateQueued || dl.state == stateNeedPeers
	d.mu.Unlock()

	if newPeers && idle {
		d.startNextDownload()
	}
}

// startNextDownload walks the queue in order, starting downloads for idle
// blobs with waiting peers until the concurrency cap is reached — the same
// scan the teacher reference's startNextDownload performs.
func (d *Downloader) startNextDownload() {
	d.mu.Lock()
	var toStart []blobid.ID
	for _, id := range d.queue {
		if d.activeCount >= d.maxConcurrent {
			break
		}
		dl := d.downloads[id]
		if dl == nil {
			continue
		}
		if (dl.state == stateQueued || dl.state == stateNeedPeers) && len(dl.peers) > 0 {
			toStart = append(toStart, id)
			d.activeCount++
		}
	}
	d.mu.Unlock()

	for _, id := range toStart {
		d.dialNext(id)
	}
}

// dialNext pops the next untried peer for a blob and dials it asynchronously.
// Callers must already have reserved an active slot for id.
func (d *Downloader) dialNext(id blobid.ID) {
	d.mu.Lock()
	dl, ok := d.downloads[id]
	if !ok {
		d.mu.Unlock()
		d.releaseSlot()
		return
	}
	if len(dl.peers) == 0 {
		dl.state = stateNeedPeers
		d.mu.Unlock()
		d.releaseSlot()
		if d.onNeedPeers != nil {
			d.onNeedPeers(id)
		}
		return
	}
	peer := dl.peers[0]
	dl.peers = dl.peers[1:]
	dl.tried[peer] = true
	dl.attempts++
	dl.state = stateDialing
	d.mu.Unlock()

	go func() {
		sock, err := d.dial(peer, handshakeTimeout)
		if err != nil {
			d.events <- event{kind: evDialFailed, blobID: id, err: err}
			return
		}
		sock.SetIdleDeadline(responseTimeout)
		sock.OnMessage(func(msgType byte, payload []byte) {
			d.events <- event{kind: evMessage, blobID: id, msgType: msgType, payload: payload}
		})
		sock.OnDisconnected(func() {
			d.events <- event{kind: evDisconnected, blobID: id}
		})
		sock.OnError(func(err error) {
			d.events <- event{kind: evDisconnected, blobID: id, err: err}
		})
		if err := sock.Send(wire.MsgRequest, wire.EncodeRequest(id)); err != nil {
			sock.Close()
			d.events <- event{kind: evDialFailed, blobID: id, err: err}
			return
		}
		d.events <- event{kind: evConnected, blobID: id, socket: sock}
	}()
}

func (d *Downloader) releaseSlot() {
	d.mu.Lock()
	d.activeCount--
	d.mu.Unlock()
}

// handle processes one event on the reactor goroutine, taking mu for each
// change to a download's state.
func (d *Downloader) handle(ev event) {
	switch ev.kind {
	case evConnected:
		d.mu.Lock()
		if dl, ok := d.downloads[ev.blobID]; ok {
			dl.socket = ev.socket
			dl.state = stateRequesting
		}
		d.mu.Unlock()

	case evDialFailed:
		log.Printf("[downloader] dial failed for %s: %v", ev.blobID, ev.err)
		d.advancePeer(ev.blobID)

	case evMessage:
		d.handleMessage(ev)

	case evDisconnected:
		d.mu.Lock()
		dl, ok := d.downloads[ev.blobID]
		if ok {
			finished := dl.state == stateFinished
			dl.socket = nil
			d.mu.Unlock()
			if !finished {
				d.advancePeer(ev.blobID)
			}
			return
		}
		d.mu.Unlock()

	case evVerifyDone:
		d.handleVerifyDone(ev)
	}
}

func (d *Downloader) handleMessage(ev event) {
	switch ev.msgType {
	case wire.MsgData:
		d.mu.Lock()
		dl, ok := d.downloads[ev.blobID]
		if ok {
			dl.state = stateVerifying
		}
		d.mu.Unlock()
		if !ok {
			return
		}
		go d.verify(ev.blobID, ev.payload)

	case wire.MsgError:
		log.Printf("[downloader] peer returned error for %s", ev.blobID)
		d.closeSocketAndAdvance(ev.blobID)

	default:
		log.Printf("[downloader] unexpected opcode %s for %s, ignoring", wire.Name(ev.msgType), ev.blobID)
	}
}

// verify hashes and stores payload off the reactor goroutine, per
// SPEC_FULL.md §4.E's "hash verification may be offloaded to a worker".
func (d *Downloader) verify(id blobid.ID, payload []byte) {
	if !id.Matches(payload) {
		d.events <- event{kind: evVerifyDone, blobID: id, ok: false}
		return
	}
	if err := d.sink.Insert(id, payload); err != nil {
		d.events <- event{kind: evVerifyDone, blobID: id, ok: false, err: err}
		return
	}
	d.events <- event{kind: evVerifyDone, blobID: id, ok: true, data: payload}
}

func (d *Downloader) handleVerifyDone(ev event) {
	d.mu.Lock()
	dl, ok := d.downloads[ev.blobID]
	if !ok {
		d.mu.Unlock()
		return
	}

	if !ev.ok {
		if ev.err != nil {
			log.Printf("[downloader] store write failed for %s: %v", ev.blobID, ev.err)
		} else {
			log.Printf("[downloader] hash mismatch for %s", ev.blobID)
			if dl.socket != nil {
				if peer := dl.socket.RemoteAddr(); peer != "" {
					dl.blacklisted[peer] = true
				}
			}
		}
		sock := dl.socket
		dl.socket = nil
		d.mu.Unlock()
		if sock != nil {
			sock.Close()
		}
		d.advancePeer(ev.blobID)
		return
	}

	dl.state = stateFinished
	sock := dl.socket
	dl.socket = nil
	d.removeLocked(ev.blobID)
	d.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	d.releaseSlot()
	if d.onFinished != nil {
		d.onFinished(ev.blobID)
	}
	d.startNextDownload()
}

func (d *Downloader) closeSocketAndAdvance(id blobid.ID) {
	d.mu.Lock()
	dl, ok := d.downloads[id]
	var sock *transport.Socket
	if ok {
		sock = dl.socket
		dl.socket = nil
	}
	d.mu.Unlock()
	if sock != nil {
		sock.Close()
	}
	if ok {
		d.advancePeer(id)
	}
}

// advancePeer moves a blob on after a failed attempt: it keeps the caller's
// implicit active slot to dial the next untried peer, or releases the slot
// and either reports NeedPeers or abandons the blob once its attempt quota
// is exhausted.
func (d *Downloader) advancePeer(id blobid.ID) {
	d.mu.Lock()
	dl, ok := d.downloads[id]
	if !ok {
		d.mu.Unlock()
		d.releaseSlot()
		return
	}
	if len(dl.peers) == 0 {
		abandon := d.maxAttempts > 0 && dl.attempts >= d.maxAttempts
		if abandon {
			dl.state = stateAbandoned
			d.removeLocked(id)
		} else {
			dl.state = stateNeedPeers
		}
		d.mu.Unlock()
		d.releaseSlot()
		if abandon {
			if d.onFailed != nil {
				d.onFailed(id, errs.New(errs.KindNotFound, "downloader: peer quota exhausted"))
			}
		} else if d.onNeedPeers != nil {
			d.onNeedPeers(id)
		}
		return
	}
	d.mu.Unlock()
	d.dialNext(id)
}

// removeLocked drops a blob from the queue and download map. Callers must
// hold d.mu.
func (d *Downloader) removeLocked(id blobid.ID) {
	delete(d.downloads, id)
	for i, q := range d.queue {
		if q == id {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			break
		}
	}
}

// ActiveCount reports the number of downloads currently dialing, requesting,
// or verifying — for metrics and tests.
func (d *Downloader) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeCount
}

// Pending reports the blob ids still tracked (queued, active, or awaiting
// peers) — for metrics and tests.
func (d *Downloader) Pending() []blobid.ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]blobid.ID, len(d.queue))
	copy(out, d.queue)
	return out
}
