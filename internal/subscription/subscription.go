// Package subscription implements the subscription manager (component I):
// a pub -> Subscription registry, polled on a timer, updated on
// manifestFound events from the DHT adapter, persisted atomically to
// disk. Grounded on cpp-reference/megatorrent_subscription.cpp's
// addSubscription/onPollTimer/onManifestFound/load/save shape, translated
// to Go with a time.Ticker in place of the Qt poll timer (the teacher's
// internal/server/workers.go idiom) and write-to-temp-then-rename
// persistence (the teacher's blobstore/keypair idiom).
package subscription

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ssd-technologies/nocturne-dist/internal/errs"
	"github.com/ssd-technologies/nocturne-dist/internal/manifest"
)

// defaultPollInterval is how often every subscription is re-checked
// against the DHT, per SPEC_FULL.md §4.I.
const defaultPollInterval = 10 * time.Minute

// Subscription tracks one followed publisher.
type Subscription struct {
	Label        string
	Pub          ed25519.PublicKey
	LastSequence int64
	LastUpdated  time.Time
	LastChecked  time.Time
}

type record struct {
	Label   string `json:"label"`
	Pub     string `json:"pub"`
	Seq     int64  `json:"seq"`
	Updated string `json:"updated"`
	Checked string `json:"checked"`
}

// GetMutableFunc performs a get_mutable lookup for pub. Implemented by
// internal/dhtadapter.Adapter.GetMutable in production.
type GetMutableFunc func(pub ed25519.PublicKey) (*manifest.Manifest, error)

// UpdatedFunc is invoked when a subscription advances to a newer manifest.
type UpdatedFunc func(pub ed25519.PublicKey, m *manifest.Manifest)

// Manager holds the pub -> Subscription registry and drives polling.
type Manager struct {
	mu           sync.Mutex
	subs         map[string]*Subscription // keyed by hex(pub)
	path         string
	getMutable   GetMutableFunc
	onUpdated    UpdatedFunc
	pollInterval time.Duration
	errorCount   int

	stop chan struct{}
	done chan struct{}
}

// New creates a subscription manager persisting to path and resolving
// get_mutable lookups via getMutable.
func New(path string, getMutable GetMutableFunc) *Manager {
	return &Manager{
		subs:         make(map[string]*Subscription),
		path:         path,
		getMutable:   getMutable,
		pollInterval: defaultPollInterval,
	}
}

// SetPollInterval overrides the default 10-minute poll interval.
func (m *Manager) SetPollInterval(d time.Duration) {
	m.pollInterval = d
}

// OnUpdated registers the callback invoked whenever a subscription
// advances to a newer manifest (subscriptionUpdated in spec.md §4.I).
func (m *Manager) OnUpdated(fn UpdatedFunc) {
	m.onUpdated = fn
}

// AddSubscription registers pub under label, idempotent on pub, and
// issues an immediate get_mutable lookup.
func (m *Manager) AddSubscription(label string, pub ed25519.PublicKey) error {
	key := hex.EncodeToString(pub)

	m.mu.Lock()
	if _, exists := m.subs[key]; exists {
		m.mu.Unlock()
		return errs.New(errs.KindExists, "subscription: already subscribed to this key")
	}
	now := time.Now()
	m.subs[key] = &Subscription{Label: label, Pub: pub, LastUpdated: now, LastChecked: now}
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		return err
	}

	go m.check(pub)
	return nil
}

// RemoveSubscription unsubscribes from pub.
func (m *Manager) RemoveSubscription(pub ed25519.PublicKey) error {
	key := hex.EncodeToString(pub)

	m.mu.Lock()
	if _, exists := m.subs[key]; !exists {
		m.mu.Unlock()
		return errs.New(errs.KindNotFound, "subscription: not subscribed to this key")
	}
	delete(m.subs, key)
	m.mu.Unlock()

	return m.persist()
}

// Subscriptions returns a snapshot of all current subscriptions.
func (m *Manager) Subscriptions() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, *s)
	}
	return out
}

// StartPolling launches the background poll-timer goroutine.
func (m *Manager) StartPolling() {
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.pollLoop()
}

// StopPolling stops the poll-timer goroutine and waits for it to exit.
func (m *Manager) StopPolling() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	<-m.done
}

func (m *Manager) pollLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.pollAll()
		}
	}
}

// pollAll issues a get_mutable lookup for every subscription. Duplicate
// in-flight lookups are permitted — the DHT layer de-duplicates, per
// SPEC_FULL.md §5.
func (m *Manager) pollAll() {
	m.mu.Lock()
	pubs := make([]ed25519.PublicKey, 0, len(m.subs))
	for _, s := range m.subs {
		pubs = append(pubs, s.Pub)
	}
	m.mu.Unlock()

	for _, pub := range pubs {
		go m.check(pub)
	}
}

// check issues a get_mutable lookup for pub and applies the result via
// OnManifestFound's own logic, then stamps lastChecked regardless of
// outcome.
func (m *Manager) check(pub ed25519.PublicKey) {
	key := hex.EncodeToString(pub)

	m.mu.Lock()
	sub, exists := m.subs[key]
	m.mu.Unlock()
	if !exists {
		return
	}

	defer func() {
		m.mu.Lock()
		if s, ok := m.subs[key]; ok {
			s.LastChecked = time.Now()
		}
		m.mu.Unlock()
		m.persist() //nolint:errcheck
	}()

	mf, err := m.getMutable(pub)
	if err != nil {
		m.mu.Lock()
		m.errorCount++
		m.mu.Unlock()
		log.Printf("[subscription] get_mutable %s: %v", sub.Label, err)
		return
	}
	m.OnManifestFound(pub, mf)
}

// ErrorCount returns the number of get_mutable lookups that have failed
// (not found, DHT failure, or a manifest that failed verification) since
// the manager started, per spec.md §7's "manifest errors are counted and
// logged" policy.
func (m *Manager) ErrorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorCount
}

// OnManifestFound applies an incoming manifest per spec.md §4.I:
//  1. Locate the subscription for m.Pub; absence drops it.
//  2. m is assumed already verified by the caller (internal/manifest.Verify
//     ran as part of the get_mutable lookup); a verify failure there never
//     reaches here.
//  3. If m.Seq > sub.LastSequence, advance and emit subscriptionUpdated;
//     otherwise drop silently as a replay.
//  4. Persist the registry atomically.
func (m *Manager) OnManifestFound(pub ed25519.PublicKey, mf *manifest.Manifest) {
	key := hex.EncodeToString(pub)

	m.mu.Lock()
	sub, exists := m.subs[key]
	if !exists {
		m.mu.Unlock()
		return
	}
	if mf.Seq <= sub.LastSequence {
		m.mu.Unlock()
		return // replay, drop silently
	}
	sub.LastSequence = mf.Seq
	sub.LastUpdated = time.Now()
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		log.Printf("[subscription] persist after update: %v", err)
	}

	if m.onUpdated != nil {
		m.onUpdated(pub, mf)
	}
}

// Load reads the subscription registry from disk. A missing file is not
// an error — it means no subscriptions exist yet.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.KindIO, "subscription: read registry", err)
	}

	var recs []record
	if err := json.Unmarshal(data, &recs); err != nil {
		return errs.Wrap(errs.KindIO, "subscription: parse registry", err)
	}

	subs := make(map[string]*Subscription, len(recs))
	for _, r := range recs {
		pub, err := hex.DecodeString(r.Pub)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			continue
		}
		updated, _ := time.Parse(time.RFC3339, r.Updated)
		checked, _ := time.Parse(time.RFC3339, r.Checked)
		subs[r.Pub] = &Subscription{
			Label:        r.Label,
			Pub:          ed25519.PublicKey(pub),
			LastSequence: r.Seq,
			LastUpdated:  updated,
			LastChecked:  checked,
		}
	}

	m.mu.Lock()
	m.subs = subs
	m.mu.Unlock()
	return nil
}

// persist rewrites the registry file atomically (write-to-temp + rename).
func (m *Manager) persist() error {
	m.mu.Lock()
	recs := make([]record, 0, len(m.subs))
	for key, s := range m.subs {
		recs = append(recs, record{
			Label:   s.Label,
			Pub:     key,
			Seq:     s.LastSequence,
			Updated: s.LastUpdated.UTC().Format(time.RFC3339),
			Checked: s.LastChecked.UTC().Format(time.RFC3339),
		})
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindIO, "subscription: marshal registry", err)
	}
	if err := writeAtomic(m.path, data); err != nil {
		return errs.Wrap(errs.KindIO, "subscription: write registry", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
