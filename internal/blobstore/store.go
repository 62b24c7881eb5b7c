// Package blobstore implements the content-addressed blob store of
// SPEC_FULL.md §4.D: atomic insert, lookup, enumeration, and LRU eviction
// under a bounded capacity. Blob bytes live as files under
// <data_dir>/blobs/<hex_id>; a SQLite index (grounded on the teacher's
// internal/dht/store.go TTL-table shape) tracks size and insertion time so
// enumeration and eviction don't require a directory scan on every call.
package blobstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ssd-technologies/nocturne-dist/internal/blobid"
	"github.com/ssd-technologies/nocturne-dist/internal/errs"
)

// Entry describes one stored blob's index metadata.
type Entry struct {
	ID      blobid.ID
	Size    int64
	AddedAt time.Time
}

// Store is a single-writer, multi-reader content-addressed blob store.
// Reads do not require holding the engine's reactor lock — the store
// guards its own index with a mutex, per SPEC_FULL.md §5. writeMu
// specifically serializes Insert's check-then-act capacity check against
// makeRoom/evict, since internal/downloader calls Insert from up to
// maxConcurrent goroutines concurrently for distinct blob ids.
type Store struct {
	dir      string
	db       *sql.DB
	maxBytes int64 // 0 means unbounded

	writeMu sync.Mutex
}

// highWaterFraction is the fraction of maxBytes eviction drains down to,
// matching the "evict... until used ≤ high-water" wording of SPEC_FULL.md
// §4.D.
const highWaterFraction = 0.9

// Open opens (or creates) a blob store rooted at dir, with an optional
// capacity bound in bytes (0 = unbounded).
func Open(dir string, maxBytes int64) (*Store, error) {
	blobsDir := filepath.Join(dir, "blobs")
	if err := os.MkdirAll(blobsDir, 0755); err != nil {
		return nil, errs.Wrap(errs.KindIO, "create blobs dir", err)
	}

	dsn := filepath.Join(dir, "blobstore.index.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "open blob index", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindIO, "ping blob index", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS blobs (
		id_hex TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		added_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindIO, "create blob index table", err)
	}

	s := &Store{dir: dir, db: db, maxBytes: maxBytes}
	if err := s.reconcile(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying index database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) blobPath(id blobid.ID) string {
	return filepath.Join(s.dir, "blobs", id.String())
}

// Insert stores data under its content-derived id, atomically (temp file +
// fsync + rename) and idempotently: re-inserting the same id is a no-op.
// A single blob larger than the store's capacity fails with StoreFull.
func (s *Store) Insert(id blobid.ID, data []byte) error {
	if !id.Matches(data) {
		return errs.New(errs.KindHashMismatch, "blobstore: data does not hash to id")
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return errs.New(errs.KindStoreFull, "blobstore: blob exceeds store capacity")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, ok, err := s.Lookup(id); err != nil {
		return err
	} else if ok {
		return nil // idempotent
	}

	if err := s.makeRoom(int64(len(data))); err != nil {
		return err
	}

	if err := writeAtomic(s.blobPath(id), data); err != nil {
		return errs.Wrap(errs.KindIO, "blobstore: write blob", err)
	}

	now := time.Now().UnixMilli()
	if _, err := s.db.Exec(
		`INSERT OR REPLACE INTO blobs (id_hex, size, added_at) VALUES (?, ?, ?)`,
		id.String(), len(data), now,
	); err != nil {
		return errs.Wrap(errs.KindIO, "blobstore: index insert", err)
	}
	return nil
}

// writeAtomic writes data to path via a temp file in the same directory,
// fsync, then rename — the crash-safe write pattern SPEC_FULL.md §4.D
// requires and the teacher's keypair/subscription persistence idiom uses
// throughout.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

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

// Lookup returns a blob's bytes, or ok=false if absent.
func (s *Store) Lookup(id blobid.ID) ([]byte, bool, error) {
	data, err := os.ReadFile(s.blobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errs.Wrap(errs.KindIO, "blobstore: read blob", err)
	}
	return data, true, nil
}

// Has reports whether id is present without reading its bytes.
func (s *Store) Has(id blobid.ID) bool {
	_, err := os.Stat(s.blobPath(id))
	return err == nil
}

// Enumerate lists all indexed blobs.
func (s *Store) Enumerate() ([]Entry, error) {
	rows, err := s.db.Query(`SELECT id_hex, size, added_at FROM blobs ORDER BY added_at ASC`)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "blobstore: enumerate", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var idHex string
		var size, addedAtMs int64
		if err := rows.Scan(&idHex, &size, &addedAtMs); err != nil {
			return nil, errs.Wrap(errs.KindIO, "blobstore: scan entry", err)
		}
		id, err := blobid.Parse(idHex)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{ID: id, Size: size, AddedAt: time.UnixMilli(addedAtMs)})
	}
	return entries, rows.Err()
}

// TotalSize returns the sum of all indexed blob sizes.
func (s *Store) TotalSize() (int64, error) {
	var total sql.NullInt64
	if err := s.db.QueryRow(`SELECT SUM(size) FROM blobs`).Scan(&total); err != nil {
		return 0, errs.Wrap(errs.KindIO, "blobstore: total size", err)
	}
	return total.Int64, nil
}

// makeRoom evicts the oldest blobs (by added_at) until there is room for an
// incoming blob of the given size, draining to highWaterFraction of
// capacity as SPEC_FULL.md §4.D specifies.
func (s *Store) makeRoom(incoming int64) error {
	if s.maxBytes <= 0 {
		return nil
	}
	total, err := s.TotalSize()
	if err != nil {
		return err
	}
	if total+incoming <= s.maxBytes {
		return nil
	}

	highWater := int64(float64(s.maxBytes) * highWaterFraction)
	entries, err := s.Enumerate() // ascending by added_at: oldest first
	if err != nil {
		return err
	}
	for _, e := range entries {
		if total+incoming <= highWater {
			break
		}
		if err := s.evict(e.ID); err != nil {
			return err
		}
		total -= e.Size
	}
	if total+incoming > s.maxBytes {
		return errs.New(errs.KindStoreFull, "blobstore: capacity exhausted after eviction")
	}
	return nil
}

// evict removes one blob's file and index row.
func (s *Store) evict(id blobid.ID) error {
	if err := os.Remove(s.blobPath(id)); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindIO, "blobstore: evict file", err)
	}
	if _, err := s.db.Exec(`DELETE FROM blobs WHERE id_hex = ?`, id.String()); err != nil {
		return errs.Wrap(errs.KindIO, "blobstore: evict index row", err)
	}
	return nil
}

// reconcile runs the startup scan SPEC_FULL.md §4.D requires: every file on
// disk must hash to its filename; mismatches are quarantined (renamed out
// of the blobs directory) rather than silently trusted, and files present
// on disk but missing from the index are re-indexed.
func (s *Store) reconcile() error {
	blobsDir := filepath.Join(s.dir, "blobs")
	entries, err := os.ReadDir(blobsDir)
	if err != nil {
		return errs.Wrap(errs.KindIO, "blobstore: read blobs dir", err)
	}

	indexed := make(map[string]bool)
	rows, err := s.db.Query(`SELECT id_hex FROM blobs`)
	if err != nil {
		return errs.Wrap(errs.KindIO, "blobstore: read index", err)
	}
	for rows.Next() {
		var idHex string
		if err := rows.Scan(&idHex); err == nil {
			indexed[idHex] = true
		}
	}
	rows.Close()

	quarantineDir := filepath.Join(s.dir, "quarantine")

	for _, de := range entries {
		if de.IsDir() || len(de.Name()) != blobid.HexLength {
			continue
		}
		id, err := blobid.Parse(de.Name())
		if err != nil {
			continue
		}
		path := filepath.Join(blobsDir, de.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if !id.Matches(data) {
			if err := os.MkdirAll(quarantineDir, 0755); err == nil {
				os.Rename(path, filepath.Join(quarantineDir, de.Name()))
			}
			delete(indexed, de.Name())
			continue
		}
		if !indexed[de.Name()] {
			info, err := de.Info()
			addedAt := time.Now()
			if err == nil {
				addedAt = info.ModTime()
			}
			s.db.Exec(
				`INSERT OR REPLACE INTO blobs (id_hex, size, added_at) VALUES (?, ?, ?)`,
				de.Name(), len(data), addedAt.UnixMilli(),
			)
		}
	}
	return nil
}
