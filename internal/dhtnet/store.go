package dhtnet

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// announceTTL is how long a peer's announcement for an infohash stays
// valid without being refreshed.
const announceTTL = 30 * time.Minute

// LocalStore persists this node's mutable items and peer announcements in
// SQLite, adapted from the teacher's internal/dht store.go — same WAL
// DSN, same INSERT-OR-REPLACE-and-prune-on-read shape, split across two
// tables instead of one generic key/value table because mutable items
// need sequence-number monotonicity that a peer announcement has no use
// for.
type LocalStore struct {
	db *sql.DB
}

// NewLocalStore opens (or creates) a SQLite database at dbPath. Pass
// ":memory:" for an in-memory database (useful for tests).
func NewLocalStore(dbPath string) (*LocalStore, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS mutable_items (
		pub_hex TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		value BLOB NOT NULL,
		sig BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create mutable_items: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS peer_announcements (
		info_hash_hex TEXT NOT NULL,
		addr TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (info_hash_hex, addr)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create peer_announcements: %w", err)
	}

	return &LocalStore{db: db}, nil
}

// PutItem stores a mutable item only if seq is strictly greater than the
// locally held sequence number; an equal seq is rejected even for an
// identical value. Returns the sequence number now held locally and whether
// the store was updated.
func (s *LocalStore) PutItem(pub []byte, seq int64, value, sig []byte) (int64, bool, error) {
	pubHex := hex.EncodeToString(pub)

	var existingSeq int64
	err := s.db.QueryRow(`SELECT seq FROM mutable_items WHERE pub_hex = ?`, pubHex).Scan(&existingSeq)
	if err != nil && err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("query existing item: %w", err)
	}
	if err == nil && seq <= existingSeq {
		return existingSeq, false, nil
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO mutable_items (pub_hex, seq, value, sig) VALUES (?, ?, ?, ?)`,
		pubHex, seq, value, sig,
	)
	if err != nil {
		return 0, false, fmt.Errorf("store item: %w", err)
	}
	return seq, true, nil
}

// GetItem retrieves the locally held mutable item for pub.
func (s *LocalStore) GetItem(pub []byte) (seq int64, value, sig []byte, found bool, err error) {
	pubHex := hex.EncodeToString(pub)
	err = s.db.QueryRow(
		`SELECT seq, value, sig FROM mutable_items WHERE pub_hex = ?`, pubHex,
	).Scan(&seq, &value, &sig)
	if err == sql.ErrNoRows {
		return 0, nil, nil, false, nil
	}
	if err != nil {
		return 0, nil, nil, false, fmt.Errorf("query item: %w", err)
	}
	return seq, value, sig, true, nil
}

// AnnouncePeer records addr as serving infoHash, refreshing its TTL if
// already present.
func (s *LocalStore) AnnouncePeer(infoHash [20]byte, addr string) error {
	infoHashHex := hex.EncodeToString(infoHash[:])
	expiresAt := time.Now().Add(announceTTL).UnixMilli()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO peer_announcements (info_hash_hex, addr, expires_at) VALUES (?, ?, ?)`,
		infoHashHex, addr, expiresAt,
	)
	return err
}

// GetPeers returns the non-expired announced addresses for infoHash,
// pruning expired ones as it reads.
func (s *LocalStore) GetPeers(infoHash [20]byte) ([]string, error) {
	infoHashHex := hex.EncodeToString(infoHash[:])
	now := time.Now().UnixMilli()

	if _, err := s.db.Exec(`DELETE FROM peer_announcements WHERE info_hash_hex = ? AND expires_at < ?`, infoHashHex, now); err != nil {
		return nil, fmt.Errorf("prune expired: %w", err)
	}

	rows, err := s.db.Query(`SELECT addr FROM peer_announcements WHERE info_hash_hex = ?`, infoHashHex)
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, rows.Err()
}

// Close closes the underlying SQLite database.
func (s *LocalStore) Close() error {
	return s.db.Close()
}
