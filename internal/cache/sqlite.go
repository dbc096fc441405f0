// SQLite-backed cache store.
//
// DESIGN: Single table keyed by content hash; the entry itself travels as a
// versioned blob (extraction.EncodeEntry) while the columns the store needs
// for policy (partition, revocation, last_verified_at, expiry) are lifted out
// so eviction queries never deserialize blobs. Uses modernc.org/sqlite, so no
// cgo is required.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/talentwire/extraction-core/internal/config"
	"github.com/talentwire/extraction-core/internal/extraction"
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	content_hash     TEXT PRIMARY KEY,
	partition        TEXT NOT NULL,
	blob             BLOB NOT NULL,
	revoked          INTEGER NOT NULL DEFAULT 0,
	last_verified_at INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_lru ON cache_entries (revoked DESC, last_verified_at ASC);
`

// SQLiteStore is a durable single-node Store.
type SQLiteStore struct {
	db      *sql.DB
	cfg     config.CacheConfig
	onEvict EvictFunc
}

// NewSQLiteStore opens (or creates) the cache database.
func NewSQLiteStore(cfg config.CacheConfig, onEvict EvictFunc) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	return &SQLiteStore{db: db, cfg: cfg, onEvict: onEvict}, nil
}

// Get returns a live entry. Expired rows read as misses.
func (s *SQLiteStore) Get(ctx context.Context, contentHash string) (*extraction.CacheEntry, bool, error) {
	var blob []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT blob, expires_at FROM cache_entries WHERE content_hash = ?`, contentHash).
		Scan(&blob, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	if time.Now().Unix() > expiresAt {
		return nil, false, nil
	}

	entry, err := extraction.DecodeEntry(blob)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

// Put stores the entry and enforces the capacity bound.
func (s *SQLiteStore) Put(ctx context.Context, entry *extraction.CacheEntry) error {
	blob, err := extraction.EncodeEntry(entry)
	if err != nil {
		return err
	}

	expiresAt := time.Now().Add(s.cfg.TTLFor(entry.Fingerprint.PartitionKey)).Unix()
	revoked := 0
	if entry.Revoked {
		revoked = 1
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (content_hash, partition, blob, revoked, last_verified_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET
			partition = excluded.partition,
			blob = excluded.blob,
			revoked = excluded.revoked,
			last_verified_at = excluded.last_verified_at,
			expires_at = excluded.expires_at`,
		entry.Fingerprint.ContentHash, entry.Fingerprint.PartitionKey, blob,
		revoked, entry.LastVerifiedAt.Unix(), expiresAt); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}

	return s.enforceCapacity(ctx)
}

// enforceCapacity evicts revoked-first, then least recently verified rows.
func (s *SQLiteStore) enforceCapacity(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
		return err
	}

	for count > s.cfg.Capacity {
		var hash, partition string
		err := s.db.QueryRowContext(ctx, `
			SELECT content_hash, partition FROM cache_entries
			ORDER BY revoked DESC, last_verified_at ASC LIMIT 1`).Scan(&hash, &partition)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE content_hash = ?`, hash); err != nil {
			return err
		}
		if s.onEvict != nil {
			s.onEvict(partition, hash)
		}
		count--
	}
	return nil
}

// Touch updates last_verified_at in both the column and the blob.
func (s *SQLiteStore) Touch(ctx context.Context, contentHash string, at time.Time) error {
	entry, ok, err := s.Get(ctx, contentHash)
	if err != nil || !ok {
		return err
	}
	entry.LastVerifiedAt = at
	return s.Put(ctx, entry)
}

// MarkRevoked sets the revocation bit.
func (s *SQLiteStore) MarkRevoked(ctx context.Context, contentHash string) (bool, error) {
	return s.setFlag(ctx, contentHash, func(e *extraction.CacheEntry) { e.Revoked = true })
}

// MarkRefresh flags the entry for counterfactual rebuild.
func (s *SQLiteStore) MarkRefresh(ctx context.Context, contentHash string) (bool, error) {
	return s.setFlag(ctx, contentHash, func(e *extraction.CacheEntry) { e.RefreshRequested = true })
}

func (s *SQLiteStore) setFlag(ctx context.Context, contentHash string, mutate func(*extraction.CacheEntry)) (bool, error) {
	entry, ok, err := s.Get(ctx, contentHash)
	if err != nil || !ok {
		return false, err
	}
	mutate(entry)
	return true, s.Put(ctx, entry)
}

// Evict physically removes the row.
func (s *SQLiteStore) Evict(ctx context.Context, contentHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE content_hash = ?`, contentHash)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
