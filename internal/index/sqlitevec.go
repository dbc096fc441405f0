//go:build sqlite_vec && cgo

// sqlite-vec backed index.
//
// DESIGN: One vec0 virtual table per partition plus a plain mapping table
// from content hash to vec rowid. Partitions get separate virtual tables so
// a KNN query can never leak neighbors across partitions. The mapping table
// makes Upsert/Remove idempotent on content hash.
package index

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/talentwire/extraction-core/internal/extraction"
)

func init() {
	// Register the sqlite-vec extension with the mattn/go-sqlite3 driver.
	vec.Auto()
}

// SQLiteVec is a persistent ANN index over sqlite-vec virtual tables.
type SQLiteVec struct {
	db        *sql.DB
	dimension int

	mu     sync.Mutex
	tables map[string]string // partition -> vec table name
}

// NewSQLiteVec opens (or creates) the index database.
func NewSQLiteVec(path string, dimension int) (*SQLiteVec, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS fingerprint_rows (
		partition TEXT NOT NULL,
		hash      TEXT NOT NULL,
		rowid_ref INTEGER NOT NULL,
		PRIMARY KEY (partition, hash)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init vector index schema: %w", err)
	}

	return &SQLiteVec{db: db, dimension: dimension, tables: make(map[string]string)}, nil
}

// tableFor returns the vec0 table for a partition, creating it on first use.
// Table names are derived from a hash of the partition key because partition
// keys are arbitrary strings.
func (s *SQLiteVec) tableFor(partition string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name, ok := s.tables[partition]; ok {
		return name, nil
	}

	sum := sha256.Sum256([]byte(partition))
	name := "vec_" + hex.EncodeToString(sum[:8])
	stmt := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(embedding float[%d] distance_metric=cosine)`,
		name, s.dimension,
	)
	if _, err := s.db.Exec(stmt); err != nil {
		return "", fmt.Errorf("create vec table for partition %q: %w", partition, err)
	}
	s.tables[partition] = name
	return name, nil
}

// Upsert stores the embedding, replacing any previous vector for the hash.
func (s *SQLiteVec) Upsert(ctx context.Context, partition string, fp extraction.Fingerprint) error {
	table, err := s.tableFor(partition)
	if err != nil {
		return err
	}

	blob, err := vec.SerializeFloat32(fp.Embedding)
	if err != nil {
		return fmt.Errorf("serialize embedding: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var rowid int64
	err = tx.QueryRowContext(ctx,
		`SELECT rowid_ref FROM fingerprint_rows WHERE partition = ? AND hash = ?`,
		partition, fp.ContentHash).Scan(&rowid)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(embedding) VALUES (?)`, table), blob)
		if err != nil {
			return fmt.Errorf("insert embedding: %w", err)
		}
		rowid, err = res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fingerprint_rows (partition, hash, rowid_ref) VALUES (?, ?, ?)`,
			partition, fp.ContentHash, rowid); err != nil {
			return fmt.Errorf("record fingerprint row: %w", err)
		}
	case err != nil:
		return err
	default:
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET embedding = ? WHERE rowid = ?`, table), blob, rowid); err != nil {
			return fmt.Errorf("update embedding: %w", err)
		}
	}

	return tx.Commit()
}

// Query runs a KNN search in the partition's table.
func (s *SQLiteVec) Query(ctx context.Context, partition string, embedding []float32, k int) ([]Neighbor, error) {
	table, err := s.tableFor(partition)
	if err != nil {
		return nil, err
	}

	blob, err := vec.SerializeFloat32(embedding)
	if err != nil {
		return nil, fmt.Errorf("serialize query embedding: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT v.rowid, v.distance, f.hash
		 FROM %s v
		 JOIN fingerprint_rows f ON f.rowid_ref = v.rowid AND f.partition = ?
		 WHERE v.embedding MATCH ? AND v.k = ?
		 ORDER BY v.distance`, table),
		partition, blob, k)
	if err != nil {
		return nil, fmt.Errorf("knn query: %w", err)
	}
	defer rows.Close()

	var neighbors []Neighbor
	for rows.Next() {
		var rowid int64
		var distance float64
		var hash string
		if err := rows.Scan(&rowid, &distance, &hash); err != nil {
			return nil, err
		}
		neighbors = append(neighbors, Neighbor{
			Fingerprint: extraction.Fingerprint{ContentHash: hash, PartitionKey: partition},
			// vec0 cosine distance is 1 - cosine similarity.
			Similarity: 1 - distance,
		})
	}
	return neighbors, rows.Err()
}

// Remove deletes by content hash.
func (s *SQLiteVec) Remove(ctx context.Context, partition string, contentHash string) error {
	table, err := s.tableFor(partition)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var rowid int64
	err = tx.QueryRowContext(ctx,
		`SELECT rowid_ref FROM fingerprint_rows WHERE partition = ? AND hash = ?`,
		partition, contentHash).Scan(&rowid)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE rowid = ?`, table), rowid); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM fingerprint_rows WHERE partition = ? AND hash = ?`, partition, contentHash); err != nil {
		return err
	}

	return tx.Commit()
}

// Close closes the database.
func (s *SQLiteVec) Close() error { return s.db.Close() }

// Ensure SQLiteVec implements Index
var _ Index = (*SQLiteVec)(nil)
