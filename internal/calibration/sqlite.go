// SQLite-backed calibration log.
//
// DESIGN: Append-only table; the rolling window is enforced at read time by
// selecting the newest N rows per partition, plus a periodic prune so the
// table does not grow without bound. Uses modernc.org/sqlite, no cgo.
package calibration

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/talentwire/extraction-core/internal/extraction"
)

const calibrationSchema = `
CREATE TABLE IF NOT EXISTS calibration_samples (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	partition TEXT NOT NULL,
	score     REAL NOT NULL,
	label     TEXT NOT NULL,
	ts        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calibration_partition ON calibration_samples (partition, id DESC);
`

// pruneEvery bounds how often the append path pays for window pruning.
const pruneEvery = 256

// SQLiteLog is a durable calibration log.
type SQLiteLog struct {
	db         *sql.DB
	windowSize int
	appends    atomic.Int64
}

// NewSQLiteLog opens (or creates) the calibration database.
func NewSQLiteLog(path string, windowSize int) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open calibration db: %w", err)
	}
	if _, err := db.Exec(calibrationSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init calibration schema: %w", err)
	}
	return &SQLiteLog{db: db, windowSize: windowSize}, nil
}

// Append records a sample and occasionally prunes rows older than the window.
func (l *SQLiteLog) Append(ctx context.Context, sample extraction.CalibrationSample) error {
	if _, err := l.db.ExecContext(ctx,
		`INSERT INTO calibration_samples (partition, score, label, ts) VALUES (?, ?, ?, ?)`,
		sample.Partition, sample.Score, string(sample.Label), sample.Timestamp.Unix()); err != nil {
		return fmt.Errorf("calibration append: %w", err)
	}

	if l.appends.Add(1)%pruneEvery == 0 {
		if _, err := l.db.ExecContext(ctx, `
			DELETE FROM calibration_samples WHERE id NOT IN (
				SELECT id FROM calibration_samples c2
				WHERE c2.partition = calibration_samples.partition
				ORDER BY c2.id DESC LIMIT ?
			)`, l.windowSize); err != nil {
			return fmt.Errorf("calibration prune: %w", err)
		}
	}
	return nil
}

// window reads the newest windowSize scores for a partition.
func (l *SQLiteLog) window(ctx context.Context, partition string) ([]float64, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT score FROM calibration_samples WHERE partition = ? ORDER BY id DESC LIMIT ?`,
		partition, l.windowSize)
	if err != nil {
		return nil, fmt.Errorf("calibration window: %w", err)
	}
	defer rows.Close()

	var scores []float64
	for rows.Next() {
		var s float64
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		scores = append(scores, s)
	}
	return scores, rows.Err()
}

// Quantile returns the corrected quantile over the windowed scores.
func (l *SQLiteLog) Quantile(ctx context.Context, partition string, delta float64) (float64, int, error) {
	scores, err := l.window(ctx, partition)
	if err != nil {
		return 0, 0, err
	}
	return CorrectedQuantile(scores, delta), len(scores), nil
}

// WindowSize reports the current windowed sample count.
func (l *SQLiteLog) WindowSize(ctx context.Context, partition string) (int, error) {
	scores, err := l.window(ctx, partition)
	if err != nil {
		return 0, err
	}
	return len(scores), nil
}

// Close closes the database.
func (l *SQLiteLog) Close() error { return l.db.Close() }

// Ensure SQLiteLog implements Log
var _ Log = (*SQLiteLog)(nil)
