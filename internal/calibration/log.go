// Package calibration maintains the per-partition nonconformity sample
// windows and derives the conformal quantile the cache engine compares
// against.
//
// DESIGN: Append-only per partition with a rolling window; Quantile reads a
// snapshot of the window, so it may trail the latest append by a sample or
// two. That is fine: the guarantee depends on distributional stability, not
// on reading the newest score.
package calibration

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/talentwire/extraction-core/internal/extraction"
)

// Log is the calibration surface consumed by the conformal engine.
type Log interface {
	// Append records a sample. O(1) amortized.
	Append(ctx context.Context, sample extraction.CalibrationSample) error

	// Quantile returns the finite-sample-corrected (1-delta) empirical
	// quantile of the partition's window, together with the window size.
	// An empty window yields (+Inf, 0): with no evidence, no score passes.
	Quantile(ctx context.Context, partition string, delta float64) (tau float64, n int, err error)

	// WindowSize reports the current sample count for a partition.
	WindowSize(ctx context.Context, partition string) (int, error)

	// Close releases resources.
	Close() error
}

// CorrectedQuantile computes the conformal quantile over scores: the
// ceil((n+1)(1-delta))-th smallest score, with the rank clamped to n.
func CorrectedQuantile(scores []float64, delta float64) float64 {
	n := len(scores)
	if n == 0 {
		return math.Inf(1)
	}

	sorted := make([]float64, n)
	copy(sorted, scores)
	sort.Float64s(sorted)

	rank := int(math.Ceil(float64(n+1) * (1 - delta)))
	if rank > n {
		rank = n
	}
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// =============================================================================
// IN-MEMORY LOG
// =============================================================================

// MemoryLog keeps a rolling window of samples per partition.
type MemoryLog struct {
	mu         sync.RWMutex
	windowSize int
	windows    map[string][]extraction.CalibrationSample // newest last
}

// NewMemoryLog creates a log with the given per-partition window size.
func NewMemoryLog(windowSize int) *MemoryLog {
	return &MemoryLog{
		windowSize: windowSize,
		windows:    make(map[string][]extraction.CalibrationSample),
	}
}

// Append records a sample, dropping the oldest when the window is full.
func (l *MemoryLog) Append(_ context.Context, sample extraction.CalibrationSample) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := append(l.windows[sample.Partition], sample)
	if len(w) > l.windowSize {
		w = w[len(w)-l.windowSize:]
	}
	l.windows[sample.Partition] = w
	return nil
}

// Quantile returns the corrected quantile of the partition's window.
func (l *MemoryLog) Quantile(_ context.Context, partition string, delta float64) (float64, int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	w := l.windows[partition]
	scores := make([]float64, len(w))
	for i, s := range w {
		scores[i] = s.Score
	}
	return CorrectedQuantile(scores, delta), len(scores), nil
}

// WindowSize reports the current sample count.
func (l *MemoryLog) WindowSize(_ context.Context, partition string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows[partition]), nil
}

// Close is a no-op for the in-memory log.
func (l *MemoryLog) Close() error { return nil }

// Ensure MemoryLog implements Log
var _ Log = (*MemoryLog)(nil)
