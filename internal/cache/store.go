// Package cache provides the durable content_hash -> CacheEntry store and the
// two-phase write protocol that keeps it coherent with the vector index.
//
// DESIGN: Three backends behind one interface:
//   - Memory: capacity-bounded LRU with per-partition TTL (single instance)
//   - SQLite: durable single-node store (modernc.org/sqlite, no cgo)
//   - Redis:  multi-instance deployments
//
// WRITE PROTOCOL: VectorIndex.Upsert first, then Store.Put. A neighbor found
// in the index without a backing entry is treated as a miss by the engine,
// which is safe; the inverse order would let a reader reuse an entry that is
// not yet indexed for invalidation.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/talentwire/extraction-core/internal/extraction"
	"github.com/talentwire/extraction-core/internal/index"
)

// Store is the persistence surface consumed by the conformal engine.
type Store interface {
	// Get returns the entry for the hash, if present and not expired.
	Get(ctx context.Context, contentHash string) (*extraction.CacheEntry, bool, error)

	// Put stores the entry, replacing any previous one for the same hash.
	Put(ctx context.Context, entry *extraction.CacheEntry) error

	// Touch updates last_verified_at, feeding the LRU ordering.
	Touch(ctx context.Context, contentHash string, at time.Time) error

	// MarkRevoked sets the revocation bit. The entry stays readable (and
	// indexed) with the bit set. Returns whether the entry was found.
	MarkRevoked(ctx context.Context, contentHash string) (bool, error)

	// MarkRefresh flags the entry so the next matching request is forced
	// through a counterfactual rebuild. Returns whether the entry was found.
	MarkRefresh(ctx context.Context, contentHash string) (bool, error)

	// Evict physically removes the entry.
	Evict(ctx context.Context, contentHash string) error

	// Close releases resources.
	Close() error
}

// EvictFunc is notified when a store drops an entry on its own (capacity or
// TTL), so the owner can remove the fingerprint from the vector index.
type EvictFunc func(partition, contentHash string)

// Writer performs the two-phase cache write and the symmetric eviction.
type Writer struct {
	Index        index.Index
	Store        Store
	WriteTimeout time.Duration
}

// Write indexes the fingerprint, then persists the entry. Both phases run
// under the configured write timeout.
func (w *Writer) Write(ctx context.Context, entry *extraction.CacheEntry) error {
	wctx := ctx
	if w.WriteTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, w.WriteTimeout)
		defer cancel()
	}

	if err := w.Index.Upsert(wctx, entry.Fingerprint.PartitionKey, entry.Fingerprint); err != nil {
		return fmt.Errorf("index upsert: %w", err)
	}
	if err := w.Store.Put(wctx, entry); err != nil {
		// The index now holds a fingerprint with no backing entry. Readers
		// treat that as a miss, so no cleanup is required for correctness;
		// the next successful write for this hash repairs it.
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Evict removes the entry from the store and its fingerprint from the index.
func (w *Writer) Evict(ctx context.Context, partition, contentHash string) error {
	if err := w.Store.Evict(ctx, contentHash); err != nil {
		return fmt.Errorf("cache evict: %w", err)
	}
	if err := w.Index.Remove(ctx, partition, contentHash); err != nil {
		// Entry is gone; a dangling index row reads as a miss.
		log.Warn().Err(err).Str("partition", partition).Msg("cache: index remove failed after evict")
	}
	return nil
}
