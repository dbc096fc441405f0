// Package index provides approximate nearest-neighbor lookup over stored
// fingerprint embeddings, scoped by partition.
//
// DESIGN: Two implementations behind one interface:
//   - Memory:    exact brute-force cosine scan, good to ~10^5 entries
//   - SQLiteVec: sqlite-vec virtual table (build tag sqlite_vec && cgo)
//
// Consistency contract: read-after-write within a partition is only
// guaranteed inside a bounded staleness window. A missed neighbor degrades
// hit rate, never correctness, so the engine must not treat absence of a
// neighbor as proof there is none.
package index

import (
	"context"
	"sort"
	"sync"

	"github.com/talentwire/extraction-core/internal/extraction"
)

// Neighbor is one query result, ordered by decreasing similarity.
type Neighbor struct {
	Fingerprint extraction.Fingerprint
	Similarity  float64 // cosine similarity on unit-norm vectors
}

// Index is the ANN surface consumed by the conformal engine.
type Index interface {
	// Upsert stores the fingerprint. Idempotent on content hash.
	Upsert(ctx context.Context, partition string, fp extraction.Fingerprint) error

	// Query returns up to k neighbors in decreasing similarity.
	Query(ctx context.Context, partition string, embedding []float32, k int) ([]Neighbor, error)

	// Remove deletes by content hash. Idempotent.
	Remove(ctx context.Context, partition string, contentHash string) error

	// Close releases resources.
	Close() error
}

// =============================================================================
// IN-MEMORY INDEX
// =============================================================================

// Memory is a brute-force cosine index. Exact, so staleness is zero.
type Memory struct {
	mu         sync.RWMutex
	partitions map[string]map[string][]float32 // partition -> hash -> embedding
}

// NewMemory creates an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{partitions: make(map[string]map[string][]float32)}
}

// Upsert stores the embedding under its content hash.
func (m *Memory) Upsert(_ context.Context, partition string, fp extraction.Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.partitions[partition]
	if !ok {
		p = make(map[string][]float32)
		m.partitions[partition] = p
	}
	vec := make([]float32, len(fp.Embedding))
	copy(vec, fp.Embedding)
	p[fp.ContentHash] = vec
	return nil
}

// Query scans the partition and returns the top k by cosine similarity.
func (m *Memory) Query(_ context.Context, partition string, embedding []float32, k int) ([]Neighbor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := m.partitions[partition]
	if len(p) == 0 || k <= 0 {
		return nil, nil
	}

	neighbors := make([]Neighbor, 0, len(p))
	for hash, vec := range p {
		neighbors = append(neighbors, Neighbor{
			Fingerprint: extraction.Fingerprint{
				ContentHash:  hash,
				Embedding:    vec,
				PartitionKey: partition,
			},
			Similarity: Dot(embedding, vec),
		})
	}

	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].Similarity > neighbors[j].Similarity })
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

// Remove deletes by content hash.
func (m *Memory) Remove(_ context.Context, partition string, contentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.partitions[partition]; ok {
		delete(p, contentHash)
	}
	return nil
}

// Close is a no-op for the in-memory index.
func (m *Memory) Close() error { return nil }

// Dot returns the dot product of two vectors. On unit-norm vectors this is
// the cosine similarity. Mismatched lengths score zero.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Ensure Memory implements Index
var _ Index = (*Memory)(nil)
