package index_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentwire/extraction-core/internal/extraction"
	"github.com/talentwire/extraction-core/internal/index"
)

func fp(hash string, vec ...float32) extraction.Fingerprint {
	return extraction.Fingerprint{ContentHash: hash, Embedding: vec, PartitionKey: "p"}
}

func TestMemoryQueryOrdersBySimilarity(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemory()
	defer idx.Close()

	require.NoError(t, idx.Upsert(ctx, "p", fp("exact", 1, 0)))
	require.NoError(t, idx.Upsert(ctx, "p", fp("close", 0.9, 0.4359)))
	require.NoError(t, idx.Upsert(ctx, "p", fp("far", 0, 1)))

	got, err := idx.Query(ctx, "p", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "exact", got[0].Fingerprint.ContentHash)
	assert.InDelta(t, 1.0, got[0].Similarity, 1e-6)
	assert.Equal(t, "close", got[1].Fingerprint.ContentHash)
	assert.InDelta(t, 0.9, got[1].Similarity, 1e-4)
	assert.Equal(t, "far", got[2].Fingerprint.ContentHash)
}

func TestMemoryQueryHonorsK(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemory()
	defer idx.Close()

	for _, h := range []string{"a", "b", "c", "d"} {
		require.NoError(t, idx.Upsert(ctx, "p", fp(h, 1, 0)))
	}

	got, err := idx.Query(ctx, "p", []float32{1, 0}, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = idx.Query(ctx, "p", []float32{1, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryPartitionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemory()
	defer idx.Close()

	require.NoError(t, idx.Upsert(ctx, "a", fp("in-a", 1, 0)))

	got, err := idx.Query(ctx, "b", []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, got, "neighbors must never leak across partitions")
}

func TestMemoryUpsertIsIdempotentAndRemoveClears(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemory()
	defer idx.Close()

	require.NoError(t, idx.Upsert(ctx, "p", fp("h", 0, 1)))
	require.NoError(t, idx.Upsert(ctx, "p", fp("h", 1, 0))) // replaces

	got, err := idx.Query(ctx, "p", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 1.0, got[0].Similarity, 1e-6)

	require.NoError(t, idx.Remove(ctx, "p", "h"))
	require.NoError(t, idx.Remove(ctx, "p", "h")) // idempotent

	got, err = idx.Query(ctx, "p", []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDot(t *testing.T) {
	assert.Equal(t, 0.0, index.Dot([]float32{1}, []float32{1, 0}), "mismatched lengths score zero")
	assert.InDelta(t, 0.5, index.Dot([]float32{1, 0}, []float32{0.5, 0.5}), 1e-6)
}
