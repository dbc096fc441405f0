package conformal_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentwire/extraction-core/internal/cache"
	"github.com/talentwire/extraction-core/internal/calibration"
	"github.com/talentwire/extraction-core/internal/config"
	"github.com/talentwire/extraction-core/internal/conformal"
	"github.com/talentwire/extraction-core/internal/extraction"
	"github.com/talentwire/extraction-core/internal/index"
)

type engineFixture struct {
	engine *conformal.Engine
	store  *cache.MemoryStore
	idx    *index.Memory
	calib  *calibration.MemoryLog
	cfg    *config.Config
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	cfg := config.Default()
	cfg.Embedding.Dimension = 2

	store := cache.NewMemoryStore(cfg.Cache, nil)
	t.Cleanup(func() { store.Close() })
	idx := index.NewMemory()
	calib := calibration.NewMemoryLog(cfg.C3.CalibrationWindow)

	return &engineFixture{
		engine: conformal.New(store, idx, calib, cfg),
		store:  store,
		idx:    idx,
		calib:  calib,
		cfg:    cfg,
	}
}

func (f *engineFixture) seedEntry(t *testing.T, text string, embedding []float32) *extraction.CacheEntry {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	entry := &extraction.CacheEntry{
		Fingerprint: extraction.Fingerprint{
			ContentHash:  "hash-of-" + text,
			Embedding:    embedding,
			PartitionKey: "default",
		},
		CanonicalText: text,
		Result: extraction.Result{
			Fields:            map[string]extraction.FieldValue{"f": {Value: "v", Confidence: 0.9}},
			OverallConfidence: 0.9,
			SourceTier:        extraction.TierFull,
		},
		CreatedAt:        now,
		LastVerifiedAt:   now,
		ValidatorVersion: f.cfg.Validator.Version,
		EmbeddingEpoch:   f.cfg.Embedding.Epoch,
	}
	require.NoError(t, f.store.Put(ctx, entry))
	if embedding != nil {
		require.NoError(t, f.idx.Upsert(ctx, "default", entry.Fingerprint))
	}
	return entry
}

// calibrate fills the window so tau becomes the given value.
func (f *engineFixture) calibrate(t *testing.T, n int, tau float64) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n-1; i++ {
		require.NoError(t, f.calib.Append(ctx, extraction.CalibrationSample{Score: tau / 2, Partition: "default"}))
	}
	require.NoError(t, f.calib.Append(ctx, extraction.CalibrationSample{Score: tau, Partition: "default"}))
}

func request(text string) *extraction.Request {
	return &extraction.Request{
		CanonicalText:  text,
		RequiredFields: []string{"f"},
		QualityTarget:  0.8,
		Budget:         1.0,
		ReusePolicy:    extraction.ReuseAllow,
	}
}

func TestDecideExactHit(t *testing.T) {
	f := newFixture(t)
	entry := f.seedEntry(t, "the text", nil)

	out, err := f.engine.Decide(context.Background(), request("the text"), extraction.Fingerprint{
		ContentHash:  entry.Fingerprint.ContentHash,
		PartitionKey: "default",
		Embedding:    []float32{1, 0},
	})
	require.NoError(t, err)

	assert.Equal(t, extraction.DecisionReuse, out.Decision)
	require.NotNil(t, out.Entry)
	assert.Equal(t, 1.0, out.Certificate.Similarity)
	assert.Equal(t, 0.0, out.Certificate.Nonconformity)
	assert.True(t, math.IsInf(out.Certificate.Tau, 1), "exact hits carry no quantile bound")
	assert.Equal(t, extraction.TierCached, out.Certificate.TierUsed)
}

func TestDecideExactHitEligibility(t *testing.T) {
	mutations := []struct {
		name   string
		mutate func(*extraction.CacheEntry)
	}{
		{"revoked", func(e *extraction.CacheEntry) { e.Revoked = true }},
		{"stale validator", func(e *extraction.CacheEntry) { e.ValidatorVersion = 99 }},
		{"stale embedding epoch", func(e *extraction.CacheEntry) { e.EmbeddingEpoch = 99 }},
		{"missing required field", func(e *extraction.CacheEntry) { e.Result.Fields = nil }},
	}

	for _, tc := range mutations {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			entry := f.seedEntry(t, "the text", nil)
			tc.mutate(entry)
			require.NoError(t, f.store.Put(context.Background(), entry))

			out, err := f.engine.Decide(context.Background(), request("the text"), extraction.Fingerprint{
				ContentHash:  entry.Fingerprint.ContentHash,
				PartitionKey: "default",
			})
			require.NoError(t, err)
			assert.Equal(t, extraction.DecisionRebuild, out.Decision)
		})
	}
}

func TestDecideForbidBypassesCache(t *testing.T) {
	f := newFixture(t)
	entry := f.seedEntry(t, "the text", nil)

	req := request("the text")
	req.ReusePolicy = extraction.ReuseForbid

	out, err := f.engine.Decide(context.Background(), req, extraction.Fingerprint{
		ContentHash:  entry.Fingerprint.ContentHash,
		PartitionKey: "default",
	})
	require.NoError(t, err)
	assert.Equal(t, extraction.DecisionRebuild, out.Decision)
	assert.Nil(t, out.Counterfactual, "forbid records no counterfactual")
}

func TestDecideRefreshRecordsCounterfactual(t *testing.T) {
	f := newFixture(t)
	entry := f.seedEntry(t, "the text", nil)

	req := request("the text")
	req.ReusePolicy = extraction.ReuseRefresh

	out, err := f.engine.Decide(context.Background(), req, extraction.Fingerprint{
		ContentHash:  entry.Fingerprint.ContentHash,
		PartitionKey: "default",
	})
	require.NoError(t, err)

	assert.Equal(t, extraction.DecisionRebuild, out.Decision)
	require.NotNil(t, out.Counterfactual)
	assert.True(t, out.Counterfactual.WouldReuse)
	assert.Equal(t, 1.0, out.Counterfactual.Similarity)
	assert.Equal(t, 0.0, out.Counterfactual.Nonconformity)
	assert.Equal(t, entry.Fingerprint.ContentHash, out.Counterfactual.Neighbor.Fingerprint.ContentHash)
}

func TestDecideRefreshRequestedEntryForcesRebuild(t *testing.T) {
	f := newFixture(t)
	entry := f.seedEntry(t, "the text", nil)
	_, err := f.store.MarkRefresh(context.Background(), entry.Fingerprint.ContentHash)
	require.NoError(t, err)

	out, err := f.engine.Decide(context.Background(), request("the text"), extraction.Fingerprint{
		ContentHash:  entry.Fingerprint.ContentHash,
		PartitionKey: "default",
	})
	require.NoError(t, err)
	assert.Equal(t, extraction.DecisionRebuild, out.Decision)
	require.NotNil(t, out.Counterfactual)
}

func TestDecideApproximateReuseUnderQuantile(t *testing.T) {
	f := newFixture(t)
	// tau = 0.12 with a full window of 100 samples.
	f.calibrate(t, f.cfg.C3.CalibrationNMin, 0.12)
	// Neighbor at cosine 0.91 with edit ratio 0.1:
	// a = (1 - 0.91) + 0.25 * 0.1 = 0.115 <= 0.12.
	neighbor := f.seedEntry(t, "aaaaaaaaab", []float32{1, 0})

	query := []float32{0.91, float32(math.Sqrt(1 - 0.91*0.91))}
	out, err := f.engine.Decide(context.Background(), request("aaaaaaaaaa"), extraction.Fingerprint{
		ContentHash:  "hash-of-query",
		Embedding:    query,
		PartitionKey: "default",
	})
	require.NoError(t, err)

	assert.Equal(t, extraction.DecisionReuse, out.Decision)
	assert.Equal(t, neighbor.Fingerprint.ContentHash, out.Certificate.NeighborHash)
	assert.InDelta(t, 0.91, out.Certificate.Similarity, 1e-4)
	assert.InDelta(t, 0.115, out.Certificate.Nonconformity, 1e-4)
	assert.Equal(t, 0.12, out.Certificate.Tau)
	assert.Equal(t, 100, out.Certificate.CalibrationN)
}

func TestDecideApproximateRejectsAboveQuantile(t *testing.T) {
	f := newFixture(t)
	// tau = 0.10 < the candidate's 0.115.
	f.calibrate(t, f.cfg.C3.CalibrationNMin, 0.10)
	f.seedEntry(t, "aaaaaaaaab", []float32{1, 0})

	query := []float32{0.91, float32(math.Sqrt(1 - 0.91*0.91))}
	out, err := f.engine.Decide(context.Background(), request("aaaaaaaaaa"), extraction.Fingerprint{
		ContentHash:  "hash-of-query",
		Embedding:    query,
		PartitionKey: "default",
	})
	require.NoError(t, err)
	assert.Equal(t, extraction.DecisionRebuild, out.Decision)
	assert.Equal(t, 0.10, out.Certificate.Tau)
}

func TestDecideSimilarityFloorIsIndependentOfCalibration(t *testing.T) {
	f := newFixture(t)
	// Generous tau: calibration alone would admit almost anything.
	f.calibrate(t, f.cfg.C3.CalibrationNMin, 0.9)
	f.seedEntry(t, "totally different words here", []float32{1, 0})

	// Cosine 0.87 sits below the 0.88 floor.
	query := []float32{0.87, float32(math.Sqrt(1 - 0.87*0.87))}
	out, err := f.engine.Decide(context.Background(), request("aaaaaaaaaa"), extraction.Fingerprint{
		ContentHash:  "hash-of-query",
		Embedding:    query,
		PartitionKey: "default",
	})
	require.NoError(t, err)
	assert.Equal(t, extraction.DecisionRebuild, out.Decision)
}

func TestDecideNeedsMinimumCalibration(t *testing.T) {
	f := newFixture(t)
	// Window below n_min: conformal reuse must stay off.
	f.calibrate(t, f.cfg.C3.CalibrationNMin/2, 0.5)
	f.seedEntry(t, "aaaaaaaaab", []float32{1, 0})

	out, err := f.engine.Decide(context.Background(), request("aaaaaaaaaa"), extraction.Fingerprint{
		ContentHash:  "hash-of-query",
		Embedding:    []float32{1, 0},
		PartitionKey: "default",
	})
	require.NoError(t, err)
	assert.Equal(t, extraction.DecisionRebuild, out.Decision)
}

func TestDecideApproximateSkipsOwnHash(t *testing.T) {
	f := newFixture(t)
	f.calibrate(t, f.cfg.C3.CalibrationNMin, 0.5)
	entry := f.seedEntry(t, "aaaaaaaaaa", []float32{1, 0})

	// The only neighbor is the request's own (not yet written) hash.
	out, err := f.engine.Decide(context.Background(), request("aaaaaaaaaa"), extraction.Fingerprint{
		ContentHash:  entry.Fingerprint.ContentHash,
		Embedding:    []float32{1, 0},
		PartitionKey: "default",
	})
	require.NoError(t, err)
	// It matches exactly instead, which is fine; drop the stored entry to
	// force the approximate path.
	assert.Equal(t, extraction.DecisionReuse, out.Decision)

	require.NoError(t, f.store.Evict(context.Background(), entry.Fingerprint.ContentHash))
	out, err = f.engine.Decide(context.Background(), request("aaaaaaaaaa"), extraction.Fingerprint{
		ContentHash:  entry.Fingerprint.ContentHash,
		Embedding:    []float32{1, 0},
		PartitionKey: "default",
	})
	require.NoError(t, err)
	assert.Equal(t, extraction.DecisionRebuild, out.Decision,
		"an indexed fingerprint without a backing entry reads as a miss")
}

func TestDecideNilEmbeddingDegradesToExactOnly(t *testing.T) {
	f := newFixture(t)
	f.calibrate(t, f.cfg.C3.CalibrationNMin, 0.5)
	f.seedEntry(t, "aaaaaaaaab", []float32{1, 0})

	out, err := f.engine.Decide(context.Background(), request("aaaaaaaaaa"), extraction.Fingerprint{
		ContentHash:  "hash-of-query",
		Embedding:    nil,
		PartitionKey: "default",
	})
	require.NoError(t, err)
	assert.Equal(t, extraction.DecisionRebuild, out.Decision)
	assert.Contains(t, out.Certificate.Degradations, conformal.DegradedEmbedding)
}

func TestNewEntryCarriesEngineMetadata(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	req := request("some text")
	result := &extraction.Result{
		Fields:     map[string]extraction.FieldValue{"f": {Value: "v", Confidence: 0.9}},
		SourceTier: extraction.TierMini,
	}
	cert := extraction.Certificate{Decision: extraction.DecisionRebuild, TierUsed: extraction.TierMini}

	entry := f.engine.NewEntry(extraction.Fingerprint{ContentHash: "h", PartitionKey: "default"}, req, result, cert, now)

	assert.Equal(t, "some text", entry.CanonicalText)
	assert.Equal(t, f.cfg.Validator.Version, entry.ValidatorVersion)
	assert.Equal(t, f.cfg.Embedding.Epoch, entry.EmbeddingEpoch)
	assert.Equal(t, now, entry.CreatedAt)
	require.Len(t, entry.Certificates, 1)
	assert.Equal(t, cert, entry.Certificates[0])
	assert.False(t, entry.Revoked)
	assert.False(t, entry.RefreshRequested)
}
