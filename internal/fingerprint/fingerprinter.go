// Package fingerprint derives the deterministic identity of an extraction
// request: content hash, embedding vector and partition key.
//
// DESIGN: The fingerprinter is a pure function over (canonical_text,
// context_tags) plus an injected embedding provider. It never mutates state.
// Embedding calls are the only I/O; they run under the configured timeout
// with bounded exponential backoff, and exhaustion surfaces as
// EmbeddingUnavailable rather than any silent fallback, because the
// conformal cache cannot make approximate decisions without a vector.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/talentwire/extraction-core/internal/config"
	"github.com/talentwire/extraction-core/internal/extraction"
)

// Provider generates embedding vectors for text. Implementations are
// external; the core only pins the dimension and unit-norm contract.
type Provider interface {
	// Embed returns an embedding for the text. Transient failures may be
	// retried by the caller.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Fingerprinter computes fingerprints.
type Fingerprinter struct {
	provider   Provider
	dimension  int
	maxBytes   int
	maxRetries int
	timeout    time.Duration
}

// New creates a Fingerprinter.
func New(provider Provider, cfg *config.Config) *Fingerprinter {
	return &Fingerprinter{
		provider:   provider,
		dimension:  cfg.Embedding.Dimension,
		maxBytes:   cfg.Pipeline.MaxTextBytes,
		maxRetries: cfg.Embedding.MaxRetries,
		timeout:    cfg.Timeouts.Embedding,
	}
}

// PartitionKey derives the cache/calibration partition from context tags.
// Tags are sorted into a fixed total order so the key is independent of the
// caller's tag ordering.
func PartitionKey(tags []string) string {
	if len(tags) == 0 {
		return "default"
	}
	sorted := make([]string, len(tags))
	copy(sorted, tags)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// ContentHash returns the hex SHA-256 of partition_key || 0x00 ||
// canonical_text. Distinct partition keys can never collide because the
// separator byte cannot appear in either part of a well-formed key.
func ContentHash(partitionKey, canonicalText string) string {
	h := sha256.New()
	h.Write([]byte(partitionKey))
	h.Write([]byte{0x00})
	h.Write([]byte(canonicalText))
	return hex.EncodeToString(h.Sum(nil))
}

// Compute produces the fingerprint for a request.
func (f *Fingerprinter) Compute(ctx context.Context, req *extraction.Request) (extraction.Fingerprint, error) {
	if strings.TrimSpace(req.CanonicalText) == "" {
		return extraction.Fingerprint{}, extraction.NewError(extraction.KindInvalidRequest, "canonical_text is empty")
	}
	if len(req.CanonicalText) > f.maxBytes {
		return extraction.Fingerprint{}, extraction.NewError(extraction.KindInvalidRequest,
			fmt.Sprintf("canonical_text exceeds %d bytes", f.maxBytes))
	}

	partition := PartitionKey(req.ContextTags)
	fp := extraction.Fingerprint{
		ContentHash:  ContentHash(partition, req.CanonicalText),
		PartitionKey: partition,
	}

	embedding, err := f.embed(ctx, req.CanonicalText)
	if err != nil {
		return fp, err
	}
	fp.Embedding = embedding
	return fp, nil
}

// embed calls the provider with bounded exponential backoff. The embedding is
// normalized to unit length so cosine similarity reduces to a dot product.
func (f *Fingerprinter) embed(ctx context.Context, text string) ([]float32, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond

	operation := func() ([]float32, error) {
		callCtx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()

		vec, err := f.provider.Embed(callCtx, text)
		if err != nil {
			return nil, err
		}
		if len(vec) != f.dimension {
			// Wrong dimension is a contract violation, not a transient fault.
			return nil, backoff.Permanent(fmt.Errorf("embedding dimension %d, want %d", len(vec), f.dimension))
		}
		return vec, nil
	}

	vec, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(f.maxRetries+1)),
	)
	if err != nil {
		log.Warn().Err(err).Int("attempts", f.maxRetries+1).Msg("fingerprint: embedding provider unavailable")
		return nil, extraction.WrapError(extraction.KindEmbeddingUnavailable, "embedding provider failed", err)
	}

	return normalize(vec), nil
}

// normalize scales a vector to unit length. A zero vector is returned as is;
// the index treats it as dissimilar to everything.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
