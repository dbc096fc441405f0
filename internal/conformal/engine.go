// Package conformal implements the reuse/rebuild decision with a quantified
// risk bound: the conformal counterfactual cache engine.
//
// DESIGN: The decision ladder is policy gate, exact match, approximate match
// under the calibrated quantile, rebuild. Every auxiliary dependency (vector
// index, calibration log) sits behind a circuit breaker; when one opens the
// engine degrades to exact-match-only and flags the request instead of
// failing it. Only the conformal engine creates or updates cache entries.
package conformal

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/talentwire/extraction-core/internal/cache"
	"github.com/talentwire/extraction-core/internal/calibration"
	"github.com/talentwire/extraction-core/internal/config"
	"github.com/talentwire/extraction-core/internal/extraction"
	"github.com/talentwire/extraction-core/internal/index"
)

// Degradation flags recorded on certificates and telemetry.
const (
	DegradedEmbedding   = "embedding_unavailable"
	DegradedIndex       = "index_degraded"
	DegradedCalibration = "calibration_degraded"
	DegradedCache       = "cache_degraded"
)

// Outcome is the engine's verdict for one request.
type Outcome struct {
	Decision     extraction.Decision
	Entry        *extraction.CacheEntry // populated on reuse
	Certificate  extraction.Certificate
	Degradations []string

	// Counterfactual carries the reuse decision the engine would have made
	// when a refresh forces a rebuild anyway. Nil outside refresh handling.
	Counterfactual *Counterfactual
}

// Counterfactual records the would-be reuse for calibration feedback.
type Counterfactual struct {
	WouldReuse    bool
	Neighbor      *extraction.CacheEntry
	Similarity    float64
	Nonconformity float64
}

// Engine decides reuse vs rebuild.
type Engine struct {
	store            cache.Store
	idx              index.Index
	calib            calibration.Log
	cfg              config.C3Config
	timeouts         config.TimeoutsConfig
	validatorVersion int
	embeddingEpoch   int

	indexBreaker *gobreaker.CircuitBreaker
	calibBreaker *gobreaker.CircuitBreaker
}

// New builds the engine.
func New(store cache.Store, idx index.Index, calib calibration.Log, cfg *config.Config) *Engine {
	trip := func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 3 }
	return &Engine{
		store:            store,
		idx:              idx,
		calib:            calib,
		cfg:              cfg.C3,
		timeouts:         cfg.Timeouts,
		validatorVersion: cfg.Validator.Version,
		embeddingEpoch:   cfg.Embedding.Epoch,
		indexBreaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "vector-index",
			Timeout:     10 * time.Second,
			ReadyToTrip: trip,
		}),
		calibBreaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "calibration-log",
			Timeout:     10 * time.Second,
			ReadyToTrip: trip,
		}),
	}
}

// Decide runs the decision ladder. A nil fingerprint embedding means the
// embedding provider was unavailable; the engine then works in
// exact-match-only mode.
func (e *Engine) Decide(ctx context.Context, req *extraction.Request, fp extraction.Fingerprint) (*Outcome, error) {
	out := &Outcome{Decision: extraction.DecisionRebuild}

	if fp.Embedding == nil {
		out.Degradations = append(out.Degradations, DegradedEmbedding)
	}

	// Policy gate.
	if req.ReusePolicy == extraction.ReuseForbid {
		out.Certificate = e.rebuildCertificate(out)
		return out, nil
	}

	// Exact match.
	entry, found := e.lookup(ctx, fp.ContentHash, out)
	if found && e.eligible(entry, req) {
		if req.ReusePolicy == extraction.ReuseRefresh || entry.RefreshRequested {
			out.Counterfactual = &Counterfactual{
				WouldReuse:    true,
				Neighbor:      entry,
				Similarity:    1,
				Nonconformity: 0,
			}
			out.Certificate = e.rebuildCertificate(out)
			return out, nil
		}

		out.Decision = extraction.DecisionReuse
		out.Entry = entry
		out.Certificate = extraction.Certificate{
			Decision:      extraction.DecisionReuse,
			Similarity:    1,
			Nonconformity: 0,
			Tau:           math.Inf(1),
			Delta:         e.cfg.Delta,
			TierUsed:      extraction.TierCached,
			Degradations:  out.Degradations,
		}
		return out, nil
	}

	// Approximate match needs an embedding.
	if fp.Embedding == nil {
		out.Certificate = e.rebuildCertificate(out)
		return out, nil
	}

	best, tau, n := e.approximate(ctx, req, fp, out)
	if best != nil && req.ReusePolicy == extraction.ReuseRefresh {
		out.Counterfactual = &Counterfactual{
			WouldReuse:    true,
			Neighbor:      best.entry,
			Similarity:    best.similarity,
			Nonconformity: best.score,
		}
		out.Certificate = e.rebuildCertificate(out)
		return out, nil
	}
	if best != nil {
		if best.entry.RefreshRequested {
			out.Counterfactual = &Counterfactual{
				WouldReuse:    true,
				Neighbor:      best.entry,
				Similarity:    best.similarity,
				Nonconformity: best.score,
			}
			out.Certificate = e.rebuildCertificate(out)
			return out, nil
		}

		out.Decision = extraction.DecisionReuse
		out.Entry = best.entry
		out.Certificate = extraction.Certificate{
			Decision:      extraction.DecisionReuse,
			NeighborHash:  best.entry.Fingerprint.ContentHash,
			Similarity:    best.similarity,
			Nonconformity: best.score,
			Tau:           tau,
			Delta:         e.cfg.Delta,
			CalibrationN:  n,
			TierUsed:      extraction.TierCached,
			Degradations:  out.Degradations,
		}
		return out, nil
	}

	out.Certificate = e.rebuildCertificate(out)
	out.Certificate.Tau = tau
	out.Certificate.CalibrationN = n
	return out, nil
}

func (e *Engine) rebuildCertificate(out *Outcome) extraction.Certificate {
	return extraction.Certificate{
		Decision:     extraction.DecisionRebuild,
		Delta:        e.cfg.Delta,
		Degradations: out.Degradations,
	}
}

// lookup reads the store under the read timeout. Transient failures degrade
// to a miss rather than failing the request.
func (e *Engine) lookup(ctx context.Context, contentHash string, out *Outcome) (*extraction.CacheEntry, bool) {
	rctx, cancel := context.WithTimeout(ctx, e.timeouts.CacheRead)
	defer cancel()

	entry, found, err := e.store.Get(rctx, contentHash)
	if err != nil {
		log.Warn().Err(err).Msg("conformal: cache read failed, treating as miss")
		out.Degradations = append(out.Degradations, DegradedCache)
		return nil, false
	}
	return entry, found
}

// eligible checks the reuse preconditions shared by exact and approximate
// matches: not revoked, current validator version and embedding epoch, and
// required-field coverage.
func (e *Engine) eligible(entry *extraction.CacheEntry, req *extraction.Request) bool {
	if entry == nil || entry.Revoked {
		return false
	}
	if entry.ValidatorVersion != e.validatorVersion {
		return false
	}
	if entry.EmbeddingEpoch != e.embeddingEpoch {
		return false
	}
	return entry.Result.Covers(req.RequiredFields)
}

type candidate struct {
	entry      *extraction.CacheEntry
	similarity float64
	score      float64
}

// approximate evaluates ANN candidates against the calibrated quantile.
// Returns the passing candidate with the smallest nonconformity, plus the
// quantile and window size for the certificate.
func (e *Engine) approximate(ctx context.Context, req *extraction.Request, fp extraction.Fingerprint, out *Outcome) (*candidate, float64, int) {
	tau, n, ok := e.quantile(ctx, fp.PartitionKey, out)
	if !ok {
		return nil, math.Inf(-1), 0
	}
	if n < e.cfg.CalibrationNMin {
		// Not enough evidence for conformal reuse; exact match only.
		return nil, math.Inf(-1), n
	}

	neighbors, ok := e.neighbors(ctx, fp, out)
	if !ok {
		return nil, tau, n
	}

	var best *candidate
	for _, nb := range neighbors {
		if nb.Similarity < e.cfg.SimilarityFloor {
			// Neighbors arrive in decreasing similarity.
			break
		}
		if nb.Fingerprint.ContentHash == fp.ContentHash {
			continue
		}

		entry, found := e.lookup(ctx, nb.Fingerprint.ContentHash, out)
		if !found || !e.eligible(entry, req) {
			continue
		}

		a := Nonconformity(nb.Similarity, e.cfg.LambdaEdit, req.CanonicalText, entry.CanonicalText)
		if a > tau {
			continue
		}
		if best == nil || a < best.score {
			best = &candidate{entry: entry, similarity: nb.Similarity, score: a}
		}
	}

	return best, tau, n
}

func (e *Engine) quantile(ctx context.Context, partition string, out *Outcome) (float64, int, bool) {
	type result struct {
		tau float64
		n   int
	}
	res, err := e.calibBreaker.Execute(func() (interface{}, error) {
		tau, n, err := e.calib.Quantile(ctx, partition, e.cfg.Delta)
		return result{tau, n}, err
	})
	if err != nil {
		log.Warn().Err(err).Str("partition", partition).Msg("conformal: calibration unavailable, exact-match only")
		out.Degradations = append(out.Degradations, DegradedCalibration)
		return 0, 0, false
	}
	r := res.(result)
	return r.tau, r.n, true
}

func (e *Engine) neighbors(ctx context.Context, fp extraction.Fingerprint, out *Outcome) ([]index.Neighbor, bool) {
	res, err := e.indexBreaker.Execute(func() (interface{}, error) {
		qctx, cancel := context.WithTimeout(ctx, e.timeouts.IndexQuery)
		defer cancel()
		return e.idx.Query(qctx, fp.PartitionKey, fp.Embedding, e.cfg.KNeighbors)
	})
	if err != nil {
		log.Warn().Err(err).Str("partition", fp.PartitionKey).Msg("conformal: index unavailable, exact-match only")
		out.Degradations = append(out.Degradations, DegradedIndex)
		return nil, false
	}
	nbs, _ := res.([]index.Neighbor)
	return nbs, true
}

// NewEntry assembles the cache entry for an accepted rebuild. Only the
// conformal engine creates entries so the metadata stays consistent.
func (e *Engine) NewEntry(fp extraction.Fingerprint, req *extraction.Request, result *extraction.Result, cert extraction.Certificate, now time.Time) *extraction.CacheEntry {
	entry := &extraction.CacheEntry{
		Fingerprint:      fp,
		CanonicalText:    req.CanonicalText,
		Result:           *result,
		CreatedAt:        now,
		LastVerifiedAt:   now,
		ValidatorVersion: e.validatorVersion,
		EmbeddingEpoch:   e.embeddingEpoch,
	}
	entry.PushCertificate(cert)
	return entry
}
