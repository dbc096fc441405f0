// Package tiers defines the model tier contract the controller selects over:
// external extractors wrapped with cost and quality prediction, ordered by
// expected cost.
//
// DESIGN: Implementations of the actual model calls are external and injected
// at construction. The package owns what the controller needs to choose
// between them: configured cost priors scaled by token count, quality priors
// blended with per-partition EWMA observations, and the field-wise ensemble
// combiner.
package tiers

import (
	"context"
	"fmt"
	"time"

	"github.com/talentwire/extraction-core/internal/config"
	"github.com/talentwire/extraction-core/internal/extraction"
)

// Invocation is the outcome of one model call.
type Invocation struct {
	Result  extraction.Result
	Cost    float64 // actual effort units spent
	Latency time.Duration
}

// Extractor is the external model contract. Failures should be reported via
// Failure so the controller can distinguish retryable faults.
type Extractor interface {
	Extract(ctx context.Context, req *extraction.Request) (*Invocation, error)
}

// Failure wraps a model error with its retryability.
func Failure(retryable bool, err error) error {
	return &extraction.Error{
		Kind:      extraction.KindModelFailure,
		Msg:       "model invocation failed",
		Retryable: retryable,
		Err:       err,
	}
}

// Tier couples an external extractor with prediction.
type Tier struct {
	name      extraction.ModelTier
	cfg       config.TierConfig
	extractor Extractor
	estimator *CostEstimator
}

// Name returns the tier identity.
func (t *Tier) Name() extraction.ModelTier { return t.name }

// ExpectedCost scales the configured per-reference-request cost by the
// request's token count. Requests at or under the reference size cost the
// configured base.
func (t *Tier) ExpectedCost(req *extraction.Request) float64 {
	tokens := t.estimator.Tokens(req.CanonicalText)
	if tokens <= referenceTokens {
		return t.cfg.ExpectedCost
	}
	return t.cfg.ExpectedCost * float64(tokens) / referenceTokens
}

// ExpectedQuality blends the configured prior with the partition's observed
// EWMA, weighted by how many observations have accrued.
func (t *Tier) ExpectedQuality(partition string, stats *Stats) float64 {
	return stats.Blend(partition, t.name, t.cfg.PriorQuality)
}

// Extract runs the model.
func (t *Tier) Extract(ctx context.Context, req *extraction.Request) (*Invocation, error) {
	return t.extractor.Extract(ctx, req)
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds the tier sequence ordered by expected cost, cheapest first.
type Registry struct {
	ordered   []*Tier
	byName    map[extraction.ModelTier]*Tier
	stats     *Stats
	estimator *CostEstimator
}

// NewRegistry wires configured tiers to their extractors. Every configured
// tier must have an extractor; the ensemble tier is optional because the
// controller can synthesize it from the two best prior invocations.
func NewRegistry(cfg config.VoitConfig, estimator *CostEstimator, extractors map[extraction.ModelTier]Extractor) (*Registry, error) {
	r := &Registry{
		byName:    make(map[extraction.ModelTier]*Tier),
		stats:     NewStats(cfg.StatsAlpha),
		estimator: estimator,
	}

	for _, tc := range cfg.Tiers {
		name := extraction.ModelTier(tc.Name)
		ext, ok := extractors[name]
		if !ok {
			if name == extraction.TierEnsemble {
				ext = nil // synthesized by the controller
			} else {
				return nil, fmt.Errorf("tier %q has no extractor", tc.Name)
			}
		}
		tier := &Tier{name: name, cfg: tc, extractor: ext, estimator: estimator}
		r.ordered = append(r.ordered, tier)
		r.byName[name] = tier
	}

	return r, nil
}

// Ordered returns the tiers cheapest-first. Callers must not mutate.
func (r *Registry) Ordered() []*Tier { return r.ordered }

// Get returns a tier by name.
func (r *Registry) Get(name extraction.ModelTier) (*Tier, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Stats exposes the partition statistics for observation updates.
func (r *Registry) Stats() *Stats { return r.stats }

// HasExtractor reports whether the tier can be invoked directly.
func (t *Tier) HasExtractor() bool { return t.extractor != nil }
