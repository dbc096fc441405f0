// Package voit implements budget- and value-aware model tier selection: pick
// the cheapest tier predicted to meet the quality target, validate, escalate
// while the budget allows, and degrade gracefully when it does not.
//
// DESIGN: The controller is sequential per request; concurrency exists only
// across requests. The budget ledger is per-request and never shared.
// Partition statistics live in the tier registry and are updated after every
// invocation under their own lock.
package voit

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/talentwire/extraction-core/internal/config"
	"github.com/talentwire/extraction-core/internal/extraction"
	"github.com/talentwire/extraction-core/internal/fingerprint"
	"github.com/talentwire/extraction-core/internal/tiers"
	"github.com/talentwire/extraction-core/internal/validate"
)

// Outcome is the controller's terminal answer for one rebuild.
type Outcome struct {
	Result      *extraction.Result
	Report      extraction.QualityReport
	TierUsed    extraction.ModelTier
	CostSpent   float64
	Flags       []string
	Invocations int
}

// Controller selects and runs model tiers.
type Controller struct {
	registry        *tiers.Registry
	validator       *validate.Validator
	ensembleEnabled bool
}

// New builds a controller.
func New(registry *tiers.Registry, validator *validate.Validator, cfg config.VoitConfig) *Controller {
	return &Controller{
		registry:        registry,
		validator:       validator,
		ensembleEnabled: cfg.EnsembleEnabled,
	}
}

// PredictCost returns the expected cost of the tier the controller would pick
// first for this request. The cache engine reports it as cost_saved on reuse.
func (c *Controller) PredictCost(req *extraction.Request) float64 {
	partition := fingerprint.PartitionKey(req.ContextTags)
	if t := c.initialPick(req, partition, req.Budget); t != nil {
		return t.ExpectedCost(req)
	}
	return 0
}

// ledger tracks the per-request budget.
type ledger struct {
	remaining float64
}

// affords reports whether a predicted cost fits the remaining budget.
func (l *ledger) affords(cost float64) bool { return cost <= l.remaining }

// spend decrements by the actual cost, which may overshoot the prediction.
// A negative remainder just means nothing further can be afforded.
func (l *ledger) spend(cost float64) { l.remaining -= cost }

// attempt is one validated invocation.
type attempt struct {
	result  *extraction.Result
	report  extraction.QualityReport
	tier    extraction.ModelTier
	quality float64
}

// Run executes the selection algorithm.
func (c *Controller) Run(ctx context.Context, req *extraction.Request) (*Outcome, error) {
	partition := fingerprint.PartitionKey(req.ContextTags)
	led := &ledger{remaining: req.Budget}

	out := &Outcome{}
	var attempts []attempt
	var best *attempt

	tier := c.initialPick(req, partition, led.remaining)
	if tier == nil {
		return nil, extraction.NewError(extraction.KindBudgetExhausted, "no tier fits the budget")
	}

	for {
		inv, err := c.invoke(ctx, tier, req, led, out)
		if err != nil {
			if extraction.IsKind(err, extraction.KindDeadlineExceeded) {
				return c.finishDeadline(best, out, err)
			}
			// Model failed twice (or non-retryably): treat as quality zero
			// and fall through to escalation.
			log.Warn().Err(err).Str("tier", string(tier.Name())).Str("partition", partition).
				Msg("voit: tier failed, falling through")
			c.registry.Stats().Observe(partition, tier.Name(), 0, false)
		} else {
			report := c.validator.Report(req, &inv.Result)
			quality := report.Overall()
			c.registry.Stats().Observe(partition, tier.Name(), quality, true)

			att := attempt{result: &inv.Result, report: report, tier: tier.Name(), quality: quality}
			attempts = append(attempts, att)
			if best == nil || att.quality > best.quality {
				best = &attempts[len(attempts)-1]
			}

			if quality >= req.QualityTarget {
				return c.finish(best, out), nil
			}
		}

		next := c.escalationPick(req, partition, tier, led.remaining)
		if next == nil {
			break
		}
		out.Flags = appendUnique(out.Flags, "escalated")
		tier = next
	}

	// Ensemble rule: the top tier also missed the target.
	if c.ensembleEnabled && len(attempts) >= 2 {
		if merged := c.tryEnsemble(ctx, req, led, attempts, out); merged != nil {
			if best == nil || merged.quality > best.quality {
				best = merged
			}
			if merged.quality >= req.QualityTarget {
				return c.finish(best, out), nil
			}
		}
	}

	if best == nil {
		return nil, extraction.NewError(extraction.KindBudgetExhausted, "budget drained before any tier produced a result")
	}

	out.Flags = appendUnique(out.Flags, extraction.FlagQualityShortfall)
	return c.finish(best, out), nil
}

// invoke runs a tier with one retry on retryable failure. The retry backoff
// is jittered and implicitly capped by the request deadline carried in ctx.
func (c *Controller) invoke(ctx context.Context, tier *tiers.Tier, req *extraction.Request, led *ledger, out *Outcome) (*tiers.Invocation, error) {
	if !led.affords(tier.ExpectedCost(req)) {
		return nil, extraction.NewError(extraction.KindBudgetExhausted, "tier does not fit remaining budget")
	}

	for attempt := 0; ; attempt++ {
		inv, err := tier.Extract(ctx, req)
		if err == nil {
			out.Invocations++
			out.CostSpent += inv.Cost
			led.spend(inv.Cost)
			return inv, nil
		}

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, extraction.WrapError(extraction.KindDeadlineExceeded, "deadline elapsed during extraction", err)
		}

		var me *extraction.Error
		retryable := errors.As(err, &me) && me.Kind == extraction.KindModelFailure && me.Retryable
		if !retryable || attempt >= 1 {
			return nil, err
		}

		backoff := time.Duration(50+rand.Intn(100)) * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, extraction.WrapError(extraction.KindDeadlineExceeded, "deadline elapsed during retry backoff", ctx.Err())
		case <-time.After(backoff):
		}
	}
}

// initialPick chooses the cheapest tier whose expected quality meets the
// target within budget; failing that, the affordable tier maximizing
// quality discounted by affordability.
func (c *Controller) initialPick(req *extraction.Request, partition string, remaining float64) *tiers.Tier {
	var fallback *tiers.Tier
	fallbackScore := -1.0

	for _, t := range c.registry.Ordered() {
		if !t.HasExtractor() {
			continue
		}
		cost := t.ExpectedCost(req)
		if cost > remaining {
			continue
		}
		q := t.ExpectedQuality(partition, c.registry.Stats())
		if q >= req.QualityTarget {
			return t
		}
		score := q * affordability(remaining, cost)
		if score > fallbackScore {
			fallback, fallbackScore = t, score
		}
	}
	return fallback
}

// escalationPick chooses the cheapest strictly higher tier that fits the
// remaining budget. The ensemble tier never escalates: it participates
// through the combination rule only, which keeps it to at most one invocation
// per request.
func (c *Controller) escalationPick(req *extraction.Request, partition string, current *tiers.Tier, remaining float64) *tiers.Tier {
	_ = partition
	seen := false
	for _, t := range c.registry.Ordered() {
		if t == current {
			seen = true
			continue
		}
		if !seen || !t.HasExtractor() || t.Name() == extraction.TierEnsemble {
			continue
		}
		if t.ExpectedCost(req) <= remaining {
			return t
		}
	}
	return nil
}

// tryEnsemble combines the two most recent attempts field-wise. When an
// external ensemble extractor is registered and affordable it is invoked
// instead; otherwise the combination is synthesized locally at no cost.
func (c *Controller) tryEnsemble(ctx context.Context, req *extraction.Request, led *ledger, attempts []attempt, out *Outcome) *attempt {
	ens, ok := c.registry.Get(extraction.TierEnsemble)
	if !ok {
		return nil
	}
	if !led.affords(ens.ExpectedCost(req)) {
		return nil
	}

	var result *extraction.Result
	if ens.HasExtractor() {
		inv, err := c.invoke(ctx, ens, req, led, out)
		if err != nil {
			log.Warn().Err(err).Msg("voit: ensemble tier failed")
			return nil
		}
		result = &inv.Result
	} else {
		a, b := attempts[len(attempts)-2], attempts[len(attempts)-1]
		merged, err := tiers.Combine(a.result, b.result)
		if err != nil {
			log.Warn().Err(err).Msg("voit: ensemble combination failed")
			return nil
		}
		result = merged
		out.Invocations++ // counted as an invocation for telemetry, zero cost
	}

	report := c.validator.Report(req, result)
	return &attempt{result: result, report: report, tier: extraction.TierEnsemble, quality: report.Overall()}
}

func (c *Controller) finish(best *attempt, out *Outcome) *Outcome {
	out.Result = best.result
	out.Report = best.report
	out.TierUsed = best.tier
	return out
}

// finishDeadline returns the best validated result with a deadline flag, or
// the deadline error when nothing was validated in time.
func (c *Controller) finishDeadline(best *attempt, out *Outcome, err error) (*Outcome, error) {
	if best == nil {
		return nil, err
	}
	out.Flags = appendUnique(out.Flags, extraction.FlagDeadlineExceeded)
	return c.finish(best, out), nil
}

func affordability(remaining, cost float64) float64 {
	if cost <= 0 {
		return 1
	}
	r := remaining / cost
	if r > 1 {
		return 1
	}
	return r
}

func appendUnique(flags []string, flag string) []string {
	for _, f := range flags {
		if f == flag {
			return flags
		}
	}
	return append(flags, flag)
}
