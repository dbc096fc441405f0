package voit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentwire/extraction-core/internal/config"
	"github.com/talentwire/extraction-core/internal/extraction"
	"github.com/talentwire/extraction-core/internal/tiers"
	"github.com/talentwire/extraction-core/internal/validate"
	"github.com/talentwire/extraction-core/internal/voit"
)

// scriptedExtractor answers required fields at configured confidences, after
// consuming any scripted failures.
type scriptedExtractor struct {
	cost      float64
	conf      float64
	fieldConf map[string]float64 // per-field override
	failures  []error            // consumed first
	block     bool               // wait for ctx cancellation instead
	calls     int
}

func (s *scriptedExtractor) Extract(ctx context.Context, req *extraction.Request) (*tiers.Invocation, error) {
	s.calls++
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return nil, err
	}

	fields := make(map[string]extraction.FieldValue, len(req.RequiredFields))
	for _, name := range req.RequiredFields {
		conf := s.conf
		if c, ok := s.fieldConf[name]; ok {
			conf = c
		}
		fields[name] = extraction.FieldValue{Value: "v-" + name, Confidence: conf}
	}
	return &tiers.Invocation{
		Result: extraction.Result{Fields: fields, OverallConfidence: s.conf},
		Cost:   s.cost,
	}, nil
}

type harness struct {
	ctrl *voit.Controller
	nano *scriptedExtractor
	mini *scriptedExtractor
	full *scriptedExtractor
}

func newHarness(t *testing.T, cfg config.VoitConfig) *harness {
	t.Helper()
	h := &harness{
		nano: &scriptedExtractor{cost: 0.1, conf: 0.6},
		mini: &scriptedExtractor{cost: 0.3, conf: 0.85},
		full: &scriptedExtractor{cost: 0.7, conf: 0.95},
	}

	validator, err := validate.New(config.ValidatorConfig{Version: 1})
	require.NoError(t, err)

	registry, err := tiers.NewRegistry(cfg, tiers.NewCostEstimator("no-such-encoding"),
		map[extraction.ModelTier]tiers.Extractor{
			extraction.TierNano: h.nano,
			extraction.TierMini: h.mini,
			extraction.TierFull: h.full,
		})
	require.NoError(t, err)

	h.ctrl = voit.New(registry, validator, cfg)
	return h
}

func runReq(target, budget float64) *extraction.Request {
	return &extraction.Request{
		CanonicalText:  "some document text",
		RequiredFields: []string{"a", "b"},
		QualityTarget:  target,
		Budget:         budget,
		ReusePolicy:    extraction.ReuseAllow,
	}
}

func TestRunPicksCheapestTierMeetingTarget(t *testing.T) {
	h := newHarness(t, config.Default().Voit)

	out, err := h.ctrl.Run(context.Background(), runReq(0.9, 1.0))
	require.NoError(t, err)

	// Only full's prior (0.92) meets the 0.9 target.
	assert.Equal(t, extraction.TierFull, out.TierUsed)
	assert.Equal(t, 0, h.nano.calls)
	assert.Equal(t, 0, h.mini.calls)
	assert.Equal(t, 1, h.full.calls)
	assert.Equal(t, 0.7, out.CostSpent)
	assert.Equal(t, 1, out.Invocations)
	assert.GreaterOrEqual(t, out.Report.Overall(), 0.9)
}

func TestRunBudgetFallbackAndShortfall(t *testing.T) {
	h := newHarness(t, config.Default().Voit)
	h.mini.conf = 0.7 // mini underdelivers

	// Budget 0.35 rules out full; mini has the best value among the rest.
	out, err := h.ctrl.Run(context.Background(), runReq(0.9, 0.35))
	require.NoError(t, err)

	assert.Equal(t, extraction.TierMini, out.TierUsed)
	assert.Equal(t, 0, h.full.calls, "full never fits the budget")
	assert.Contains(t, out.Flags, extraction.FlagQualityShortfall)
	assert.InDelta(t, 0.7, out.Report.Overall(), 1e-9)
	assert.LessOrEqual(t, out.CostSpent, 0.35)
}

func TestRunBudgetExhausted(t *testing.T) {
	h := newHarness(t, config.Default().Voit)

	_, err := h.ctrl.Run(context.Background(), runReq(0.9, 0.05))
	require.Error(t, err)
	assert.True(t, extraction.IsKind(err, extraction.KindBudgetExhausted))
	assert.Equal(t, 0, h.nano.calls)
}

func TestRunRetriesRetryableFailureOnce(t *testing.T) {
	h := newHarness(t, config.Default().Voit)
	h.nano.conf = 0.6
	h.nano.failures = []error{tiers.Failure(true, errors.New("throttled"))}

	out, err := h.ctrl.Run(context.Background(), runReq(0.5, 1.0))
	require.NoError(t, err)

	assert.Equal(t, extraction.TierNano, out.TierUsed)
	assert.Equal(t, 2, h.nano.calls, "one retry after a retryable failure")
	assert.Equal(t, 1, out.Invocations, "the failed call does not count")
}

func TestRunNonRetryableFailureEscalates(t *testing.T) {
	h := newHarness(t, config.Default().Voit)
	h.nano.failures = []error{
		tiers.Failure(false, errors.New("bad output")),
	}

	out, err := h.ctrl.Run(context.Background(), runReq(0.5, 1.0))
	require.NoError(t, err)

	assert.Equal(t, 1, h.nano.calls, "non-retryable failures are not retried")
	assert.Equal(t, extraction.TierMini, out.TierUsed)
	assert.Contains(t, out.Flags, "escalated")
}

func TestRunDeadlineWithoutResultErrors(t *testing.T) {
	h := newHarness(t, config.Default().Voit)
	h.full.block = true

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := h.ctrl.Run(ctx, runReq(0.9, 1.0))
	require.Error(t, err)
	assert.True(t, extraction.IsKind(err, extraction.KindDeadlineExceeded))
}

func TestRunDeadlineReturnsBestValidatedResult(t *testing.T) {
	h := newHarness(t, config.Default().Voit)
	h.mini.conf = 0.75 // below target, forcing escalation
	h.full.block = true

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out, err := h.ctrl.Run(ctx, runReq(0.8, 2.0))
	require.NoError(t, err)

	assert.Equal(t, extraction.TierMini, out.TierUsed)
	assert.Contains(t, out.Flags, extraction.FlagDeadlineExceeded)
	assert.InDelta(t, 0.75, out.Report.Overall(), 1e-9)
}

func TestRunEnsembleCombinesLastTwoAttempts(t *testing.T) {
	cfg := config.VoitConfig{
		Tiers: []config.TierConfig{
			{Name: "nano", ExpectedCost: 0.1, PriorQuality: 0.2},
			{Name: "mini", ExpectedCost: 0.3, PriorQuality: 0.9},
			{Name: "full", ExpectedCost: 0.7, PriorQuality: 0.95},
			{Name: "ensemble", ExpectedCost: 1.0, PriorQuality: 0.96},
		},
		EnsembleEnabled: true,
		StatsAlpha:      0.2,
	}
	h := newHarness(t, cfg)
	// Each tier is strong on a different field; only the combination meets
	// the target.
	h.mini.fieldConf = map[string]float64{"a": 0.9, "b": 0.6}
	h.mini.conf = 0.6
	h.full.fieldConf = map[string]float64{"a": 0.7, "b": 0.9}
	h.full.conf = 0.7

	out, err := h.ctrl.Run(context.Background(), runReq(0.85, 2.1))
	require.NoError(t, err)

	assert.Equal(t, extraction.TierEnsemble, out.TierUsed)
	assert.Equal(t, 1, h.mini.calls)
	assert.Equal(t, 1, h.full.calls)
	assert.InDelta(t, 0.9, out.Report.Overall(), 1e-9)
	assert.Equal(t, 0.9, out.Result.Fields["a"].Confidence, "mini's a wins")
	assert.Equal(t, 0.9, out.Result.Fields["b"].Confidence, "full's b wins")
}

func TestRunEnsembleRespectsBudget(t *testing.T) {
	cfg := config.Default().Voit
	h := newHarness(t, cfg)
	h.mini.conf = 0.7
	h.full.conf = 0.75

	// Budget covers mini + full but not the ensemble on top.
	out, err := h.ctrl.Run(context.Background(), runReq(0.99, 1.1))
	require.NoError(t, err)

	assert.NotEqual(t, extraction.TierEnsemble, out.TierUsed)
	assert.Contains(t, out.Flags, extraction.FlagQualityShortfall)
	assert.LessOrEqual(t, out.CostSpent, 1.1)
}

func TestRunRegisteredEnsembleInvokedAtMostOnce(t *testing.T) {
	cfg := config.VoitConfig{
		Tiers: []config.TierConfig{
			{Name: "nano", ExpectedCost: 0.1, PriorQuality: 0.55},
			{Name: "mini", ExpectedCost: 0.3, PriorQuality: 0.80},
			{Name: "full", ExpectedCost: 0.7, PriorQuality: 0.92},
			{Name: "ensemble", ExpectedCost: 1.0, PriorQuality: 0.60},
		},
		EnsembleEnabled: true,
		StatsAlpha:      0.2,
	}

	nano := &scriptedExtractor{cost: 0.1, conf: 0.6}
	mini := &scriptedExtractor{cost: 0.3, conf: 0.75}
	full := &scriptedExtractor{cost: 0.7, conf: 0.78}
	ensemble := &scriptedExtractor{cost: 1.0, conf: 0.75}

	validator, err := validate.New(config.ValidatorConfig{Version: 1})
	require.NoError(t, err)
	registry, err := tiers.NewRegistry(cfg, tiers.NewCostEstimator("no-such-encoding"),
		map[extraction.ModelTier]tiers.Extractor{
			extraction.TierNano:     nano,
			extraction.TierMini:     mini,
			extraction.TierFull:     full,
			extraction.TierEnsemble: ensemble,
		})
	require.NoError(t, err)
	ctrl := voit.New(registry, validator, cfg)

	// Everything misses the 0.8 target, so the controller walks mini, full
	// and finally the registered ensemble extractor. The budget would cover
	// a second ensemble call; it must never happen.
	out, err := ctrl.Run(context.Background(), runReq(0.8, 3.5))
	require.NoError(t, err)

	assert.Equal(t, 1, mini.calls)
	assert.Equal(t, 1, full.calls)
	assert.Equal(t, 1, ensemble.calls, "the ensemble runs through the combination rule only")
	assert.Equal(t, extraction.TierFull, out.TierUsed, "full remains the best attempt")
	assert.Contains(t, out.Flags, extraction.FlagQualityShortfall)
	assert.InDelta(t, 2.0, out.CostSpent, 1e-9, "mini + full + one ensemble invocation")
}

func TestPredictCost(t *testing.T) {
	h := newHarness(t, config.Default().Voit)

	assert.Equal(t, 0.7, h.ctrl.PredictCost(runReq(0.9, 1.0)), "full is the planned tier")
	assert.Equal(t, 0.3, h.ctrl.PredictCost(runReq(0.9, 0.35)), "budget rules out full")
	assert.Equal(t, 0.0, h.ctrl.PredictCost(runReq(0.9, 0.01)), "nothing affordable")
}
