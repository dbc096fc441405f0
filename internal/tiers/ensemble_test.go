package tiers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentwire/extraction-core/internal/extraction"
	"github.com/talentwire/extraction-core/internal/tiers"
)

func res(tier extraction.ModelTier, fields map[string]extraction.FieldValue) *extraction.Result {
	return &extraction.Result{Fields: fields, SourceTier: tier, SchemaVersion: 2}
}

func TestCombineTakesHighestConfidencePerField(t *testing.T) {
	a := res(extraction.TierMini, map[string]extraction.FieldValue{
		"vendor": {Value: "acme", Confidence: 0.9},
		"total":  {Value: "100", Confidence: 0.5},
	})
	b := res(extraction.TierFull, map[string]extraction.FieldValue{
		"vendor": {Value: "acme inc", Confidence: 0.7},
		"total":  {Value: "100.00", Confidence: 0.95},
		"date":   {Value: "2026-03-01", Confidence: 0.8},
	})

	merged, err := tiers.Combine(a, b)
	require.NoError(t, err)

	assert.Equal(t, "acme", merged.Fields["vendor"].Value, "a's vendor wins on confidence")
	assert.Equal(t, "100.00", merged.Fields["total"].Value, "b's total wins on confidence")
	assert.Equal(t, "2026-03-01", merged.Fields["date"].Value, "fields unique to b are adopted")

	assert.Equal(t, extraction.TierEnsemble, merged.SourceTier)
	assert.Equal(t, 2, merged.SchemaVersion, "base schema metadata preserved")
	assert.InDelta(t, 0.8, merged.OverallConfidence, 1e-9, "overall is the minimum field confidence")
}

func TestCombineTiesKeepBase(t *testing.T) {
	a := res(extraction.TierMini, map[string]extraction.FieldValue{"f": {Value: "from-a", Confidence: 0.8}})
	b := res(extraction.TierFull, map[string]extraction.FieldValue{"f": {Value: "from-b", Confidence: 0.8}})

	merged, err := tiers.Combine(a, b)
	require.NoError(t, err)
	assert.Equal(t, "from-a", merged.Fields["f"].Value)
}

func TestCombineEscapesFieldNames(t *testing.T) {
	a := res(extraction.TierMini, map[string]extraction.FieldValue{})
	b := res(extraction.TierFull, map[string]extraction.FieldValue{
		"line.items.*": {Value: "3", Confidence: 0.9},
	})

	merged, err := tiers.Combine(a, b)
	require.NoError(t, err)
	require.Contains(t, merged.Fields, "line.items.*")
	assert.Equal(t, "3", merged.Fields["line.items.*"].Value)
	assert.Len(t, merged.Fields, 1, "dotted names must not explode into nested objects")
}

func TestCombineEmptyResults(t *testing.T) {
	merged, err := tiers.Combine(res(extraction.TierMini, nil), res(extraction.TierFull, nil))
	require.NoError(t, err)
	assert.Empty(t, merged.Fields)
	assert.Equal(t, 0.0, merged.OverallConfidence)
}
