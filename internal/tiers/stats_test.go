package tiers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/talentwire/extraction-core/internal/extraction"
	"github.com/talentwire/extraction-core/internal/tiers"
)

func TestBlendReturnsPriorWithoutObservations(t *testing.T) {
	s := tiers.NewStats(0.2)
	assert.Equal(t, 0.8, s.Blend("p", extraction.TierMini, 0.8))
}

func TestBlendShadesFromPriorToObserved(t *testing.T) {
	s := tiers.NewStats(0.5)

	// A single poor observation only nudges the prior.
	s.Observe("p", extraction.TierMini, 0.2, true)
	one := s.Blend("p", extraction.TierMini, 0.8)
	assert.Less(t, one, 0.8)
	assert.Greater(t, one, 0.5, "one observation must not dominate the prior")

	// Many consistent observations pull the blend toward the EWMA.
	for i := 0; i < 100; i++ {
		s.Observe("p", extraction.TierMini, 0.2, true)
	}
	many := s.Blend("p", extraction.TierMini, 0.8)
	assert.Less(t, many, 0.3)
	assert.Equal(t, 101, s.Observations("p", extraction.TierMini))
}

func TestBlendDiscountsByFailureRate(t *testing.T) {
	s := tiers.NewStats(0.5)
	for i := 0; i < 20; i++ {
		s.Observe("p", extraction.TierNano, 0.9, true)
	}
	healthy := s.Blend("p", extraction.TierNano, 0.9)

	for i := 0; i < 20; i++ {
		s.Observe("p", extraction.TierNano, 0, false)
	}
	failing := s.Blend("p", extraction.TierNano, 0.9)

	assert.Less(t, failing, healthy/2, "a failing tier must look much worse than a healthy one")
}

func TestStatsArePerPartitionAndPerTier(t *testing.T) {
	s := tiers.NewStats(0.5)
	s.Observe("a", extraction.TierMini, 0.1, true)

	assert.Equal(t, 0.8, s.Blend("b", extraction.TierMini, 0.8), "other partitions keep the prior")
	assert.Equal(t, 0.8, s.Blend("a", extraction.TierFull, 0.8), "other tiers keep the prior")
	assert.Equal(t, 0, s.Observations("b", extraction.TierMini))
}
