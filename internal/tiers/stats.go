// Per-partition tier statistics.
//
// DESIGN: EWMA of observed quality and success rate per (partition, tier),
// guarded by a single mutex. Updates happen after each invocation and never
// hold the lock across I/O. EWMA is order-dependent under concurrency; the
// bounded drift is acceptable.
package tiers

import (
	"sync"

	"github.com/talentwire/extraction-core/internal/extraction"
)

// priorWeight controls how quickly observations override the configured
// prior: with w observations, the prior still carries priorWeight/(w +
// priorWeight) of the blend.
const priorWeight = 10.0

// Stats tracks observed tier performance per partition.
type Stats struct {
	mu    sync.Mutex
	alpha float64
	cells map[statKey]*statCell
}

type statKey struct {
	partition string
	tier      extraction.ModelTier
}

type statCell struct {
	quality      float64 // EWMA of observed overall quality
	successRate  float64 // EWMA of invocation success
	observations int
}

// NewStats creates an empty statistics table.
func NewStats(alpha float64) *Stats {
	return &Stats{alpha: alpha, cells: make(map[statKey]*statCell)}
}

// Observe folds one invocation outcome into the EWMA.
func (s *Stats) Observe(partition string, tier extraction.ModelTier, quality float64, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := statKey{partition, tier}
	cell, ok := s.cells[key]
	if !ok {
		cell = &statCell{quality: quality, successRate: 1}
		s.cells[key] = cell
	}

	succ := 0.0
	if success {
		succ = 1.0
	}
	cell.quality = (1-s.alpha)*cell.quality + s.alpha*quality
	cell.successRate = (1-s.alpha)*cell.successRate + s.alpha*succ
	cell.observations++
}

// Blend returns the expected quality for a tier in a partition: the
// configured prior shading into the observed EWMA as observations accrue,
// discounted by the observed success rate.
func (s *Stats) Blend(partition string, tier extraction.ModelTier, prior float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	cell, ok := s.cells[statKey{partition, tier}]
	if !ok || cell.observations == 0 {
		return prior
	}

	w := float64(cell.observations)
	blended := (prior*priorWeight + cell.quality*w) / (priorWeight + w)
	return blended * cell.successRate
}

// Observations reports how many invocations have been recorded for a cell.
func (s *Stats) Observations(partition string, tier extraction.ModelTier) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cell, ok := s.cells[statKey{partition, tier}]; ok {
		return cell.observations
	}
	return 0
}
