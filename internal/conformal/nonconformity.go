// Nonconformity scoring.
//
// DESIGN: a = (1 - cosine_similarity) + lambda * edit_distance_ratio. The
// edit term is a bounded, monotone text-distance proxy in [0,1] that is zero
// iff the texts are identical. Levenshtein is quadratic, so inputs are capped
// before computing; texts that agree on the capped prefix but differ beyond
// it still score a small positive value to keep the zero-iff-identical
// property.
package conformal

import (
	"github.com/agnivade/levenshtein"
)

// editCapRunes bounds the Levenshtein computation.
const editCapRunes = 2000

// residualRatio is returned when capped prefixes match but the full texts
// differ.
const residualRatio = 0.01

// EditDistanceRatio returns a normalized text distance in [0,1].
func EditDistanceRatio(a, b string) float64 {
	if a == b {
		return 0
	}

	ra, rb := []rune(a), []rune(b)
	if len(ra) > editCapRunes {
		ra = ra[:editCapRunes]
	}
	if len(rb) > editCapRunes {
		rb = rb[:editCapRunes]
	}

	dist := levenshtein.ComputeDistance(string(ra), string(rb))
	if dist == 0 {
		return residualRatio
	}

	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	ratio := float64(dist) / float64(maxLen)
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

// Nonconformity blends embedding distance and text distance.
func Nonconformity(similarity, lambda float64, textA, textB string) float64 {
	return (1 - similarity) + lambda*EditDistanceRatio(textA, textB)
}
