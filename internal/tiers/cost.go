// Token-based cost estimation.
//
// DESIGN: Expected cost scales with the request's token count relative to a
// reference size. Token counting uses tiktoken; when the encoding cannot be
// loaded (offline environments), a bytes/4 heuristic keeps estimates in the
// right order of magnitude.
package tiers

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
)

// referenceTokens is the request size the configured tier costs refer to.
const referenceTokens = 1000.0

// CostEstimator counts tokens for cost scaling.
type CostEstimator struct {
	encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewCostEstimator creates an estimator for the given tiktoken encoding.
// The encoding is loaded lazily on first use.
func NewCostEstimator(encoding string) *CostEstimator {
	return &CostEstimator{encoding: encoding}
}

// Tokens returns the token count for the text.
func (e *CostEstimator) Tokens(text string) int {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err != nil {
			log.Warn().Err(err).Str("encoding", e.encoding).Msg("tiers: tiktoken unavailable, using byte heuristic")
			return
		}
		e.enc = enc
	})

	if e.enc == nil {
		// Rough heuristic: ~4 bytes per token for English text.
		n := len(text) / 4
		if n == 0 && len(text) > 0 {
			n = 1
		}
		return n
	}
	return len(e.enc.Encode(text, nil, nil))
}
