// Package monitoring - types.go defines shared telemetry types.
//
// DESIGN: These types are used by both pipeline/ and monitoring/ packages.
// Defined here ONCE to avoid duplication and circular imports.
//
// TYPES:
//   - DecisionEvent:  Telemetry data for each process call
//   - Config types:   TelemetryConfig, LoggerConfig
package monitoring

import (
	"encoding/json"
	"time"

	"github.com/talentwire/extraction-core/internal/extraction"
)

// =============================================================================
// EVENT TYPES - Structured data for telemetry recording
// =============================================================================

// DecisionEvent captures one request through the extraction pipeline. One
// event is emitted per process call, reuse or rebuild alike.
type DecisionEvent struct {
	RequestID     string    `json:"request_id"`
	Timestamp     time.Time `json:"timestamp"`
	Partition     string    `json:"partition"`
	ContentHash   string    `json:"content_hash"`
	Decision      string    `json:"decision"` // reuse | rebuild
	Similarity    float64   `json:"similarity"`
	Nonconformity float64   `json:"nonconformity"`
	Tau           float64   `json:"tau"`
	Delta         float64   `json:"delta"`
	CalibrationN  int       `json:"calibration_n"`
	TierUsed      string    `json:"tier_used"`
	CostActual    float64   `json:"cost_actual"`
	CostSaved     float64   `json:"cost_saved"` // for reuse: expected cost of the tier VoIT would have run
	Quality       float64   `json:"quality"`
	Flags         []string  `json:"flags,omitempty"`
	Shared        bool      `json:"shared,omitempty"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	LatencyMs     int64     `json:"latency_ms"`
}

type decisionEventAlias DecisionEvent

// MarshalJSON routes Tau through the shared quantile encoding: exact hits
// carry an infinite tau, which plain encoding/json rejects, and a failed
// marshal would silently drop the event from the JSONL log.
func (e *DecisionEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		*decisionEventAlias
		Tau json.RawMessage `json:"tau"`
	}{(*decisionEventAlias)(e), extraction.EncodeQuantile(e.Tau)})
}

// InvalidationEvent captures an external invalidate or refresh call.
type InvalidationEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Partition   string    `json:"partition"`
	ContentHash string    `json:"content_hash"`
	Action      string    `json:"action"` // invalidate | refresh
	Found       bool      `json:"found"`
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// TelemetryConfig contains telemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`      // JSONL file for decision events
	LogToStdout bool   `yaml:"log_to_stdout"` // mirror a summary line via zerolog
}

// LoggerConfig contains logging configuration.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, or file path
}
