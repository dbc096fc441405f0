// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - exact_hits/approx_hits: Cache reuse, split by match kind
//   - rebuilds:               Requests that went through model extraction
//   - escalations:            Tier escalations inside the controller
//   - degradations:           Requests served in a degraded mode
//   - rejections:             Requests rejected due to overload
//
// For production, export these to Prometheus or similar.
package monitoring

import (
	"sync/atomic"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	exactHits    atomic.Int64
	approxHits   atomic.Int64
	rebuilds     atomic.Int64
	escalations  atomic.Int64
	degradations atomic.Int64
	rejections   atomic.Int64
	writeFails   atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordExactHit records an exact-match reuse.
func (mc *MetricsCollector) RecordExactHit() { mc.exactHits.Add(1) }

// RecordApproxHit records a conformal approximate reuse.
func (mc *MetricsCollector) RecordApproxHit() { mc.approxHits.Add(1) }

// RecordRebuild records a model rebuild.
func (mc *MetricsCollector) RecordRebuild() { mc.rebuilds.Add(1) }

// RecordEscalation records a tier escalation.
func (mc *MetricsCollector) RecordEscalation() { mc.escalations.Add(1) }

// RecordDegradation records a request served in degraded mode.
func (mc *MetricsCollector) RecordDegradation() { mc.degradations.Add(1) }

// RecordRejection records an overload rejection.
func (mc *MetricsCollector) RecordRejection() { mc.rejections.Add(1) }

// RecordWriteFailure records a failed cache write-back.
func (mc *MetricsCollector) RecordWriteFailure() { mc.writeFails.Add(1) }

// Stats returns current metrics.
func (mc *MetricsCollector) Stats() map[string]int64 {
	return map[string]int64{
		"exact_hits":    mc.exactHits.Load(),
		"approx_hits":   mc.approxHits.Load(),
		"rebuilds":      mc.rebuilds.Load(),
		"escalations":   mc.escalations.Load(),
		"degradations":  mc.degradations.Load(),
		"rejections":    mc.rejections.Load(),
		"write_failures": mc.writeFails.Load(),
	}
}
