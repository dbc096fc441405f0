// Package extraction defines the wire types shared by the whole core:
// requests, fingerprints, results, quality reports, cache entries and
// certificates.
//
// DESIGN: These types are used by every other internal package. Defined here
// ONCE to avoid duplication and circular imports. All of them are plain data;
// behavior lives in the packages that own each stage of the pipeline.
package extraction

import (
	"time"
)

// =============================================================================
// REQUEST
// =============================================================================

// ReusePolicy controls whether a request may be answered from cache.
type ReusePolicy string

const (
	// ReuseAllow permits exact and conformal approximate reuse.
	ReuseAllow ReusePolicy = "allow"
	// ReuseForbid forces a rebuild and skips all cache lookups.
	ReuseForbid ReusePolicy = "forbid"
	// ReuseRefresh forces a rebuild but records the counterfactual reuse
	// decision as a calibration sample.
	ReuseRefresh ReusePolicy = "refresh"
)

// Request describes one extraction to perform. CanonicalText must already be
// normalized by the caller (whitespace collapsed, quoted attachments removed).
type Request struct {
	CanonicalText  string        `json:"canonical_text"`
	ContextTags    []string      `json:"context_tags"`    // unordered; partition key is derived from these
	RequiredFields []string      `json:"required_fields"` // ordered field identifiers the result must contain
	QualityTarget  float64       `json:"quality_target"`  // in [0,1]
	Budget         float64       `json:"budget"`          // effort units, >= 0
	Deadline       time.Duration `json:"deadline"`        // 0 means no deadline
	ReusePolicy    ReusePolicy   `json:"reuse_policy"`
}

// =============================================================================
// FINGERPRINT
// =============================================================================

// Fingerprint is the joint identity of a request: content hash, embedding and
// partition. Two requests with identical canonical text and partition key
// produce identical fingerprints.
type Fingerprint struct {
	ContentHash  string    `json:"content_hash"` // hex-encoded SHA-256
	Embedding    []float32 `json:"-"`            // unit-norm, fixed dimension
	PartitionKey string    `json:"partition_key"`
}

// =============================================================================
// RESULT
// =============================================================================

// ModelTier identifies which class of model produced a result.
type ModelTier string

const (
	TierNano     ModelTier = "nano"
	TierMini     ModelTier = "mini"
	TierFull     ModelTier = "full"
	TierEnsemble ModelTier = "ensemble"
	// TierCached marks results served from the cache rather than a model.
	TierCached ModelTier = "cached"
)

// FieldValue is one extracted field with its confidence.
type FieldValue struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"` // in [0,1]
}

// Result is an immutable structured extraction. Unknown fields returned by a
// model go into Extensions rather than polluting Fields, so validator
// predicates stay analyzable.
type Result struct {
	Fields            map[string]FieldValue `json:"fields"`
	OverallConfidence float64               `json:"overall_confidence"`
	SourceTier        ModelTier             `json:"source_model_tier"`
	SchemaVersion     int                   `json:"schema_version"`
	Extensions        map[string]string     `json:"extensions,omitempty"` // bounded, see MaxExtensions
}

// MaxExtensions bounds the Extensions map so cache entry sizes stay
// analyzable.
const MaxExtensions = 16

// Field returns the named field and whether it is present and non-empty.
func (r *Result) Field(name string) (FieldValue, bool) {
	fv, ok := r.Fields[name]
	if !ok || fv.Value == "" {
		return FieldValue{}, false
	}
	return fv, true
}

// Covers reports whether the result contains a non-empty value for every
// listed field. Used by the cache to check required-field coverage.
func (r *Result) Covers(fields []string) bool {
	for _, f := range fields {
		if _, ok := r.Field(f); !ok {
			return false
		}
	}
	return true
}

// =============================================================================
// QUALITY
// =============================================================================

// QualityReport is the validator's verdict on one (request, result) pair.
type QualityReport struct {
	Completeness float64  `json:"completeness"` // fraction of required fields present
	Consistency  float64  `json:"consistency"`  // predicate-weighted, 1.0 when nothing fires
	Confidence   float64  `json:"confidence"`   // min over required field confidences
	Flags        []string `json:"flags,omitempty"`
}

// Overall returns min(completeness, consistency, confidence).
func (q QualityReport) Overall() float64 {
	v := q.Completeness
	if q.Consistency < v {
		v = q.Consistency
	}
	if q.Confidence < v {
		v = q.Confidence
	}
	return v
}

// Flag names emitted by the validator and the pipeline.
const (
	FlagEmptyResult      = "empty_result"
	FlagSchemaDrift      = "schema_drift"
	FlagQualityShortfall = "quality_shortfall"
	FlagDeadlineExceeded = "deadline_exceeded"
	FlagCacheWriteFailed = "cache_write_failed"
	FlagC3Degraded       = "c3_degraded"
)

// =============================================================================
// CERTIFICATE
// =============================================================================

// Decision is the cache engine's verdict for one request.
type Decision string

const (
	DecisionReuse   Decision = "reuse"
	DecisionRebuild Decision = "rebuild"
)

// Certificate records the reuse/rebuild decision and its quantitative
// justification. Emitted exactly once per request; immutable.
type Certificate struct {
	Decision      Decision  `json:"decision"`
	NeighborHash  string    `json:"neighbor_hash,omitempty"` // set for approximate reuse
	Similarity    float64   `json:"similarity"`
	Nonconformity float64   `json:"nonconformity"`
	Tau           float64   `json:"tau"`   // calibrated quantile; +Inf for exact hits
	Delta         float64   `json:"delta"` // configured risk bound
	CalibrationN  int       `json:"calibration_n"`
	TierUsed      ModelTier `json:"tier_used"`
	Shared        bool      `json:"shared,omitempty"`      // result came from another in-flight rebuild
	Degradations  []string  `json:"degradations,omitempty"` // active fallbacks, e.g. c3_degraded
}

// =============================================================================
// CACHE ENTRY
// =============================================================================

// CertificateRingSize bounds the per-entry certificate history.
const CertificateRingSize = 8

// CacheEntry is the stored unit: fingerprint, canonical text (needed for the
// edit-distance term of the nonconformity score), result and calibration
// metadata. Created only by the conformal engine on rebuild.
type CacheEntry struct {
	Fingerprint      Fingerprint   `json:"fingerprint"`
	CanonicalText    string        `json:"canonical_text"`
	Result           Result        `json:"result"`
	CreatedAt        time.Time     `json:"created_at"`
	LastVerifiedAt   time.Time     `json:"last_verified_at"`
	ValidatorVersion int           `json:"validator_version"`
	EmbeddingEpoch   int           `json:"embedding_epoch"`
	Revoked          bool          `json:"revoked"`
	RefreshRequested bool          `json:"refresh_requested"`
	Certificates     []Certificate `json:"certificates,omitempty"` // bounded ring, newest last
}

// PushCertificate appends to the bounded certificate ring.
func (e *CacheEntry) PushCertificate(c Certificate) {
	e.Certificates = append(e.Certificates, c)
	if len(e.Certificates) > CertificateRingSize {
		e.Certificates = e.Certificates[len(e.Certificates)-CertificateRingSize:]
	}
}

// =============================================================================
// CALIBRATION
// =============================================================================

// CalibrationLabel marks a calibration sample's outcome.
type CalibrationLabel string

const (
	LabelAccepted CalibrationLabel = "accepted"
	LabelRejected CalibrationLabel = "rejected"
)

// CalibrationSample is one (nonconformity, label) observation appended after
// a terminal decision.
type CalibrationSample struct {
	Score     float64          `json:"score"` // nonconformity, >= 0
	Label     CalibrationLabel `json:"label"`
	Partition string           `json:"partition"`
	Timestamp time.Time        `json:"timestamp"`
}
