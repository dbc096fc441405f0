// Package pipeline is the façade over the extraction core: fingerprint, decide
// reuse vs rebuild, run the tier controller when rebuilding, write back, and
// emit one telemetry event per request.
//
// DESIGN: The pipeline owns cross-request coordination. Identical concurrent
// rebuilds collapse into one model invocation via singleflight; per-partition
// admission is a bounded semaphore that rejects rather than queues. Everything
// below (engine, controller, stores) is per-request sequential.
//
// FILES:
//   - pipeline.go: Process, Invalidate, Refresh, Stats
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/talentwire/extraction-core/internal/cache"
	"github.com/talentwire/extraction-core/internal/calibration"
	"github.com/talentwire/extraction-core/internal/config"
	"github.com/talentwire/extraction-core/internal/conformal"
	"github.com/talentwire/extraction-core/internal/extraction"
	"github.com/talentwire/extraction-core/internal/fingerprint"
	"github.com/talentwire/extraction-core/internal/index"
	"github.com/talentwire/extraction-core/internal/monitoring"
	"github.com/talentwire/extraction-core/internal/validate"
	"github.com/talentwire/extraction-core/internal/voit"
)

// Response is the terminal answer for one Process call.
type Response struct {
	RequestID   string                   `json:"request_id"`
	Result      *extraction.Result       `json:"result"`
	Report      extraction.QualityReport `json:"report"`
	Certificate extraction.Certificate   `json:"certificate"`
	Flags       []string                 `json:"flags,omitempty"`
	CostSpent   float64                  `json:"cost_spent"`
}

// Rebuilder runs the model tier selection for a rebuild. Implemented by the
// voit controller; narrowed to an interface so tests can stub it.
type Rebuilder interface {
	Run(ctx context.Context, req *extraction.Request) (*voit.Outcome, error)
	PredictCost(req *extraction.Request) float64
}

// Pipeline wires the stages together.
type Pipeline struct {
	cfg       *config.Config
	fp        *fingerprint.Fingerprinter
	engine    *conformal.Engine
	ctrl      Rebuilder
	validator *validate.Validator
	store     cache.Store
	writer    *cache.Writer
	calib     calibration.Log
	telemetry monitoring.Sink
	metrics   *monitoring.MetricsCollector

	flights singleflight.Group

	semMu sync.Mutex
	sems  map[string]chan struct{}

	now func() time.Time
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Fingerprinter *fingerprint.Fingerprinter
	Engine        *conformal.Engine
	Controller    Rebuilder
	Validator     *validate.Validator
	Store         cache.Store
	Index         index.Index
	Calibration   calibration.Log
	Telemetry     monitoring.Sink
	Metrics       *monitoring.MetricsCollector
}

// New assembles the pipeline.
func New(cfg *config.Config, deps Deps) *Pipeline {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = monitoring.NewMetricsCollector()
	}
	return &Pipeline{
		cfg:       cfg,
		fp:        deps.Fingerprinter,
		engine:    deps.Engine,
		ctrl:      deps.Controller,
		validator: deps.Validator,
		store:     deps.Store,
		writer: &cache.Writer{
			Index:        deps.Index,
			Store:        deps.Store,
			WriteTimeout: cfg.Timeouts.CacheWrite,
		},
		calib:     deps.Calibration,
		telemetry: deps.Telemetry,
		metrics:   metrics,
		sems:      make(map[string]chan struct{}),
		now:       time.Now,
	}
}

// Process runs one extraction request end to end.
func (p *Pipeline) Process(ctx context.Context, req *extraction.Request) (*Response, error) {
	start := p.now()
	requestID := uuid.NewString()
	ctx = monitoring.WithRequestIDContext(ctx, requestID)

	req, err := normalizeRequest(req)
	if err != nil {
		return nil, err
	}
	if req.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Deadline)
		defer cancel()
	}

	partition := fingerprint.PartitionKey(req.ContextTags)
	ctx = monitoring.WithPartitionContext(ctx, partition)
	release, ok := p.acquire(partition)
	if !ok {
		p.metrics.RecordRejection()
		return nil, extraction.NewError(extraction.KindOverloaded,
			fmt.Sprintf("partition %q at concurrency limit", partition))
	}
	defer release()

	fp, err := p.fp.Compute(ctx, req)
	if err != nil {
		if !extraction.IsKind(err, extraction.KindEmbeddingUnavailable) {
			return nil, err
		}
		// Exact-match-only degradation; the engine flags it on the certificate.
		fp.Embedding = nil
	}

	outcome, err := p.engine.Decide(ctx, req, fp)
	if err != nil {
		return nil, err
	}

	var resp *Response
	if outcome.Decision == extraction.DecisionReuse {
		resp = p.serveReuse(ctx, requestID, req, fp, outcome)
	} else {
		resp, err = p.rebuildShared(ctx, requestID, req, fp, outcome)
	}

	p.emit(requestID, req, fp, resp, err, start)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// =============================================================================
// REUSE PATH
// =============================================================================

func (p *Pipeline) serveReuse(ctx context.Context, requestID string, req *extraction.Request, fp extraction.Fingerprint, out *conformal.Outcome) *Response {
	entry := out.Entry

	if out.Certificate.NeighborHash == "" {
		p.metrics.RecordExactHit()
	} else {
		p.metrics.RecordApproxHit()
	}

	if err := p.store.Touch(ctx, entry.Fingerprint.ContentHash, p.now()); err != nil {
		logger := monitoring.FromContext(ctx)
		logger.Warn().Err(err).
			Str("content_hash", entry.Fingerprint.ContentHash).
			Msg("pipeline: touch failed")
	}

	result := entry.Result
	report := p.validator.Report(req, &result)

	return &Response{
		RequestID:   requestID,
		Result:      &result,
		Report:      report,
		Certificate: out.Certificate,
		Flags:       degradationFlags(out.Degradations, nil),
	}
}

// =============================================================================
// REBUILD PATH
// =============================================================================

// rebuildShared collapses concurrent identical rebuilds into one controller
// run. The leader's context drives the flight; waiters abandon on their own
// cancellation without cancelling the shared work.
func (p *Pipeline) rebuildShared(ctx context.Context, requestID string, req *extraction.Request, fp extraction.Fingerprint, out *conformal.Outcome) (*Response, error) {
	ch := p.flights.DoChan(fp.ContentHash, func() (interface{}, error) {
		return p.rebuild(ctx, requestID, req, fp, out)
	})

	select {
	case <-ctx.Done():
		p.flights.Forget(fp.ContentHash)
		return nil, extraction.WrapError(extraction.KindDeadlineExceeded, "request cancelled while awaiting rebuild", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		leaderResp := res.Val.(*Response)
		if leaderResp.RequestID == requestID {
			return leaderResp, nil
		}
		// A waiter reusing the leader's work: same result, own identity.
		shared := *leaderResp
		shared.RequestID = requestID
		shared.CostSpent = 0
		shared.Certificate.Shared = true
		return &shared, nil
	}
}

// rebuild runs the controller, applies the cache policy and the
// counterfactual calibration feedback. Runs once per in-flight content hash.
func (p *Pipeline) rebuild(ctx context.Context, requestID string, req *extraction.Request, fp extraction.Fingerprint, out *conformal.Outcome) (*Response, error) {
	p.metrics.RecordRebuild()

	voitOut, err := p.ctrl.Run(ctx, req)
	if err != nil {
		return nil, err
	}

	quality := voitOut.Report.Overall()
	flags := degradationFlags(out.Degradations, voitOut.Flags)
	flags = append(flags, voitOut.Report.Flags...)

	for _, f := range voitOut.Flags {
		if f == "escalated" {
			p.metrics.RecordEscalation()
		}
	}

	cert := extraction.Certificate{
		Decision:     extraction.DecisionRebuild,
		Tau:          out.Certificate.Tau,
		Delta:        out.Certificate.Delta,
		CalibrationN: out.Certificate.CalibrationN,
		TierUsed:     voitOut.TierUsed,
		Degradations: out.Degradations,
	}

	accepted := p.shouldCache(quality)

	// Counterfactual feedback first: when the refresh hit the same content
	// hash, the fresh write below must win over the cleared old entry.
	if out.Counterfactual != nil {
		p.recordCounterfactual(ctx, fp, out.Counterfactual, voitOut.Result)
	}
	p.anchorCalibration(ctx, fp, accepted)

	if accepted {
		entry := p.engine.NewEntry(fp, req, voitOut.Result, cert, p.now())
		if err := p.writer.Write(ctx, entry); err != nil {
			logger := monitoring.FromContext(ctx)
			logger.Warn().Err(err).
				Str("content_hash", fp.ContentHash).Msg("pipeline: cache write failed")
			p.metrics.RecordWriteFailure()
			flags = append(flags, extraction.FlagCacheWriteFailed)
		}
	}

	return &Response{
		RequestID:   requestID,
		Result:      voitOut.Result,
		Report:      voitOut.Report,
		Certificate: cert,
		Flags:       flags,
		CostSpent:   voitOut.CostSpent,
	}, nil
}

// shouldCache applies the minimum-quality write policy.
func (p *Pipeline) shouldCache(quality float64) bool {
	return quality >= p.cfg.Cache.MinQuality
}

// anchorCalibration appends the rebuild's own sample: an accepted result is a
// zero-nonconformity accept, a rejected one a full-score reject. Every
// terminal rebuild anchors the window, so ordinary traffic grows it toward
// the conformal minimum without explicit refreshes.
func (p *Pipeline) anchorCalibration(ctx context.Context, fp extraction.Fingerprint, accepted bool) {
	sample := extraction.CalibrationSample{
		Label:     extraction.LabelAccepted,
		Partition: fp.PartitionKey,
		Timestamp: p.now(),
	}
	if !accepted {
		sample.Score = 1
		sample.Label = extraction.LabelRejected
	}
	if err := p.calib.Append(ctx, sample); err != nil {
		logger := monitoring.FromContext(ctx)
		logger.Warn().Err(err).Msg("pipeline: calibration append failed")
	}
}

// recordCounterfactual labels the would-be reuse against the fresh rebuild
// and feeds it to the calibration log. Counterfactuals are the only labelled
// evidence about reuse decisions, so failures here are logged loudly.
func (p *Pipeline) recordCounterfactual(ctx context.Context, fp extraction.Fingerprint, cf *conformal.Counterfactual, fresh *extraction.Result) {
	label := extraction.LabelRejected
	if resultsEquivalent(&cf.Neighbor.Result, fresh) {
		label = extraction.LabelAccepted
	}

	sample := extraction.CalibrationSample{
		Score:     cf.Nonconformity,
		Label:     label,
		Partition: fp.PartitionKey,
		Timestamp: p.now(),
	}
	if err := p.calib.Append(ctx, sample); err != nil {
		logger := monitoring.FromContext(ctx)
		logger.Error().Err(err).Msg("pipeline: calibration append failed")
	}

	// The refresh request is satisfied by this rebuild.
	if cf.Neighbor.RefreshRequested {
		cleared := *cf.Neighbor
		cleared.RefreshRequested = false
		if err := p.store.Put(ctx, &cleared); err != nil {
			logger := monitoring.FromContext(ctx)
			logger.Warn().Err(err).
				Str("content_hash", cleared.Fingerprint.ContentHash).
				Msg("pipeline: failed to clear refresh request")
		}
	}
}

// resultsEquivalent compares the extracted field values, ignoring confidence
// and provenance. This is the acceptance criterion for counterfactual labels.
func resultsEquivalent(a, b *extraction.Result) bool {
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for name, av := range a.Fields {
		bv, ok := b.Fields[name]
		if !ok || av.Value != bv.Value {
			return false
		}
	}
	return true
}

// =============================================================================
// INVALIDATION SURFACE
// =============================================================================

// Invalidate marks the entry revoked. Idempotent; returns whether the entry
// existed. A revoked entry is never served again, including by requests
// already past their decision point but not yet answered from the entry.
func (p *Pipeline) Invalidate(ctx context.Context, contentHash string) (bool, error) {
	found, err := p.store.MarkRevoked(ctx, contentHash)
	if err != nil {
		return false, fmt.Errorf("invalidate %s: %w", contentHash, err)
	}
	p.recordInvalidation(ctx, contentHash, "invalidate", found)
	return found, nil
}

// Refresh flags the entry so the next matching request rebuilds and records
// the counterfactual. Idempotent; returns whether the entry existed.
func (p *Pipeline) Refresh(ctx context.Context, contentHash string) (bool, error) {
	found, err := p.store.MarkRefresh(ctx, contentHash)
	if err != nil {
		return false, fmt.Errorf("refresh %s: %w", contentHash, err)
	}
	p.recordInvalidation(ctx, contentHash, "refresh", found)
	return found, nil
}

func (p *Pipeline) recordInvalidation(ctx context.Context, contentHash, action string, found bool) {
	partition := ""
	if entry, ok, err := p.store.Get(ctx, contentHash); err == nil && ok {
		partition = entry.Fingerprint.PartitionKey
	}
	p.telemetry.RecordInvalidation(&monitoring.InvalidationEvent{
		Timestamp:   p.now(),
		Partition:   partition,
		ContentHash: contentHash,
		Action:      action,
		Found:       found,
	})
}

// Stats returns operational counters.
func (p *Pipeline) Stats() map[string]int64 {
	return p.metrics.Stats()
}

// =============================================================================
// ADMISSION
// =============================================================================

// acquire takes a slot in the partition's semaphore without blocking.
func (p *Pipeline) acquire(partition string) (func(), bool) {
	p.semMu.Lock()
	sem, ok := p.sems[partition]
	if !ok {
		sem = make(chan struct{}, p.cfg.Pipeline.MaxConcurrencyPerPartition)
		p.sems[partition] = sem
	}
	p.semMu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, true
	default:
		return nil, false
	}
}

// =============================================================================
// TELEMETRY
// =============================================================================

func (p *Pipeline) emit(requestID string, req *extraction.Request, fp extraction.Fingerprint, resp *Response, procErr error, start time.Time) {
	event := &monitoring.DecisionEvent{
		RequestID:   requestID,
		Timestamp:   p.now(),
		Partition:   fp.PartitionKey,
		ContentHash: fp.ContentHash,
		Success:     procErr == nil,
		LatencyMs:   p.now().Sub(start).Milliseconds(),
	}

	if procErr != nil {
		event.Decision = string(extraction.DecisionRebuild)
		event.Error = procErr.Error()
		var e *extraction.Error
		if errors.As(procErr, &e) {
			event.Flags = []string{string(e.Kind)}
		}
		p.telemetry.RecordDecision(event)
		return
	}

	cert := resp.Certificate
	event.Decision = string(cert.Decision)
	event.Similarity = cert.Similarity
	event.Nonconformity = cert.Nonconformity
	event.Tau = cert.Tau
	event.Delta = cert.Delta
	event.CalibrationN = cert.CalibrationN
	event.TierUsed = string(cert.TierUsed)
	event.CostActual = resp.CostSpent
	event.Quality = resp.Report.Overall()
	event.Flags = resp.Flags
	event.Shared = cert.Shared

	if cert.Decision == extraction.DecisionReuse {
		event.CostSaved = p.ctrl.PredictCost(req)
	}
	if len(cert.Degradations) > 0 {
		p.metrics.RecordDegradation()
	}

	p.telemetry.RecordDecision(event)
}

// degradationFlags merges engine degradations and controller flags into the
// response flag list.
func degradationFlags(degradations, flags []string) []string {
	var out []string
	if len(degradations) > 0 {
		out = append(out, extraction.FlagC3Degraded)
	}
	return append(out, flags...)
}

// =============================================================================
// REQUEST VALIDATION
// =============================================================================

// normalizeRequest validates the request and applies defaults. Defaulting
// happens on a copy; the caller's struct is never mutated.
func normalizeRequest(req *extraction.Request) (*extraction.Request, error) {
	if req == nil {
		return nil, extraction.NewError(extraction.KindInvalidRequest, "request is nil")
	}
	if req.QualityTarget < 0 || req.QualityTarget > 1 {
		return nil, extraction.NewError(extraction.KindInvalidRequest, "quality_target must be in [0,1]")
	}
	if req.Budget < 0 {
		return nil, extraction.NewError(extraction.KindInvalidRequest, "budget must be non-negative")
	}
	switch req.ReusePolicy {
	case extraction.ReuseAllow, extraction.ReuseForbid, extraction.ReuseRefresh:
	case "":
		r := *req
		r.ReusePolicy = extraction.ReuseAllow
		return &r, nil
	default:
		return nil, extraction.NewError(extraction.KindInvalidRequest,
			fmt.Sprintf("unknown reuse_policy %q", req.ReusePolicy))
	}
	return req, nil
}
