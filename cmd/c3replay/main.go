// Package main is the c3replay tool: replay a JSONL stream of extraction
// requests through the full pipeline with deterministic stub models, and
// report the empirical reuse error rate against the configured risk bound.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/talentwire/extraction-core/internal/cache"
	"github.com/talentwire/extraction-core/internal/calibration"
	"github.com/talentwire/extraction-core/internal/config"
	"github.com/talentwire/extraction-core/internal/conformal"
	"github.com/talentwire/extraction-core/internal/extraction"
	"github.com/talentwire/extraction-core/internal/fingerprint"
	"github.com/talentwire/extraction-core/internal/index"
	"github.com/talentwire/extraction-core/internal/monitoring"
	"github.com/talentwire/extraction-core/internal/pipeline"
	"github.com/talentwire/extraction-core/internal/tiers"
	"github.com/talentwire/extraction-core/internal/validate"
	"github.com/talentwire/extraction-core/internal/voit"
)

func main() {
	var (
		configPath    = flag.String("config", "", "YAML config file (defaults apply when empty)")
		requestsPath  = flag.String("requests", "-", "JSONL request stream, one request per line ('-' for stdin)")
		telemetryPath = flag.String("telemetry", "", "JSONL decision log output")
		verbose       = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("config load failed")
		}
		cfg = loaded
	}

	logCfg := cfg.Monitoring.Logger
	logCfg.Format = "console"
	logCfg.Output = "stderr"
	if *verbose {
		logCfg.Level = "debug"
	}
	monitoring.Global(logCfg)
	if *telemetryPath != "" {
		cfg.Monitoring.Telemetry = monitoring.TelemetryConfig{Enabled: true, LogPath: *telemetryPath}
	}

	p, full, cleanup, err := buildPipeline(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("pipeline construction failed")
	}
	defer cleanup()

	in, err := openRequests(*requestsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot open request stream")
	}
	defer in.Close()

	replay(cfg, p, full, in)
}

// buildPipeline wires the configured backends with deterministic stubs for
// the embedding provider and the model tiers.
func buildPipeline(cfg *config.Config) (*pipeline.Pipeline, *stubExtractor, func(), error) {
	idx := index.NewMemory()
	onEvict := func(partition, contentHash string) {
		_ = idx.Remove(context.Background(), partition, contentHash)
	}

	var store cache.Store
	var err error
	switch cfg.Cache.Type {
	case "sqlite":
		store, err = cache.NewSQLiteStore(cfg.Cache, onEvict)
	case "redis":
		store, err = cache.NewRedisStore(context.Background(), cfg.Cache)
	default:
		store = cache.NewMemoryStore(cfg.Cache, onEvict)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cache store: %w", err)
	}

	calib := calibration.Log(calibration.NewMemoryLog(cfg.C3.CalibrationWindow))

	validator, err := validate.New(cfg.Validator)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("validator: %w", err)
	}

	estimator := tiers.NewCostEstimator(cfg.Pipeline.TokenEncoding)
	full := &stubExtractor{tier: extraction.TierFull, fidelity: 1.0, schemaVersion: cfg.Validator.Version}
	extractors := map[extraction.ModelTier]tiers.Extractor{
		extraction.TierNano: &stubExtractor{tier: extraction.TierNano, fidelity: 0.6, schemaVersion: cfg.Validator.Version},
		extraction.TierMini: &stubExtractor{tier: extraction.TierMini, fidelity: 0.85, schemaVersion: cfg.Validator.Version},
		extraction.TierFull: full,
	}
	registry, err := tiers.NewRegistry(cfg.Voit, estimator, extractors)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("tier registry: %w", err)
	}

	tracker, err := monitoring.NewTracker(cfg.Monitoring.Telemetry)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("telemetry: %w", err)
	}

	engine := conformal.New(store, idx, calib, cfg)
	p := pipeline.New(cfg, pipeline.Deps{
		Fingerprinter: fingerprint.New(&bagEmbedder{dimension: cfg.Embedding.Dimension}, cfg),
		Engine:        engine,
		Controller:    voit.New(registry, validator, cfg.Voit),
		Validator:     validator,
		Store:         store,
		Index:         idx,
		Calibration:   calib,
		Telemetry:     tracker,
	})

	cleanup := func() {
		_ = tracker.Close()
		_ = store.Close()
		_ = calib.Close()
		_ = idx.Close()
	}
	return p, full, cleanup, nil
}

func openRequests(path string) (*os.File, error) {
	if path == "-" {
		return os.Stdin, nil
	}
	return os.Open(path)
}

// replay drives the stream and prints coverage statistics.
func replay(cfg *config.Config, p *pipeline.Pipeline, full *stubExtractor, in *os.File) {
	var (
		total, reuses, rebuilds, failures int
		reuseErrors                       int
		costSpent, costSavedEst           float64
	)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1024*1024), 4*1024*1024)
	start := time.Now()

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var req extraction.Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			log.Warn().Err(err).Msg("skipping malformed request line")
			continue
		}

		total++
		resp, err := p.Process(context.Background(), &req)
		if err != nil {
			failures++
			log.Debug().Err(err).Msg("request failed")
			continue
		}

		costSpent += resp.CostSpent
		switch resp.Certificate.Decision {
		case extraction.DecisionReuse:
			reuses++
			costSavedEst += cfg.Voit.Tiers[0].ExpectedCost
			// Ground truth: what the top stub tier would have produced.
			if !matchesGroundTruth(full, &req, resp.Result) {
				reuseErrors++
			}
		default:
			rebuilds++
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("request stream read failed")
	}

	elapsed := time.Since(start)
	errRate := 0.0
	if reuses > 0 {
		errRate = float64(reuseErrors) / float64(reuses)
	}

	fmt.Printf("\nreplayed %d requests in %s\n", total, elapsed.Round(time.Millisecond))
	fmt.Printf("  reuse:      %d (%.1f%%), errors %d (rate %.4f, bound delta=%.4f)\n",
		reuses, pct(reuses, total), reuseErrors, errRate, cfg.C3.Delta)
	fmt.Printf("  rebuild:    %d (%.1f%%)\n", rebuilds, pct(rebuilds, total))
	fmt.Printf("  failures:   %d\n", failures)
	fmt.Printf("  cost spent: %.2f, est. saved: %.2f\n", costSpent, costSavedEst)
	for k, v := range p.Stats() {
		fmt.Printf("  %-12s %d\n", k+":", v)
	}
	if reuses > 0 && errRate > cfg.C3.Delta {
		fmt.Printf("\nWARNING: empirical reuse error rate %.4f exceeds delta %.4f\n", errRate, cfg.C3.Delta)
	}
}

func matchesGroundTruth(full *stubExtractor, req *extraction.Request, got *extraction.Result) bool {
	inv, err := full.Extract(context.Background(), req)
	if err != nil {
		return true
	}
	for name, want := range inv.Result.Fields {
		g, ok := got.Fields[name]
		if !ok || g.Value != want.Value {
			return false
		}
	}
	return true
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(n) / float64(total)
}

// =============================================================================
// DETERMINISTIC STUBS
// =============================================================================

// bagEmbedder produces a deterministic bag-of-tokens embedding: each token
// hashes to a bucket, so texts sharing most tokens land close in cosine
// space. Good enough to exercise the approximate-reuse path offline.
type bagEmbedder struct {
	dimension int
}

func (b *bagEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, b.dimension)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[int(h.Sum32())%b.dimension]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec, nil
}

// stubExtractor derives field values deterministically from the text so two
// identical requests always agree, while lower-fidelity tiers drop a subset
// of fields based on a text-dependent hash.
type stubExtractor struct {
	tier          extraction.ModelTier
	fidelity      float64 // fraction of required fields the tier resolves
	schemaVersion int
}

func (s *stubExtractor) Extract(_ context.Context, req *extraction.Request) (*tiers.Invocation, error) {
	started := time.Now()
	fields := make(map[string]extraction.FieldValue, len(req.RequiredFields))
	for _, name := range req.RequiredFields {
		if s.fidelity < 1 && skipField(req.CanonicalText, name, s.fidelity) {
			continue
		}
		fields[name] = extraction.FieldValue{
			Value:      fieldValue(req.CanonicalText, name),
			Confidence: s.fidelity,
		}
	}

	result := extraction.Result{
		Fields:            fields,
		SourceTier:        s.tier,
		SchemaVersion:     s.schemaVersion,
		OverallConfidence: s.fidelity,
	}

	cost := 0.1
	switch s.tier {
	case extraction.TierMini:
		cost = 0.3
	case extraction.TierFull:
		cost = 0.7
	}

	return &tiers.Invocation{Result: result, Cost: cost, Latency: time.Since(started)}, nil
}

// fieldValue derives a deterministic value from the text's significant
// tokens, so near-duplicate texts (rephrasings, filler changes) yield the
// same extraction and approximate reuse can be genuinely correct.
func fieldValue(text, field string) string {
	tokens := map[string]struct{}{}
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?\"'()")
		if len(tok) > 3 {
			tokens[tok] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(tokens))
	for tok := range tokens {
		sorted = append(sorted, tok)
	}
	sort.Strings(sorted)

	h := fnv.New64a()
	h.Write([]byte(field))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sorted, " ")))
	return fmt.Sprintf("%s-%x", field, h.Sum64()&0xffff)
}

func skipField(text, field string, fidelity float64) bool {
	h := fnv.New32a()
	h.Write([]byte(text))
	h.Write([]byte(field))
	return float64(h.Sum32()%100)/100.0 >= fidelity
}
