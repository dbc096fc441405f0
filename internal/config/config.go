// Package config loads and validates the extraction core configuration.
//
// DESIGN: Configuration comes from YAML files with ${VAR:-default} env
// expansion. Unlike a service deployment, the core is an embeddable library,
// so every knob has a documented default applied by Default(); a caller can
// construct the pipeline without any file at all.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talentwire/extraction-core/internal/monitoring"
)

// Config is the root configuration for the extraction core.
type Config struct {
	C3         C3Config         `yaml:"c3"`         // conformal cache engine
	Voit       VoitConfig       `yaml:"voit"`       // model tier selection
	Validator  ValidatorConfig  `yaml:"validator"`  // quality predicates and versioning
	Cache      CacheConfig      `yaml:"cache"`      // cache store backend and policy
	Embedding  EmbeddingConfig  `yaml:"embedding"`  // embedding dimension and epoch
	Pipeline   PipelineConfig   `yaml:"pipeline"`   // concurrency limits
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`   // per-dependency deadlines
	Monitoring MonitoringConfig `yaml:"monitoring"` // logging and telemetry
}

// C3Config tunes the conformal counterfactual cache.
type C3Config struct {
	Delta            float64 `yaml:"delta"`              // risk bound on reuse errors
	KNeighbors       int     `yaml:"k_neighbors"`        // ANN candidates per lookup
	SimilarityFloor  float64 `yaml:"similarity_floor"`   // hard guard, independent of calibration
	LambdaEdit       float64 `yaml:"lambda_edit"`        // weight of the edit-distance term
	CalibrationWindow int    `yaml:"calibration_window"` // rolling samples per partition
	CalibrationNMin  int     `yaml:"calibration_n_min"`  // below this, conformal reuse is off
}

// TierConfig describes one model tier known to the controller.
type TierConfig struct {
	Name         string  `yaml:"name"`          // nano, mini, full, ensemble
	ExpectedCost float64 `yaml:"expected_cost"` // effort units per reference-size request
	PriorQuality float64 `yaml:"prior_quality"` // quality prior before observations accrue
}

// VoitConfig tunes budget- and value-aware tier selection.
type VoitConfig struct {
	Tiers           []TierConfig `yaml:"tiers"`            // ordered by expected cost, cheapest first
	EnsembleEnabled bool         `yaml:"ensemble_enabled"` // allow the ensemble rule
	StatsAlpha      float64      `yaml:"stats_alpha"`      // EWMA smoothing for observed quality
}

// PredicateConfig declares one consistency predicate. Predicates and their
// penalties are configuration, not code.
type PredicateConfig struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"`    // requires, not_both, pattern
	Fields  []string `yaml:"fields"`  // fields the predicate inspects
	Pattern string   `yaml:"pattern"` // for kind=pattern: regexp the field must match
	Penalty float64  `yaml:"penalty"` // multiplier in (0,1) applied when violated
}

// ValidatorConfig tunes quality evaluation.
type ValidatorConfig struct {
	Version    int               `yaml:"version"`    // bumping invalidates older cache entries
	Predicates []PredicateConfig `yaml:"predicates"` // consistency checks
}

// CacheConfig tunes the cache store.
type CacheConfig struct {
	Type         string                   `yaml:"type"`          // memory, sqlite, redis
	Path         string                   `yaml:"path"`          // sqlite file path
	RedisAddr    string                   `yaml:"redis_addr"`    // host:port for redis
	Capacity     int                      `yaml:"capacity"`      // max entries before LRU eviction
	TTL          time.Duration            `yaml:"ttl"`           // default entry lifetime
	PartitionTTL map[string]time.Duration `yaml:"partition_ttl"` // per-partition overrides
	MinQuality   float64                  `yaml:"min_quality"`   // below this, rebuild results are not cached
}

// EmbeddingConfig pins the embedding contract.
type EmbeddingConfig struct {
	Dimension  int `yaml:"dimension"`   // embedding vector length
	Epoch      int `yaml:"epoch"`       // bump on provider change to invalidate stale entries
	MaxRetries int `yaml:"max_retries"` // bounded backoff attempts per embed call
}

// PipelineConfig tunes the façade.
type PipelineConfig struct {
	MaxConcurrencyPerPartition int    `yaml:"max_concurrency_per_partition"`
	MaxTextBytes               int    `yaml:"max_text_bytes"` // requests above this are invalid
	TokenEncoding              string `yaml:"token_encoding"` // tiktoken encoding for cost estimation
}

// TimeoutsConfig bounds every blocking dependency call.
type TimeoutsConfig struct {
	Embedding  time.Duration `yaml:"embedding"`
	IndexQuery time.Duration `yaml:"index_query"`
	CacheRead  time.Duration `yaml:"cache_read"`
	CacheWrite time.Duration `yaml:"cache_write"`
}

// MonitoringConfig groups logging and telemetry settings.
type MonitoringConfig struct {
	Logger    monitoring.LoggerConfig    `yaml:"logger"`
	Telemetry monitoring.TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration with every knob at its documented default.
func Default() *Config {
	return &Config{
		C3: C3Config{
			Delta:             0.01,
			KNeighbors:        8,
			SimilarityFloor:   0.88,
			LambdaEdit:        0.25,
			CalibrationWindow: 1000,
			CalibrationNMin:   100,
		},
		Voit: VoitConfig{
			Tiers: []TierConfig{
				{Name: "nano", ExpectedCost: 0.1, PriorQuality: 0.55},
				{Name: "mini", ExpectedCost: 0.3, PriorQuality: 0.80},
				{Name: "full", ExpectedCost: 0.7, PriorQuality: 0.92},
				{Name: "ensemble", ExpectedCost: 1.0, PriorQuality: 0.96},
			},
			EnsembleEnabled: true,
			StatsAlpha:      0.2,
		},
		Validator: ValidatorConfig{
			Version: 1,
		},
		Cache: CacheConfig{
			Type:       "memory",
			Capacity:   10000,
			TTL:        24 * time.Hour,
			MinQuality: 0.5,
		},
		Embedding: EmbeddingConfig{
			Dimension:  1024,
			Epoch:      1,
			MaxRetries: 3,
		},
		Pipeline: PipelineConfig{
			MaxConcurrencyPerPartition: 64,
			MaxTextBytes:               256 * 1024,
			TokenEncoding:              "cl100k_base",
		},
		Timeouts: TimeoutsConfig{
			Embedding:  1 * time.Second,
			IndexQuery: 200 * time.Millisecond,
			CacheRead:  100 * time.Millisecond,
			CacheWrite: 500 * time.Millisecond,
		},
		Monitoring: MonitoringConfig{
			Logger: monitoring.LoggerConfig{Level: "info", Format: "json", Output: "stdout"},
		},
	}
}

// expandEnvWithDefaults expands environment variables with support for
// default values. Supports both ${VAR} and ${VAR:-default} syntax.
func expandEnvWithDefaults(s string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}

		return defaultValue
	})
}

// Load reads configuration from a YAML file, layered over Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Fields absent from
// the file keep their defaults.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.C3.Delta <= 0 || c.C3.Delta >= 1 {
		return fmt.Errorf("c3.delta must be in (0,1), got %v", c.C3.Delta)
	}
	if c.C3.KNeighbors <= 0 {
		return fmt.Errorf("c3.k_neighbors must be positive, got %d", c.C3.KNeighbors)
	}
	if c.C3.SimilarityFloor <= 0 || c.C3.SimilarityFloor > 1 {
		return fmt.Errorf("c3.similarity_floor must be in (0,1], got %v", c.C3.SimilarityFloor)
	}
	if c.C3.LambdaEdit < 0 {
		return fmt.Errorf("c3.lambda_edit must be non-negative, got %v", c.C3.LambdaEdit)
	}
	if c.C3.CalibrationWindow <= 0 {
		return fmt.Errorf("c3.calibration_window must be positive, got %d", c.C3.CalibrationWindow)
	}
	if c.C3.CalibrationNMin <= 0 || c.C3.CalibrationNMin > c.C3.CalibrationWindow {
		return fmt.Errorf("c3.calibration_n_min must be in [1, window], got %d", c.C3.CalibrationNMin)
	}

	if len(c.Voit.Tiers) == 0 {
		return fmt.Errorf("voit.tiers must not be empty")
	}
	prev := 0.0
	for i, t := range c.Voit.Tiers {
		if t.Name == "" {
			return fmt.Errorf("voit.tiers[%d].name is required", i)
		}
		if t.ExpectedCost <= 0 {
			return fmt.Errorf("voit.tiers[%d].expected_cost must be positive", i)
		}
		if t.ExpectedCost < prev {
			return fmt.Errorf("voit.tiers must be ordered by expected cost, %q is cheaper than its predecessor", t.Name)
		}
		if t.PriorQuality < 0 || t.PriorQuality > 1 {
			return fmt.Errorf("voit.tiers[%d].prior_quality must be in [0,1]", i)
		}
		prev = t.ExpectedCost
	}
	if c.Voit.StatsAlpha <= 0 || c.Voit.StatsAlpha > 1 {
		return fmt.Errorf("voit.stats_alpha must be in (0,1], got %v", c.Voit.StatsAlpha)
	}

	if c.Validator.Version <= 0 {
		return fmt.Errorf("validator.version must be positive, got %d", c.Validator.Version)
	}
	for i, p := range c.Validator.Predicates {
		if p.Penalty <= 0 || p.Penalty >= 1 {
			return fmt.Errorf("validator.predicates[%d].penalty must be in (0,1)", i)
		}
		switch p.Kind {
		case "requires", "not_both":
			if len(p.Fields) != 2 {
				return fmt.Errorf("validator.predicates[%d]: kind %q needs exactly two fields", i, p.Kind)
			}
		case "pattern":
			if len(p.Fields) != 1 || p.Pattern == "" {
				return fmt.Errorf("validator.predicates[%d]: kind pattern needs one field and a pattern", i)
			}
			if _, err := regexp.Compile(p.Pattern); err != nil {
				return fmt.Errorf("validator.predicates[%d]: bad pattern: %w", i, err)
			}
		default:
			return fmt.Errorf("validator.predicates[%d]: unknown kind %q", i, p.Kind)
		}
	}

	switch c.Cache.Type {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("cache.type must be memory, sqlite or redis, got %q", c.Cache.Type)
	}
	if c.Cache.Type == "sqlite" && c.Cache.Path == "" {
		return fmt.Errorf("cache.path is required for cache.type=sqlite")
	}
	if c.Cache.Type == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required for cache.type=redis")
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be positive, got %d", c.Cache.Capacity)
	}
	if c.Cache.MinQuality < 0 || c.Cache.MinQuality > 1 {
		return fmt.Errorf("cache.min_quality must be in [0,1], got %v", c.Cache.MinQuality)
	}

	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Embedding.Epoch <= 0 {
		return fmt.Errorf("embedding.epoch must be positive, got %d", c.Embedding.Epoch)
	}
	if c.Embedding.MaxRetries < 0 {
		return fmt.Errorf("embedding.max_retries must be non-negative, got %d", c.Embedding.MaxRetries)
	}

	if c.Pipeline.MaxConcurrencyPerPartition <= 0 {
		return fmt.Errorf("pipeline.max_concurrency_per_partition must be positive, got %d", c.Pipeline.MaxConcurrencyPerPartition)
	}
	if c.Pipeline.MaxTextBytes <= 0 {
		return fmt.Errorf("pipeline.max_text_bytes must be positive, got %d", c.Pipeline.MaxTextBytes)
	}

	return nil
}

// TTLFor returns the entry lifetime for a partition, honoring overrides.
func (c *CacheConfig) TTLFor(partition string) time.Duration {
	if ttl, ok := c.PartitionTTL[partition]; ok {
		return ttl
	}
	return c.TTL
}
