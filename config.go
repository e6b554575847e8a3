package aott

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"

	"github.com/aott-dev/aott/internal/cache"
	"github.com/aott-dev/aott/internal/tier"
)

// EngineConfig is the recognized configuration surface (§6.4). Unknown
// keys found while loading a YAML file are warned about and ignored
// rather than rejected, matching the spec's "unknown keys: warn and
// ignore" policy.
type EngineConfig struct {
	PromotionThresholds tier.PromotionThresholds
	ProfileSampleRate   float64
	PICPolymorphismDegree int

	CacheCapacity       CacheCapacity
	CacheEvictionPolicy string // "Adaptive"|"LRU"|"LFU"|"TTL(duration)"|"CostBased"
	PersistentCachePath string

	// Policy is a govaluate boolean expression governing tier promotion
	// in place of the fixed PromotionThresholds (§10.3). Empty uses the
	// fixed thresholds.
	Policy string

	TargetTriple string
	SelfCheck    bool
	Logger       zerolog.Logger
}

// CacheCapacity mirrors the cache_capacity config block.
type CacheCapacity struct {
	L1Entries int
	L2Bytes   int64
	L3Bytes   int64
}

// rawConfig is the YAML wire shape (§6.4), kept distinct from
// EngineConfig so unknown keys can be warned about during decode rather
// than silently accepted by a permissive struct.
type rawConfig struct {
	PromotionThresholds *struct {
		T0T1 uint64 `yaml:"t0_t1"`
		T1T2 uint64 `yaml:"t1_t2"`
		T2T3 uint64 `yaml:"t2_t3"`
		T3T4 uint64 `yaml:"t3_t4"`
	} `yaml:"promotion_thresholds"`
	TypeStabilityMin   *float64 `yaml:"type_stability_min"`
	BranchStabilityMin *float64 `yaml:"branch_stability_min"`
	DeoptRateCeiling   *float64 `yaml:"deopt_rate_ceiling"`
	ProfileSampleRate  *float64 `yaml:"profile_sample_rate"`
	PICPolymorphismDegree *int  `yaml:"pic_polymorphism_degree"`
	CacheCapacity      *struct {
		L1Entries int   `yaml:"l1_entries"`
		L2Bytes   int64 `yaml:"l2_bytes"`
		L3Bytes   int64 `yaml:"l3_bytes"`
	} `yaml:"cache_capacity"`
	CacheEvictionPolicy string `yaml:"cache_eviction_policy"`
	PersistentCachePath string `yaml:"persistent_cache_path"`
	Policy              string `yaml:"policy"`
}

// DefaultEngineConfig returns the §6.4 defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PromotionThresholds:   tier.DefaultPromotionThresholds(),
		ProfileSampleRate:     0.10,
		PICPolymorphismDegree: 4,
		CacheCapacity:         CacheCapacity{L1Entries: 256, L2Bytes: 64 << 20, L3Bytes: 512 << 20},
		CacheEvictionPolicy:   "Adaptive",
		TargetTriple:          "native",
		Logger:                zerolog.New(os.Stderr).With().Timestamp().Logger(),
	}
}

// ConfigOption mutates an EngineConfig being built up by NewEngineConfig,
// the functional-options pattern the teacher's own RuntimeConfig used for
// WithContext/WithMemoryMaxPages.
type ConfigOption func(*EngineConfig)

// NewEngineConfig builds an EngineConfig from DefaultEngineConfig with
// the given options applied in order.
func NewEngineConfig(opts ...ConfigOption) EngineConfig {
	cfg := DefaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithPromotionThresholds(t tier.PromotionThresholds) ConfigOption {
	return func(c *EngineConfig) { c.PromotionThresholds = t }
}

func WithProfileSampleRate(rate float64) ConfigOption {
	return func(c *EngineConfig) { c.ProfileSampleRate = rate }
}

func WithCacheCapacity(cap CacheCapacity) ConfigOption {
	return func(c *EngineConfig) { c.CacheCapacity = cap }
}

func WithCacheEvictionPolicy(name string) ConfigOption {
	return func(c *EngineConfig) { c.CacheEvictionPolicy = name }
}

func WithPersistentCachePath(path string) ConfigOption {
	return func(c *EngineConfig) { c.PersistentCachePath = path }
}

// WithPolicy sets a govaluate boolean expression that overrides fixed
// promotion thresholds (§10.3). An empty string restores fixed
// thresholds.
func WithPolicy(expr string) ConfigOption {
	return func(c *EngineConfig) { c.Policy = expr }
}

func WithTargetTriple(triple string) ConfigOption {
	return func(c *EngineConfig) { c.TargetTriple = triple }
}

func WithLogger(l zerolog.Logger) ConfigOption {
	return func(c *EngineConfig) { c.Logger = l }
}

func WithSelfCheck(on bool) ConfigOption {
	return func(c *EngineConfig) { c.SelfCheck = on }
}

// LoadEngineConfigFile reads a YAML configuration file per §6.4 and
// layers it onto DefaultEngineConfig. Unknown keys are warned about via
// cfg.Logger and otherwise ignored, never treated as a hard error.
func LoadEngineConfigFile(path string) (EngineConfig, error) {
	cfg := DefaultEngineConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, newEngineError("LoadEngineConfigFile", ErrConfiguration, errors.Wrap(err, "reading config file"))
	}

	var raw rawConfig
	if err := yaml.UnmarshalStrict(data, &raw); err != nil {
		// UnmarshalStrict rejects unknown fields; fall back to a lenient
		// decode and log what would otherwise have been silently dropped,
		// matching "unknown keys: warn and ignore" rather than refusing
		// to load the file at all.
		var lenient rawConfig
		if lerr := yaml.Unmarshal(data, &lenient); lerr != nil {
			return cfg, newEngineError("LoadEngineConfigFile", ErrConfiguration, errors.Wrap(lerr, "parsing config file"))
		}
		cfg.Logger.Warn().Err(err).Str("path", path).Msg("config file has unrecognized keys, ignoring them")
		raw = lenient
	}

	if raw.PromotionThresholds != nil {
		cfg.PromotionThresholds.T0T1 = raw.PromotionThresholds.T0T1
		cfg.PromotionThresholds.T1T2 = raw.PromotionThresholds.T1T2
		cfg.PromotionThresholds.T2T3 = raw.PromotionThresholds.T2T3
		cfg.PromotionThresholds.T3T4 = raw.PromotionThresholds.T3T4
	}
	if raw.TypeStabilityMin != nil {
		cfg.PromotionThresholds.TypeStabilityMin = *raw.TypeStabilityMin
	}
	if raw.BranchStabilityMin != nil {
		cfg.PromotionThresholds.BranchStabilityMin = *raw.BranchStabilityMin
	}
	if raw.DeoptRateCeiling != nil {
		cfg.PromotionThresholds.DeoptRateCeiling = *raw.DeoptRateCeiling
	}
	if raw.ProfileSampleRate != nil {
		cfg.ProfileSampleRate = *raw.ProfileSampleRate
	}
	if raw.PICPolymorphismDegree != nil {
		cfg.PICPolymorphismDegree = *raw.PICPolymorphismDegree
	}
	if raw.CacheCapacity != nil {
		cfg.CacheCapacity = CacheCapacity{
			L1Entries: raw.CacheCapacity.L1Entries,
			L2Bytes:   raw.CacheCapacity.L2Bytes,
			L3Bytes:   raw.CacheCapacity.L3Bytes,
		}
	}
	if raw.CacheEvictionPolicy != "" {
		cfg.CacheEvictionPolicy = raw.CacheEvictionPolicy
	}
	if raw.PersistentCachePath != "" {
		cfg.PersistentCachePath = raw.PersistentCachePath
	}
	if raw.Policy != "" {
		cfg.Policy = raw.Policy
	}

	return cfg, nil
}

// evictionPolicy resolves the configured name into a cache.Policy,
// defaulting to Adaptive for an unrecognized value.
func evictionPolicy(name string) cache.Policy {
	switch name {
	case "LRU":
		return cache.LRU{}
	case "LFU":
		return cache.LFU{}
	case "CostBased":
		return cache.CostBased{}
	case "":
		return cache.Adaptive{}
	default:
		if ttl, ok := parseTTLPolicy(name); ok {
			return ttl
		}
		return cache.Adaptive{}
	}
}

// parseTTLPolicy recognizes the "TTL(duration)" config syntax, e.g.
// "TTL(5m)".
func parseTTLPolicy(name string) (cache.TTL, bool) {
	const prefix, suffix = "TTL(", ")"
	if len(name) < len(prefix)+len(suffix) || name[:len(prefix)] != prefix || name[len(name)-1:] != suffix {
		return cache.TTL{}, false
	}
	d, err := time.ParseDuration(name[len(prefix) : len(name)-1])
	if err != nil {
		return cache.TTL{}, false
	}
	return cache.TTL{Duration: d}, true
}

// cacheConfig lowers an EngineConfig's cache knobs into cache.Config.
func (c EngineConfig) cacheConfig() cache.Config {
	policy := evictionPolicy(c.CacheEvictionPolicy)
	return cache.Config{
		L1: cache.LevelConfig{MaxEntries: c.CacheCapacity.L1Entries, Policy: policy},
		L2: cache.LevelConfig{MaxBytes: c.CacheCapacity.L2Bytes, Policy: policy},
		L3: cache.LevelConfig{MaxBytes: c.CacheCapacity.L3Bytes, Policy: policy},
		Dir: c.PersistentCachePath,
	}
}
