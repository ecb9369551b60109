package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the resolver API configuration.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	Redis      RedisConfig      `yaml:"redis"`
	Qdrant     QdrantConfig     `yaml:"qdrant"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Rerank     RerankConfig     `yaml:"rerank"`
	Routing    RoutingConfig    `yaml:"routing"`
	Caches     CachesConfig     `yaml:"caches"`
	Pool       PoolConfig       `yaml:"pool"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Resolve    ResolveConfig    `yaml:"resolve"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// SQLiteConfig holds golden-store settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	BusyTimeoutMS int   `yaml:"busy_timeout_ms"`
}

// RedisConfig holds the shared embedding-cache backend settings.
// The backend is optional; with Enabled false the service runs on the
// in-process cache alone.
type RedisConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Addrs    []string `yaml:"addrs"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
}

// QdrantConfig holds vector search backend settings.
type QdrantConfig struct {
	Addr          string   `yaml:"addr"`
	ContentField  string   `yaml:"content_field"`
	PayloadFields []string `yaml:"payload_fields"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	SharedTTLSec int  `yaml:"shared_ttl_sec"` // redis entry lifetime
}

// RerankConfig holds cross-encoder settings.
type RerankConfig struct {
	Endpoint   string  `yaml:"endpoint"`
	TimeoutSec int     `yaml:"timeout_sec"`
	Threshold  float64 `yaml:"threshold"` // retrieval score above which reranking is skipped
}

// RoutingConfig maps tier names to ordered collection lists.
type RoutingConfig struct {
	Tiers       map[string][]string `yaml:"tiers"`
	DefaultTier string              `yaml:"default_tier"`
}

// CacheConfig holds one in-process cache's settings.
type CacheConfig struct {
	Capacity int `yaml:"capacity"`
	TTLSec   int `yaml:"ttl_sec"`
}

// CachesConfig holds the per-cache settings.
type CachesConfig struct {
	Embedding CacheConfig `yaml:"embedding"`
	Result    CacheConfig `yaml:"result"`
}

// PoolConfig holds golden-store connection pool settings.
type PoolConfig struct {
	MinSize           int `yaml:"min_size"`
	MaxSize           int `yaml:"max_size"`
	CheckoutTimeoutMS int `yaml:"checkout_timeout_ms"`
}

// DependencyConfig holds one dependency's breaker and retry settings.
type DependencyConfig struct {
	TimeoutMS        int `yaml:"timeout_ms"` // per attempt
	MaxRetries       int `yaml:"max_retries"`
	RetryBaseDelayMS int `yaml:"retry_base_delay_ms"`
	RetryMaxJitterMS int `yaml:"retry_max_jitter_ms"`
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownSec      int `yaml:"cooldown_sec"`
}

// ResilienceConfig holds the per-dependency resilience settings.
type ResilienceConfig struct {
	Golden    DependencyConfig `yaml:"golden"`
	Search    DependencyConfig `yaml:"search"`
	Embedding DependencyConfig `yaml:"embedding"`
	Rerank    DependencyConfig `yaml:"rerank"`
}

// ResolveConfig holds pipeline settings.
type ResolveConfig struct {
	SearchLimit     int  `yaml:"search_limit"` // per-collection candidate fetch
	Limit           int  `yaml:"limit"`        // default final result count
	TimeoutSec      int  `yaml:"timeout_sec"`  // overall pipeline ceiling
	BranchTimeoutMS int  `yaml:"branch_timeout_ms"`
	PartialResults  bool `yaml:"partial_results"` // serve what completed when the deadline expires mid-search
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 15
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.SQLite.BusyTimeoutMS <= 0 {
		c.SQLite.BusyTimeoutMS = 5000
	}
	if c.Qdrant.ContentField == "" {
		c.Qdrant.ContentField = "content"
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "openai"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-small"
	}
	if c.Embedding.SharedTTLSec <= 0 {
		c.Embedding.SharedTTLSec = 86400
	}
	if c.Rerank.TimeoutSec <= 0 {
		c.Rerank.TimeoutSec = 10
	}
	if c.Rerank.Threshold <= 0 {
		c.Rerank.Threshold = 0.9
	}
	if c.Caches.Embedding.Capacity <= 0 {
		c.Caches.Embedding.Capacity = 10000
	}
	if c.Caches.Embedding.TTLSec <= 0 {
		c.Caches.Embedding.TTLSec = 3600
	}
	if c.Caches.Result.Capacity <= 0 {
		c.Caches.Result.Capacity = 5000
	}
	if c.Caches.Result.TTLSec <= 0 {
		c.Caches.Result.TTLSec = 300
	}
	if c.Pool.MinSize <= 0 {
		c.Pool.MinSize = 2
	}
	if c.Pool.MaxSize <= 0 {
		c.Pool.MaxSize = 10
	}
	if c.Pool.CheckoutTimeoutMS <= 0 {
		c.Pool.CheckoutTimeoutMS = 2000
	}
	for _, dep := range []*DependencyConfig{
		&c.Resilience.Golden, &c.Resilience.Search,
		&c.Resilience.Embedding, &c.Resilience.Rerank,
	} {
		applyDependencyDefaults(dep)
	}
	if c.Resolve.SearchLimit <= 0 {
		c.Resolve.SearchLimit = 20
	}
	if c.Resolve.Limit <= 0 {
		c.Resolve.Limit = 10
	}
	if c.Resolve.TimeoutSec <= 0 {
		c.Resolve.TimeoutSec = 10
	}
	if c.Resolve.BranchTimeoutMS <= 0 {
		c.Resolve.BranchTimeoutMS = 3000
	}
	if c.Routing.DefaultTier == "" && len(c.Routing.Tiers) == 1 {
		for name := range c.Routing.Tiers {
			c.Routing.DefaultTier = name
		}
	}
}

func applyDependencyDefaults(dep *DependencyConfig) {
	if dep.TimeoutMS <= 0 {
		dep.TimeoutMS = 5000
	}
	if dep.MaxRetries < 0 {
		dep.MaxRetries = 0
	}
	if dep.RetryBaseDelayMS <= 0 {
		dep.RetryBaseDelayMS = 50
	}
	if dep.RetryMaxJitterMS <= 0 {
		dep.RetryMaxJitterMS = 25
	}
	if dep.FailureThreshold <= 0 {
		dep.FailureThreshold = 5
	}
	if dep.CooldownSec <= 0 {
		dep.CooldownSec = 30
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.SQLite.Path == "" {
		return fmt.Errorf("sqlite.path is required")
	}
	if c.Redis.Enabled && len(c.Redis.Addrs) == 0 {
		return fmt.Errorf("redis.addrs is required when redis is enabled")
	}
	if c.Qdrant.Addr == "" {
		return fmt.Errorf("qdrant.addr is required")
	}
	if c.Embedding.APIKey == "" {
		return fmt.Errorf("embedding.api_key is required")
	}
	if c.Rerank.Endpoint == "" {
		return fmt.Errorf("rerank.endpoint is required")
	}
	if c.Rerank.Threshold > 1 {
		return fmt.Errorf("rerank.threshold must be at most 1, got %g", c.Rerank.Threshold)
	}
	if len(c.Routing.Tiers) == 0 {
		return fmt.Errorf("routing.tiers must define at least one tier")
	}
	for name, collections := range c.Routing.Tiers {
		if len(collections) == 0 {
			return fmt.Errorf("routing.tiers.%s must list at least one collection", name)
		}
	}
	if c.Routing.DefaultTier != "" {
		if _, ok := c.Routing.Tiers[c.Routing.DefaultTier]; !ok {
			return fmt.Errorf("routing.default_tier %q is not a defined tier", c.Routing.DefaultTier)
		}
	}
	if c.Pool.MinSize > c.Pool.MaxSize {
		return fmt.Errorf("pool.min_size %d exceeds pool.max_size %d", c.Pool.MinSize, c.Pool.MaxSize)
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
