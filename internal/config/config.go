package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/guthubrx/rekall-sub000/internal/connectors"
	"github.com/guthubrx/rekall-sub000/internal/curation"
	"github.com/guthubrx/rekall-sub000/internal/search"
	"github.com/guthubrx/rekall-sub000/internal/vectorstore"
)

// ConnectorConfig declares one history connector instance.
type ConnectorConfig struct {
	Name    string             `yaml:"name"`
	Kind    string             `yaml:"kind"`
	Options connectors.Options `yaml:",inline"`
}

type Config struct {
	Port      int    `yaml:"port"`
	APIKey    string `yaml:"api_key"`
	DBPath    string `yaml:"db_path"`
	BackupDir string `yaml:"backup_dir"`
	LogLevel  string `yaml:"log_level"`

	// Embeddings
	OllamaBaseURL      string        `yaml:"ollama_base_url"`
	EmbeddingModel     string        `yaml:"embedding_model"`
	EmbeddingDim       int           `yaml:"embedding_dim"`
	EmbeddingTargetDim int           `yaml:"embedding_target_dim"`
	VectorBackend      string        `yaml:"vector_backend"`
	CacheMaxSize       int           `yaml:"cache_max_size"`
	CacheTTLSeconds    int           `yaml:"cache_ttl_seconds"`
	ModelIdleTimeout   time.Duration `yaml:"model_idle_timeout"`

	// Search
	Weights             search.Weights `yaml:"weights"`
	SimilarityThreshold float64        `yaml:"similarity_threshold"`

	// Curation
	Promotion             curation.PromotionConfig `yaml:"promotion"`
	EnrichWorkers         int                      `yaml:"enrich_workers"`
	EnrichTimeout         time.Duration            `yaml:"enrich_timeout"`
	ConsolidationMinScore float64                  `yaml:"consolidation_min_score"`
	// AutoCurate runs enrichment, auto-promotion and consolidation on a
	// ticker while the server is up.
	AutoCurate  bool          `yaml:"auto_curate"`
	CurateEvery time.Duration `yaml:"curate_every"`

	Connectors []ConnectorConfig `yaml:"connectors"`
}

// Default returns the built-in configuration rooted at ~/.rekall.
func Default() *Config {
	root := dataDir()
	return &Config{
		Port:                  8742,
		DBPath:                filepath.Join(root, "rekall.db"),
		BackupDir:             filepath.Join(root, "backups"),
		LogLevel:              "info",
		OllamaBaseURL:         "http://localhost:11434",
		EmbeddingModel:        "nomic-embed-text",
		EmbeddingDim:          768,
		EmbeddingTargetDim:    384,
		VectorBackend:         string(vectorstore.ModeAuto),
		CacheMaxSize:          1000,
		CacheTTLSeconds:       3600,
		ModelIdleTimeout:      10 * time.Minute,
		Weights:               search.DefaultWeights(),
		SimilarityThreshold:   0.75,
		Promotion:             curation.DefaultPromotionConfig(),
		EnrichWorkers:         4,
		EnrichTimeout:         10 * time.Second,
		ConsolidationMinScore: curation.DefaultMinClusterScore,
		CurateEvery:           time.Hour,
	}
}

func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rekall"
	}
	return filepath.Join(home, ".rekall")
}

// Load builds the configuration from defaults, then the YAML file, then a
// .env file in the working directory, then the environment. An explicit
// path must exist; the default locations are optional.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		if p := os.Getenv("REKALL_CONFIG"); p != "" {
			path, explicit = p, true
		} else {
			path = filepath.Join(dataDir(), "config.yaml")
		}
	}
	if err := cfg.loadFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	// Variables already set in the environment win over .env.
	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envInt("PORT", c.Port)
	c.APIKey = envStr("API_KEY", c.APIKey)
	c.DBPath = envStr("REKALL_DB_PATH", c.DBPath)
	c.BackupDir = envStr("REKALL_BACKUP_DIR", c.BackupDir)
	c.LogLevel = envStr("LOG_LEVEL", c.LogLevel)
	c.OllamaBaseURL = envStr("OLLAMA_BASE_URL", c.OllamaBaseURL)
	c.EmbeddingModel = envStr("EMBEDDING_MODEL", c.EmbeddingModel)
	c.EmbeddingDim = envInt("EMBEDDING_DIM", c.EmbeddingDim)
	c.EmbeddingTargetDim = envInt("EMBEDDING_TARGET_DIM", c.EmbeddingTargetDim)
	c.VectorBackend = envStr("VECTOR_BACKEND", c.VectorBackend)
	c.CacheMaxSize = envInt("CACHE_MAX_SIZE", c.CacheMaxSize)
	c.CacheTTLSeconds = envInt("CACHE_TTL_SECONDS", c.CacheTTLSeconds)
	c.ModelIdleTimeout = envDuration("MODEL_IDLE_TIMEOUT", c.ModelIdleTimeout)
	c.Weights.FTS = envFloat("FTS_WEIGHT", c.Weights.FTS)
	c.Weights.Semantic = envFloat("SEMANTIC_WEIGHT", c.Weights.Semantic)
	c.Weights.Keyword = envFloat("KEYWORD_WEIGHT", c.Weights.Keyword)
	c.SimilarityThreshold = envFloat("SIMILARITY_THRESHOLD", c.SimilarityThreshold)
	c.Promotion.Threshold = envFloat("PROMOTION_THRESHOLD", c.Promotion.Threshold)
	c.EnrichWorkers = envInt("ENRICH_WORKERS", c.EnrichWorkers)
	c.AutoCurate = envBool("AUTO_CURATE", c.AutoCurate)
	c.CurateEvery = envDuration("CURATE_EVERY", c.CurateEvery)
}

// CacheTTL is the embedding cache entry lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("REKALL_DB_PATH must not be empty")
	}
	if c.EmbeddingDim < 1 {
		return fmt.Errorf("EMBEDDING_DIM must be positive, got %d", c.EmbeddingDim)
	}
	if c.EmbeddingTargetDim < 0 || c.EmbeddingTargetDim > c.EmbeddingDim {
		return fmt.Errorf("EMBEDDING_TARGET_DIM must be between 0 and EMBEDDING_DIM (%d), got %d", c.EmbeddingDim, c.EmbeddingTargetDim)
	}
	if _, err := vectorstore.ParseMode(c.VectorBackend); err != nil {
		return fmt.Errorf("VECTOR_BACKEND: %w", err)
	}
	if c.CacheMaxSize < 1 {
		return fmt.Errorf("CACHE_MAX_SIZE must be positive, got %d", c.CacheMaxSize)
	}
	if sum := c.Weights.Sum(); math.Abs(sum-1) > 0.01 {
		return fmt.Errorf("FTS_WEIGHT + SEMANTIC_WEIGHT + KEYWORD_WEIGHT must equal 1.0, got %f", sum)
	}
	p := c.Promotion
	if sum := p.CitationWeight + p.ProjectWeight + p.RecencyWeight; math.Abs(sum-1) > 0.01 {
		return fmt.Errorf("promotion weights must sum to 1.0, got %f", sum)
	}
	if p.Threshold < 0 || p.Threshold > 100 {
		return fmt.Errorf("PROMOTION_THRESHOLD must be between 0 and 100, got %f", p.Threshold)
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("SIMILARITY_THRESHOLD must be in (0, 1], got %f", c.SimilarityThreshold)
	}
	if c.EnrichWorkers < 1 {
		return fmt.Errorf("ENRICH_WORKERS must be positive, got %d", c.EnrichWorkers)
	}
	if c.AutoCurate && c.CurateEvery <= 0 {
		return fmt.Errorf("CURATE_EVERY must be positive when AUTO_CURATE is set")
	}
	seen := make(map[string]bool, len(c.Connectors))
	for _, cc := range c.Connectors {
		if cc.Name == "" || cc.Kind == "" {
			return fmt.Errorf("connectors need a name and a kind")
		}
		if seen[cc.Name] {
			return fmt.Errorf("duplicate connector %q", cc.Name)
		}
		seen[cc.Name] = true
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go durations ("90s") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
