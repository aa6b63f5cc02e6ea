// Package config loads Momo configuration from the environment, with an
// optional YAML file (MOMO_CONFIG) supplying defaults that the environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Processing ProcessingConfig `yaml:"processing"`
	Memory     MemoryConfig     `yaml:"memory"`
	Inference  InferenceConfig  `yaml:"inference"`
	Rerank     RerankConfig     `yaml:"rerank"`
	LLM        LLMConfig        `yaml:"llm"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// APIKeys is the set of accepted bearer tokens. Empty disables auth,
	// which is the self-host default.
	APIKeys []string `yaml:"api_keys"`
	// WatchDir, when set, is polled by the fsnotify watcher for files to
	// ingest automatically.
	WatchDir string `yaml:"watch_dir"`
	// RateLimit caps API requests per second across all clients; 0 disables.
	RateLimit float64 `yaml:"rate_limit"`
}

// DatabaseConfig selects the storage backend. URL defaults to a local SQLite
// file; a postgres:// URL switches to the pgvector backend.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// EmbeddingConfig controls the embedding provider.
type EmbeddingConfig struct {
	// Model is a provider/model string, e.g. "ollama/nomic-embed-text".
	Model      string        `yaml:"model"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Dimensions int           `yaml:"dimensions"`
	BatchSize  int           `yaml:"batch_size"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	// RateLimit caps embedding calls per second; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
}

// ProcessingConfig controls chunking and ingestion.
type ProcessingConfig struct {
	ChunkSize        int `yaml:"chunk_size"`
	ChunkOverlap     int `yaml:"chunk_overlap"`
	MaxContentLength int `yaml:"max_content_length"`
	Workers          int `yaml:"workers"`
	PollInterval     int `yaml:"poll_interval_secs"`
}

// MemoryConfig controls lifecycle behavior: episode decay and forgetting.
type MemoryConfig struct {
	EpisodeDecayDays        float64 `yaml:"episode_decay_days"`
	EpisodeDecayFactor      float64 `yaml:"episode_decay_factor"`
	EpisodeDecayThreshold   float64 `yaml:"episode_decay_threshold"`
	EpisodeForgetGraceDays  float64 `yaml:"episode_forget_grace_days"`
	ForgettingCheckInterval int     `yaml:"forgetting_check_interval_secs"`
	ProfileRefreshInterval  int     `yaml:"profile_refresh_interval_secs"`
}

// InferenceConfig controls the background inference engine.
type InferenceConfig struct {
	Enabled             bool    `yaml:"enabled"`
	IntervalSecs        int     `yaml:"interval_secs"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MaxPerRun           int     `yaml:"max_per_run"`
	SeedLimit           int     `yaml:"seed_limit"`
	CandidateCount      int     `yaml:"candidate_count"`
}

// RerankConfig controls cross-encoder reranking.
type RerankConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	TopK    int    `yaml:"top_k"`
}

// LLMConfig controls the chat-completion provider and the feature toggles
// that depend on it.
type LLMConfig struct {
	// Model is a provider/model string; known providers are openai,
	// openrouter, ollama, and lmstudio. Anything else requires BaseURL.
	Model      string        `yaml:"model"`
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RateLimit  float64       `yaml:"rate_limit"`

	EnableContradictionDetection bool `yaml:"enable_contradiction_detection"`
	EnableQueryRewrite           bool `yaml:"enable_query_rewrite"`
	EnableAutoRelations          bool `yaml:"enable_auto_relations"`
	QueryRewriteCacheSize        int  `yaml:"query_rewrite_cache_size"`
	QueryRewriteTimeoutSecs      int  `yaml:"query_rewrite_timeout_secs"`
}

// Load builds a Config from defaults, then the YAML file named by
// MOMO_CONFIG (if any), then MOMO_* environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("MOMO_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8181},
		Database: DatabaseConfig{
			URL: "momo.db",
		},
		Embedding: EmbeddingConfig{
			Model:      "local/dev",
			Dimensions: 384,
			BatchSize:  32,
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Processing: ProcessingConfig{
			ChunkSize:        512,
			ChunkOverlap:     50,
			MaxContentLength: 1_000_000,
			Workers:          2,
			PollInterval:     10,
		},
		Memory: MemoryConfig{
			EpisodeDecayDays:        7,
			EpisodeDecayFactor:      0.5,
			EpisodeDecayThreshold:   0.1,
			EpisodeForgetGraceDays:  7,
			ForgettingCheckInterval: 3600,
			ProfileRefreshInterval:  3600,
		},
		Inference: InferenceConfig{
			IntervalSecs:        3600,
			ConfidenceThreshold: 0.7,
			MaxPerRun:           10,
			SeedLimit:           20,
			CandidateCount:      5,
		},
		Rerank: RerankConfig{TopK: 100},
		LLM: LLMConfig{
			Timeout:                 30 * time.Second,
			MaxRetries:              2,
			QueryRewriteCacheSize:   1000,
			QueryRewriteTimeoutSecs: 5,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("MOMO_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("MOMO_PORT", cfg.Server.Port)
	if keys := os.Getenv("MOMO_API_KEYS"); keys != "" {
		cfg.Server.APIKeys = splitCSV(keys)
	}
	cfg.Server.WatchDir = getEnv("MOMO_WATCH_DIR", cfg.Server.WatchDir)
	cfg.Server.RateLimit = getEnvFloat("MOMO_RATE_LIMIT", cfg.Server.RateLimit)

	cfg.Database.URL = getEnv("MOMO_DATABASE_URL", cfg.Database.URL)

	cfg.Embedding.Model = getEnv("MOMO_EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.BaseURL = getEnv("MOMO_EMBEDDING_BASE_URL", cfg.Embedding.BaseURL)
	cfg.Embedding.APIKey = getEnv("MOMO_EMBEDDING_API_KEY", cfg.Embedding.APIKey)
	cfg.Embedding.Dimensions = getEnvInt("MOMO_EMBEDDING_DIMENSIONS", cfg.Embedding.Dimensions)
	cfg.Embedding.BatchSize = getEnvInt("MOMO_EMBEDDING_BATCH_SIZE", cfg.Embedding.BatchSize)
	cfg.Embedding.Timeout = getEnvDuration("MOMO_EMBEDDING_TIMEOUT", cfg.Embedding.Timeout)
	cfg.Embedding.MaxRetries = getEnvInt("MOMO_EMBEDDING_MAX_RETRIES", cfg.Embedding.MaxRetries)
	cfg.Embedding.RateLimit = getEnvFloat("MOMO_EMBEDDING_RATE_LIMIT", cfg.Embedding.RateLimit)

	cfg.Processing.ChunkSize = getEnvInt("MOMO_CHUNK_SIZE", cfg.Processing.ChunkSize)
	cfg.Processing.ChunkOverlap = getEnvInt("MOMO_CHUNK_OVERLAP", cfg.Processing.ChunkOverlap)
	cfg.Processing.MaxContentLength = getEnvInt("MOMO_MAX_CONTENT_LENGTH", cfg.Processing.MaxContentLength)
	cfg.Processing.Workers = getEnvInt("MOMO_PROCESSING_WORKERS", cfg.Processing.Workers)
	cfg.Processing.PollInterval = getEnvInt("MOMO_PROCESSING_POLL_INTERVAL_SECS", cfg.Processing.PollInterval)

	cfg.Memory.EpisodeDecayDays = getEnvFloat("MOMO_EPISODE_DECAY_DAYS", cfg.Memory.EpisodeDecayDays)
	cfg.Memory.EpisodeDecayFactor = getEnvFloat("MOMO_EPISODE_DECAY_FACTOR", cfg.Memory.EpisodeDecayFactor)
	cfg.Memory.EpisodeDecayThreshold = getEnvFloat("MOMO_EPISODE_DECAY_THRESHOLD", cfg.Memory.EpisodeDecayThreshold)
	cfg.Memory.EpisodeForgetGraceDays = getEnvFloat("MOMO_EPISODE_FORGET_GRACE_DAYS", cfg.Memory.EpisodeForgetGraceDays)
	cfg.Memory.ForgettingCheckInterval = getEnvInt("MOMO_FORGETTING_CHECK_INTERVAL", cfg.Memory.ForgettingCheckInterval)
	cfg.Memory.ProfileRefreshInterval = getEnvInt("MOMO_PROFILE_REFRESH_INTERVAL", cfg.Memory.ProfileRefreshInterval)

	cfg.Inference.Enabled = getEnvBool("MOMO_ENABLE_INFERENCES", cfg.Inference.Enabled)
	cfg.Inference.IntervalSecs = getEnvInt("MOMO_INFERENCE_INTERVAL_SECS", cfg.Inference.IntervalSecs)
	cfg.Inference.ConfidenceThreshold = getEnvFloat("MOMO_INFERENCE_CONFIDENCE_THRESHOLD", cfg.Inference.ConfidenceThreshold)
	cfg.Inference.MaxPerRun = getEnvInt("MOMO_INFERENCE_MAX_PER_RUN", cfg.Inference.MaxPerRun)
	cfg.Inference.SeedLimit = getEnvInt("MOMO_INFERENCE_SEED_LIMIT", cfg.Inference.SeedLimit)
	cfg.Inference.CandidateCount = getEnvInt("MOMO_INFERENCE_CANDIDATE_COUNT", cfg.Inference.CandidateCount)

	cfg.Rerank.Enabled = getEnvBool("MOMO_RERANK_ENABLED", cfg.Rerank.Enabled)
	cfg.Rerank.Model = getEnv("MOMO_RERANK_MODEL", cfg.Rerank.Model)
	cfg.Rerank.BaseURL = getEnv("MOMO_RERANK_BASE_URL", cfg.Rerank.BaseURL)
	cfg.Rerank.TopK = getEnvInt("MOMO_RERANK_TOP_K", cfg.Rerank.TopK)

	cfg.LLM.Model = getEnv("MOMO_LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.APIKey = getEnv("MOMO_LLM_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.BaseURL = getEnv("MOMO_LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.Timeout = getEnvDuration("MOMO_LLM_TIMEOUT", cfg.LLM.Timeout)
	cfg.LLM.MaxRetries = getEnvInt("MOMO_LLM_MAX_RETRIES", cfg.LLM.MaxRetries)
	cfg.LLM.RateLimit = getEnvFloat("MOMO_LLM_RATE_LIMIT", cfg.LLM.RateLimit)
	cfg.LLM.EnableContradictionDetection = getEnvBool("MOMO_ENABLE_CONTRADICTION_DETECTION", cfg.LLM.EnableContradictionDetection)
	cfg.LLM.EnableQueryRewrite = getEnvBool("MOMO_ENABLE_QUERY_REWRITE", cfg.LLM.EnableQueryRewrite)
	cfg.LLM.EnableAutoRelations = getEnvBool("MOMO_ENABLE_AUTO_RELATIONS", cfg.LLM.EnableAutoRelations)
	cfg.LLM.QueryRewriteCacheSize = getEnvInt("MOMO_QUERY_REWRITE_CACHE_SIZE", cfg.LLM.QueryRewriteCacheSize)
	cfg.LLM.QueryRewriteTimeoutSecs = getEnvInt("MOMO_QUERY_REWRITE_TIMEOUT_SECS", cfg.LLM.QueryRewriteTimeoutSecs)
}

// Validate checks value ranges. Returned errors should abort startup with a
// configuration exit code.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL must not be empty")
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding batch size must be positive, got %d", c.Embedding.BatchSize)
	}
	if c.Processing.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.Processing.ChunkSize)
	}
	if c.Processing.ChunkOverlap < 0 || c.Processing.ChunkOverlap >= c.Processing.ChunkSize {
		return fmt.Errorf("chunk overlap %d must be in [0, chunk size)", c.Processing.ChunkOverlap)
	}
	if c.Processing.Workers < 1 {
		return fmt.Errorf("processing workers must be at least 1, got %d", c.Processing.Workers)
	}
	if c.Memory.EpisodeDecayDays <= 0 {
		return fmt.Errorf("episode decay days must be positive, got %v", c.Memory.EpisodeDecayDays)
	}
	if c.Memory.EpisodeDecayFactor <= 0 || c.Memory.EpisodeDecayFactor >= 1 {
		return fmt.Errorf("episode decay factor must be in (0, 1), got %v", c.Memory.EpisodeDecayFactor)
	}
	if c.Inference.ConfidenceThreshold < 0 || c.Inference.ConfidenceThreshold > 1 {
		return fmt.Errorf("inference confidence threshold must be in [0, 1], got %v", c.Inference.ConfidenceThreshold)
	}
	return nil
}

// IsPostgres reports whether the database URL selects the Postgres backend.
func (c *Config) IsPostgres() bool {
	return strings.HasPrefix(c.Database.URL, "postgres://") ||
		strings.HasPrefix(c.Database.URL, "postgresql://")
}

// AuthEnabled reports whether API-key auth should be enforced.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0
}

// ParseProviderModel splits a "provider/model" string. Input without a slash
// is treated as a bare model on the "local" provider.
func ParseProviderModel(s string) (provider, model string) {
	if i := strings.Index(s, "/"); i >= 0 {
		return strings.ToLower(s[:i]), s[i+1:]
	}
	return "local", s
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// bare integers are seconds
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
