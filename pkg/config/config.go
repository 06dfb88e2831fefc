// Copyright 2025 The corpusflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads pipeline configuration from environment variables
// (PIPELINE_ENV selects the .env file) with optional YAML overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment tags. Selected once at startup via PIPELINE_ENV.
const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

// ServerConfig is one HTTP listen surface.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ServicesConfig holds downstream service endpoints.
type ServicesConfig struct {
	// EmbeddingsURL is the OpenAI-compatible embeddings endpoint (required).
	EmbeddingsURL string `yaml:"embeddings_url"`

	// RerankURL is the reranker endpoint (optional; reranking degrades off).
	RerankURL string `yaml:"rerank_url"`

	// CompressURL is the context compressor endpoint (optional).
	CompressURL string `yaml:"compress_url"`

	// MilvusURL is the vector store base URL (required).
	MilvusURL string `yaml:"milvus_url"`
}

// LimitsConfig caps per-component concurrency.
type LimitsConfig struct {
	LLMConcurrency      int `yaml:"llm_concurrency"`      // default 20
	IngestConcurrency   int `yaml:"ingest_concurrency"`   // default 10
	RetrieveConcurrency int `yaml:"retrieve_concurrency"` // default 20
	EmbedConcurrency    int `yaml:"embed_concurrency"`    // default 50
	MetadataBatchSize   int `yaml:"metadata_batch_size"`  // default 40
	EmbedBatchSize      int `yaml:"embed_batch_size"`     // default 100
}

// CacheConfig bounds the LRU+TTL response caches.
type CacheConfig struct {
	TTL  time.Duration `yaml:"ttl"`
	Size int           `yaml:"size"`
}

// HNSWConfig parameterizes the dense vector index.
type HNSWConfig struct {
	M              int `yaml:"m"`
	EfConstruction int `yaml:"ef_construction"`
}

// IntentConfig holds classifier thresholds and persistence paths.
type IntentConfig struct {
	ThresholdReject   float64 `yaml:"threshold_reject"`   // default 0.40
	ThresholdFallback float64 `yaml:"threshold_fallback"` // default 0.60
	LearnBatchSize    int     `yaml:"learn_batch_size"`   // default 10
	AutoApprove       float64 `yaml:"auto_approve"`       // default 0.95
	LibraryPath       string  `yaml:"library_path"`
	LogDir            string  `yaml:"log_dir"`
	RetentionDays     int     `yaml:"retention_days"` // default 7
}

// RetryConfig is the orchestrator transport retry policy.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// TimeoutsConfig holds per-call deadlines.
type TimeoutsConfig struct {
	Health    time.Duration `yaml:"health"`
	Embedding time.Duration `yaml:"embedding"`
	LLM       time.Duration `yaml:"llm"`
	Answer    time.Duration `yaml:"answer"`
}

// PoolConfig sizes the shared HTTP client connection pool.
type PoolConfig struct {
	MaxIdleConns        int `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int `yaml:"max_conns_per_host"`
}

// BoostConfig holds metadata-boost weights. Sum may exceed MaxTotal; the
// cap is enforced at scoring time.
type BoostConfig struct {
	Keywords            float64 `yaml:"keywords"`
	Topics              float64 `yaml:"topics"`
	Questions           float64 `yaml:"questions"`
	Summary             float64 `yaml:"summary"`
	SemanticKeywords    float64 `yaml:"semantic_keywords"`
	EntityRelationships float64 `yaml:"entity_relationships"`
	Attributes          float64 `yaml:"attributes"`
	MaxTotal            float64 `yaml:"max_total"`
}

// Config is the process-wide configuration.
type Config struct {
	Environment string `yaml:"environment"`

	Ingestion ServerConfig   `yaml:"ingestion"`
	Retrieval ServerConfig   `yaml:"retrieval"`
	Services  ServicesConfig `yaml:"services"`
	Limits    LimitsConfig   `yaml:"limits"`
	Cache     CacheConfig    `yaml:"cache"`
	HNSW      HNSWConfig     `yaml:"hnsw"`
	Intent    IntentConfig   `yaml:"intent"`
	Retry     RetryConfig    `yaml:"retry"`
	Timeouts  TimeoutsConfig `yaml:"timeouts"`
	Pool      PoolConfig     `yaml:"pool"`
	Boost     BoostConfig    `yaml:"boost"`

	// PartitionCount is the fixed partition count for tenant_id.
	PartitionCount int `yaml:"partition_count"`

	// ProviderKeys maps provider name to API key.
	ProviderKeys map[string]string `yaml:"-"`
}

// DefaultBoost returns the tuned boost weights.
func DefaultBoost() BoostConfig {
	return BoostConfig{
		Keywords:            0.10,
		Topics:              0.06,
		Questions:           0.08,
		Summary:             0.06,
		SemanticKeywords:    0.15,
		EntityRelationships: 0.10,
		Attributes:          0.08,
		MaxTotal:            0.60,
	}
}

// Load builds the configuration for the current PIPELINE_ENV.
//
// Missing required entries are collected and reported together; the registry
// is authoritative and there are no fallbacks for them.
func Load() (*Config, error) {
	environment := getEnv("PIPELINE_ENV", EnvDev)
	switch environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return nil, fmt.Errorf("invalid PIPELINE_ENV %q: must be dev, staging, or prod", environment)
	}

	LoadDotEnv(environment)

	var missing []string
	cfg := &Config{
		Environment: environment,
		Ingestion: ServerConfig{
			Host: getEnv("INGESTION_HOST", "0.0.0.0"),
			Port: getEnvInt("INGESTION_PORT", 8070),
		},
		Retrieval: ServerConfig{
			Host: getEnv("RETRIEVAL_HOST", "0.0.0.0"),
			Port: getEnvInt("RETRIEVAL_PORT", 8090),
		},
		Services: ServicesConfig{
			EmbeddingsURL: requireEnv("EMBEDDINGS_SERVICE_URL", &missing),
			RerankURL:     getEnv("RERANK_SERVICE_URL", ""),
			CompressURL:   getEnv("COMPRESS_SERVICE_URL", ""),
			MilvusURL:     requireEnv("MILVUS_URL", &missing),
		},
		Limits: LimitsConfig{
			LLMConcurrency:      getEnvInt("LLM_CONCURRENCY", 20),
			IngestConcurrency:   getEnvInt("INGEST_CONCURRENCY", 10),
			RetrieveConcurrency: getEnvInt("RETRIEVE_CONCURRENCY", 20),
			EmbedConcurrency:    getEnvInt("EMBED_CONCURRENCY", 50),
			MetadataBatchSize:   getEnvInt("METADATA_BATCH_SIZE", 40),
			EmbedBatchSize:      getEnvInt("EMBED_BATCH_SIZE", 100),
		},
		Cache: CacheConfig{
			TTL:  getEnvDuration("CACHE_TTL", time.Hour),
			Size: getEnvInt("CACHE_SIZE", 1000),
		},
		HNSW: HNSWConfig{
			M:              getEnvInt("HNSW_M", 16),
			EfConstruction: getEnvInt("HNSW_EF_CONSTRUCTION", 256),
		},
		Intent: IntentConfig{
			ThresholdReject:   getEnvFloat("CONFIDENCE_THRESHOLD_REJECT", 0.40),
			ThresholdFallback: getEnvFloat("CONFIDENCE_THRESHOLD_FALLBACK", 0.60),
			LearnBatchSize:    getEnvInt("PATTERN_LEARN_BATCH_SIZE", 10),
			AutoApprove:       getEnvFloat("PATTERN_AUTO_APPROVE_THRESHOLD", 0.95),
			LibraryPath:       getEnv("PATTERN_LIBRARY_PATH", "pattern_library.json"),
			LogDir:            getEnv("INTENT_LOG_DIR", "logs"),
			RetentionDays:     getEnvInt("LOG_RETENTION_DAYS", 7),
		},
		Retry: RetryConfig{
			MaxRetries: getEnvInt("MAX_RETRIES", 3),
			BaseDelay:  getEnvDuration("RETRY_BASE_DELAY", time.Second),
			MaxDelay:   getEnvDuration("RETRY_MAX_DELAY", 10*time.Second),
		},
		Timeouts: TimeoutsConfig{
			Health:    getEnvDuration("HEALTH_TIMEOUT", 2*time.Second),
			Embedding: getEnvDuration("EMBEDDING_TIMEOUT", 30*time.Second),
			LLM:       getEnvDuration("LLM_TIMEOUT", 60*time.Second),
			Answer:    getEnvDuration("ANSWER_TIMEOUT", 90*time.Second),
		},
		Pool: PoolConfig{
			MaxIdleConns:        getEnvInt("HTTP_MAX_IDLE_CONNS", 100),
			MaxIdleConnsPerHost: getEnvInt("HTTP_MAX_IDLE_CONNS_PER_HOST", 20),
			MaxConnsPerHost:     getEnvInt("HTTP_MAX_CONNS_PER_HOST", 200),
		},
		Boost:          DefaultBoost(),
		PartitionCount: getEnvInt("TENANT_PARTITIONS", 256),
		ProviderKeys: map[string]string{
			"nebius":    getEnv("NEBIUS_API_KEY", ""),
			"sambanova": getEnv("SAMBANOVA_API_KEY", ""),
			"jina":      getEnv("JINA_API_KEY", ""),
			"openai":    getEnv("OPENAI_API_KEY", ""),
		},
	}

	if len(missing) > 0 {
		return nil, missingError(environment, missing)
	}

	if path := getEnv("PIPELINE_CONFIG_FILE", ""); path != "" {
		if err := cfg.applyOverrides(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// applyOverrides merges a YAML overrides file over the env-derived config.
// String values in the file support ${VAR:-default} expansion.
func (c *Config) applyOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := ExpandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return nil
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	if c.Limits.MetadataBatchSize <= 0 || c.Limits.MetadataBatchSize > 100 {
		return fmt.Errorf("metadata_batch_size must be in 1..100, got %d", c.Limits.MetadataBatchSize)
	}
	if c.Limits.EmbedBatchSize <= 0 || c.Limits.EmbedBatchSize > 100 {
		return fmt.Errorf("embed_batch_size must be in 1..100, got %d", c.Limits.EmbedBatchSize)
	}
	if c.Intent.ThresholdReject < 0 || c.Intent.ThresholdReject > c.Intent.ThresholdFallback {
		return fmt.Errorf("threshold_reject (%v) must be in [0, threshold_fallback=%v]",
			c.Intent.ThresholdReject, c.Intent.ThresholdFallback)
	}
	if c.Boost.MaxTotal <= 0 || c.Boost.MaxTotal > 1 {
		return fmt.Errorf("boost max_total must be in (0,1], got %v", c.Boost.MaxTotal)
	}
	if c.HNSW.M <= 0 || c.HNSW.EfConstruction <= 0 {
		return fmt.Errorf("hnsw parameters must be positive, got M=%d efConstruction=%d",
			c.HNSW.M, c.HNSW.EfConstruction)
	}
	return nil
}
