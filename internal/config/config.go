// Package config provides configuration loading for datasheetd.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables. Every setting has a sensible default so the daemon starts
// without any configuration at all.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig indicates a configuration value that failed validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete datasheetd configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Index       IndexConfig       `koanf:"index"`
	Corpus      CorpusConfig      `koanf:"corpus"`
	Embedding   EmbeddingConfig   `koanf:"embedding"`
	Synthesizer SynthesizerConfig `koanf:"synthesizer"`
	Cache       CacheConfig       `koanf:"cache"`
	Retrieval   RetrievalConfig   `koanf:"retrieval"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// RateLimit is the sustained request rate per second. Zero disables
	// rate limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, console
}

// IndexConfig holds vector index persistence configuration.
type IndexConfig struct {
	// Path is the snapshot root directory. Snapshots are published inside
	// it via an atomically renamed CURRENT pointer.
	Path string `koanf:"path"`
}

// CorpusConfig holds document corpus configuration.
type CorpusConfig struct {
	// DatasheetDir holds reference datasheets ingested at build time.
	DatasheetDir string `koanf:"datasheet_dir"`
	// LearnedDir holds learned interaction files. It is also re-ingested
	// on a full rebuild.
	LearnedDir   string `koanf:"learned_dir"`
	ChunkSize    int    `koanf:"chunk_size"`
	ChunkOverlap int    `koanf:"chunk_overlap"`
	// Watch enables hot ingestion of files dropped into DatasheetDir.
	Watch bool `koanf:"watch"`
}

// EmbeddingConfig holds embedding provider configuration.
type EmbeddingConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint, including TEI)
	// or "fastembed" (local ONNX models, requires CGO).
	Provider string `koanf:"provider"`
	BaseURL  string `koanf:"base_url"`
	Model    string `koanf:"model"`
	APIKey   Secret `koanf:"api_key"`
	// CacheDir is the model download directory (fastembed only).
	CacheDir string `koanf:"cache_dir"`
}

// SynthesizerConfig holds LLM generation configuration.
type SynthesizerConfig struct {
	BaseURL     string  `koanf:"base_url"`
	Model       string  `koanf:"model"`
	Temperature float64 `koanf:"temperature"`
	// Timeout bounds a single generation. Exceeding it surfaces as a
	// generation-timeout error, never as a hung request.
	Timeout Duration `koanf:"timeout"`
}

// CacheConfig holds query cache configuration.
type CacheConfig struct {
	Enabled bool     `koanf:"enabled"`
	Addr    string   `koanf:"addr"`
	DB      int      `koanf:"db"`
	TTL     Duration `koanf:"ttl"`
}

// RetrievalConfig holds retriever defaults.
type RetrievalConfig struct {
	TopK int `koanf:"top_k"`
	// Alpha blends dense similarity against the sparse lexical signal:
	// final = alpha*dense + (1-alpha)*sparse.
	Alpha float64 `koanf:"alpha"`
}

// applyDefaults fills in zero values with defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Index.Path == "" {
		cfg.Index.Path = "data/index"
	}
	if cfg.Corpus.DatasheetDir == "" {
		cfg.Corpus.DatasheetDir = "data/datasheets"
	}
	if cfg.Corpus.LearnedDir == "" {
		cfg.Corpus.LearnedDir = "data/datasheets/learned"
	}
	if cfg.Corpus.ChunkSize == 0 {
		cfg.Corpus.ChunkSize = 512
	}
	if cfg.Corpus.ChunkOverlap == 0 {
		cfg.Corpus.ChunkOverlap = 20
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "openai"
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = "http://localhost:8080/v1"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "sentence-transformers/all-MiniLM-L6-v2"
	}
	if cfg.Synthesizer.BaseURL == "" {
		cfg.Synthesizer.BaseURL = "http://localhost:11434"
	}
	if cfg.Synthesizer.Model == "" {
		cfg.Synthesizer.Model = "llama3"
	}
	if cfg.Synthesizer.Temperature == 0 {
		cfg.Synthesizer.Temperature = 0.5
	}
	if cfg.Synthesizer.Timeout == 0 {
		cfg.Synthesizer.Timeout = Duration(10 * time.Second)
	}
	if cfg.Cache.Addr == "" {
		cfg.Cache.Addr = "localhost:6379"
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = Duration(time.Hour)
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 15
	}
	if cfg.Retrieval.Alpha == 0 {
		cfg.Retrieval.Alpha = 0.8
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Logging.Format)
	}
	switch c.Embedding.Provider {
	case "openai", "fastembed":
	default:
		return fmt.Errorf("%w: unknown embedding provider %q", ErrInvalidConfig, c.Embedding.Provider)
	}
	if c.Corpus.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive", ErrInvalidConfig)
	}
	if c.Corpus.ChunkOverlap < 0 || c.Corpus.ChunkOverlap >= c.Corpus.ChunkSize {
		return fmt.Errorf("%w: chunk overlap must be in [0, chunk_size)", ErrInvalidConfig)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("%w: top_k must be positive", ErrInvalidConfig)
	}
	if c.Retrieval.Alpha < 0 || c.Retrieval.Alpha > 1 {
		return fmt.Errorf("%w: alpha must be in [0,1]", ErrInvalidConfig)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("%w: rate limit cannot be negative", ErrInvalidConfig)
	}
	return nil
}
