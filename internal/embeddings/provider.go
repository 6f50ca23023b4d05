// Package embeddings provides embedding generation via multiple providers.
//
// Two providers are supported: "openai" talks to any OpenAI-compatible
// endpoint (OpenAI itself, TEI, Ollama's compat API) through langchaingo,
// and "fastembed" runs local ONNX models in-process (requires CGO).
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for embedding operations.
var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid embedding configuration")

	// ErrProviderFailure indicates the embedding backend failed or is
	// unreachable.
	ErrProviderFailure = errors.New("embedding provider failure")
)

// Provider generates fixed-dimension dense vectors from text. Embeddings are
// deterministic for identical input.
type Provider interface {
	// EmbedDocuments generates embeddings for multiple texts, one vector
	// per input, all with the same dimension.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query. Some models
	// optimize differently for queries vs documents.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding dimension for the current model.
	Dimension() int

	// Close releases resources held by the provider.
	Close() error
}

// Config holds configuration for creating an embedding provider.
type Config struct {
	// Provider is "openai" or "fastembed".
	Provider string
	// Model is the embedding model name.
	Model string
	// BaseURL is the API base URL (openai provider only).
	BaseURL string
	// APIKey is the API key (openai provider only; optional for TEI).
	APIKey string
	// CacheDir is the model download directory (fastembed only).
	CacheDir string
}

// NewProvider creates an embedding provider from config.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIProvider(cfg)
	case "fastembed":
		return NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// detectDimensionFromModel returns the embedding dimension for a model name,
// falling back to 384 for unknown small models.
func detectDimensionFromModel(model string) int {
	if dim, ok := fastEmbedModelDimension(model); ok {
		return dim
	}
	switch {
	case strings.Contains(model, "text-embedding-3-large"):
		return 3072
	case strings.Contains(model, "text-embedding-3-small"), strings.Contains(model, "ada-002"):
		return 1536
	case strings.Contains(model, "large"):
		return 1024
	case strings.Contains(model, "base"):
		return 768
	case strings.Contains(model, "small"), strings.Contains(model, "mini"), strings.Contains(model, "MiniLM"):
		return 384
	default:
		return 384
	}
}
