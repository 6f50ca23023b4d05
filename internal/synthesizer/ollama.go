package synthesizer

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.uber.org/zap"
)

// Config holds Ollama synthesizer configuration.
type Config struct {
	// BaseURL is the Ollama server URL.
	BaseURL string
	// Model is the generation model name.
	Model string
	// Temperature controls sampling randomness.
	Temperature float64
}

// Ollama generates answers with a local Ollama model via langchaingo.
type Ollama struct {
	llm         *ollama.LLM
	temperature float64
	logger      *zap.Logger
}

var _ Synthesizer = (*Ollama)(nil)

// NewOllama creates an Ollama-backed synthesizer. Construction does not
// dial; an unreachable server surfaces on first generation.
func NewOllama(cfg Config, logger *zap.Logger) (*Ollama, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating ollama client: %w", err)
	}

	return &Ollama{
		llm:         llm,
		temperature: cfg.Temperature,
		logger:      logger,
	}, nil
}

// Generate returns the complete answer for a query over the passages.
func (o *Ollama) Generate(ctx context.Context, query string, passages []string) (string, error) {
	if query == "" {
		return "", ErrEmptyQuery
	}

	answer, err := llms.GenerateFromSinglePrompt(ctx, o.llm, buildPrompt(query, passages),
		llms.WithTemperature(o.temperature),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return answer, nil
}

// GenerateStream forwards model fragments to fn in production order with no
// added buffering.
func (o *Ollama) GenerateStream(ctx context.Context, query string, passages []string, fn StreamFunc) error {
	if query == "" {
		return ErrEmptyQuery
	}

	_, err := llms.GenerateFromSinglePrompt(ctx, o.llm, buildPrompt(query, passages),
		llms.WithTemperature(o.temperature),
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			return fn(ctx, chunk)
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return nil
}
