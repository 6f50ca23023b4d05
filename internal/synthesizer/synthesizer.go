// Package synthesizer generates answers from a query and retrieved context.
package synthesizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for generation.
var (
	// ErrGenerationFailed indicates the language model failed or is
	// unreachable.
	ErrGenerationFailed = errors.New("generation failed")

	// ErrEmptyQuery indicates an empty query.
	ErrEmptyQuery = errors.New("empty query")
)

// StreamFunc receives answer fragments in production order. Returning an
// error cancels the stream.
type StreamFunc func(ctx context.Context, fragment []byte) error

// Synthesizer produces an answer conditioned on retrieved passages.
type Synthesizer interface {
	// Generate returns the complete answer.
	Generate(ctx context.Context, query string, passages []string) (string, error)

	// GenerateStream forwards fragments to fn as they are produced. The
	// sequence is finite, ordered, and single-pass. Backends without
	// streaming support emit the complete answer as one fragment.
	GenerateStream(ctx context.Context, query string, passages []string, fn StreamFunc) error
}

// buildPrompt assembles the grounding prompt: retrieved passages first,
// then the question. Compact single-prompt style, no chat scaffolding.
func buildPrompt(query string, passages []string) string {
	var sb strings.Builder
	sb.WriteString("Context information is below.\n---------------------\n")
	for i, p := range passages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(p)
	}
	sb.WriteString("\n---------------------\n")
	sb.WriteString("Given the context information and not prior knowledge, answer the question.\n")
	fmt.Fprintf(&sb, "Question: %s\nAnswer: ", query)
	return sb.String()
}
