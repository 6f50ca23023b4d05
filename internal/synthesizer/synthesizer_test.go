package synthesizer

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPrompt(t *testing.T) {
	prompt := buildPrompt("what is the dropout voltage?", []string{
		"The LM317 dropout is about 1.5V.",
		"Ripple rejection is 80dB.",
	})

	assert.Contains(t, prompt, "The LM317 dropout is about 1.5V.")
	assert.Contains(t, prompt, "Ripple rejection is 80dB.")
	assert.Contains(t, prompt, "Question: what is the dropout voltage?")
	// Passages precede the question.
	assert.Less(t,
		strings.Index(prompt, "dropout is about"),
		strings.Index(prompt, "Question:"))
}

func TestBuildPromptNoPassages(t *testing.T) {
	prompt := buildPrompt("hi", nil)
	assert.Contains(t, prompt, "Question: hi")
}

func TestNewOllamaRequiresModel(t *testing.T) {
	_, err := NewOllama(Config{}, nil)
	assert.Error(t, err)
}

func TestOllamaRejectsEmptyQuery(t *testing.T) {
	o, err := NewOllama(Config{Model: "llama3"}, nil)
	require.NoError(t, err)

	_, err = o.Generate(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrEmptyQuery)

	err = o.GenerateStream(context.Background(), "", nil, func(context.Context, []byte) error { return nil })
	assert.ErrorIs(t, err, ErrEmptyQuery)
}
