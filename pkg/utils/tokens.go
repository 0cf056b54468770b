// Package utils provides token counting and filesystem helpers shared across
// the control plane.
package utils

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter provides token counting for prompt assembly and budget checks.
// All supported models approximate well with the GPT-4 encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a token counter. The model name is advisory; every
// provider in the routing table is counted with the GPT-4 encoding.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// Count returns the number of tokens in text, falling back to a 4-chars-per-
// token estimate if the codec is unavailable.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// WithinLimit reports whether text fits in limit tokens.
func (tc *TokenCounter) WithinLimit(text string, limit int) bool {
	return tc.Count(text) <= limit
}

// Truncate trims text to roughly fit the token limit. Character-proportional,
// not token-exact; callers use it for context assembly, never for patches.
func (tc *TokenCounter) Truncate(text string, limit int) string {
	current := tc.Count(text)
	if current <= limit {
		return text
	}
	ratio := float64(limit) / float64(current)
	charLimit := int(float64(len(text)) * ratio * 0.9)
	if charLimit >= len(text) {
		return text
	}
	return text[:charLimit] + "\n...[trimmed]"
}

// CountSimple counts tokens without constructing a TokenCounter.
func CountSimple(text string) int {
	counter, err := NewTokenCounter("gpt-4")
	if err != nil {
		return len(text) / 4
	}
	return counter.Count(text)
}
