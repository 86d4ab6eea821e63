package llm

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// EstimateTokens is the budgeting estimator: ceil(chars/4). It is
// deliberately cheap and provider-agnostic; the context builder uses it
// for every budget decision so that budgets are stable across
// providers.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// TokenCounter counts tokens for one encoding. Use it where an accurate
// count matters (usage reporting), not for context budgeting.
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter builds a counter for the given tiktoken encoding,
// e.g. "cl100k_base".
func NewTokenCounter(encoding string) (*TokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", encoding, err)
	}
	return &TokenCounter{enc: enc}, nil
}

// Count returns the exact token count of text under the counter's
// encoding.
func (c *TokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}
