package llm

import (
	"fmt"

	"github.com/loomlabs/loom/internal/types"
)

// Registry maps provider names to configured adapters.
type Registry struct {
	providers map[types.Provider]Provider
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[types.Provider]Provider)}
}

// Register adds or replaces a provider adapter.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get resolves a provider by name.
func (r *Registry) Get(name types.Provider) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", types.ErrInvalidArgument, name)
	}
	return p, nil
}

// Keys holds per-provider API keys. The core does not manage secrets;
// callers resolve these from wherever they keep them.
type Keys struct {
	Anthropic string
	OpenAI    string
	Gemini    string
}

// DefaultRegistry wires the four stock adapters with the given keys.
// Providers whose key is empty are still registered; they fail at
// stream time, not at lookup time.
func DefaultRegistry(keys Keys) *Registry {
	r := NewRegistry()
	r.Register(NewAnthropicProvider(keys.Anthropic))
	r.Register(NewOpenAIProvider(keys.OpenAI))
	r.Register(NewResponsesProvider(keys.OpenAI))
	r.Register(NewGeminiProvider(keys.Gemini))
	return r
}
