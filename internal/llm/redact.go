package llm

import "github.com/loomlabs/loom/internal/types"

// RedactForContext translates a stored assistant block list into the
// blocks a provider may see again. Signatures are continuity data for
// the provider only; thinking text is dropped whenever a signed variant
// exists, so cross-turn context never replays unsigned reasoning.
func RedactForContext(provider types.Provider, blocks []types.Block) []types.Block {
	switch provider {
	case types.ProviderOpenAI:
		// Plain chat-completions: text only.
		return filterBlocks(blocks, func(b types.Block) bool {
			return b.Type == types.BlockText
		})
	case types.ProviderGemini:
		// Thinking text is dropped; its signature and the final text
		// survive.
		return filterBlocks(blocks, func(b types.Block) bool {
			return b.Type != types.BlockThinking
		})
	case types.ProviderAnthropic, types.ProviderOpenAIResponses:
		// Signature-gated: once any signature exists, thinking text is
		// redundant and stripped. Unsigned thinking passes verbatim.
		if hasSignature(blocks) {
			return filterBlocks(blocks, func(b types.Block) bool {
				return b.Type != types.BlockThinking
			})
		}
		return blocks
	default:
		// Unknown providers fall back to the strictest rule.
		return filterBlocks(blocks, func(b types.Block) bool {
			return b.Type == types.BlockText
		})
	}
}

func hasSignature(blocks []types.Block) bool {
	for _, b := range blocks {
		if b.Type == types.BlockThinkingSignature {
			return true
		}
	}
	return false
}

func filterBlocks(blocks []types.Block, keep func(types.Block) bool) []types.Block {
	var out []types.Block
	for _, b := range blocks {
		if keep(b) {
			out = append(out, b)
		}
	}
	return out
}
