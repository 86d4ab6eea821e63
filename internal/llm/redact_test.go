package llm

import (
	"testing"

	"github.com/loomlabs/loom/internal/types"
)

func blockTypes(blocks []types.Block) []types.BlockType {
	out := make([]types.BlockType, len(blocks))
	for i, b := range blocks {
		out[i] = b.Type
	}
	return out
}

var signedBlocks = []types.Block{
	{Type: types.BlockThinking, Text: "let me think"},
	{Type: types.BlockThinkingSignature, Signature: "sig-abc"},
	{Type: types.BlockText, Text: "the answer"},
}

var unsignedBlocks = []types.Block{
	{Type: types.BlockThinking, Text: "let me think"},
	{Type: types.BlockText, Text: "the answer"},
}

func TestRedactOpenAIKeepsTextOnly(t *testing.T) {
	got := RedactForContext(types.ProviderOpenAI, signedBlocks)
	if len(got) != 1 || got[0].Type != types.BlockText {
		t.Errorf("Expected text only, got %v", blockTypes(got))
	}
}

func TestRedactGeminiDropsThinkingKeepsSignature(t *testing.T) {
	got := RedactForContext(types.ProviderGemini, signedBlocks)
	if len(got) != 2 || got[0].Type != types.BlockThinkingSignature || got[1].Type != types.BlockText {
		t.Errorf("Expected signature+text, got %v", blockTypes(got))
	}
}

func TestRedactAnthropicSignatureGated(t *testing.T) {
	// With a signature: thinking text goes.
	got := RedactForContext(types.ProviderAnthropic, signedBlocks)
	if len(got) != 2 || got[0].Type != types.BlockThinkingSignature || got[1].Type != types.BlockText {
		t.Errorf("Expected signature+text for signed blocks, got %v", blockTypes(got))
	}

	// Without a signature: thinking passes verbatim.
	got = RedactForContext(types.ProviderAnthropic, unsignedBlocks)
	if len(got) != 2 || got[0].Type != types.BlockThinking {
		t.Errorf("Expected unsigned thinking kept, got %v", blockTypes(got))
	}
}

func TestRedactResponsesVariantMatchesAnthropicRule(t *testing.T) {
	got := RedactForContext(types.ProviderOpenAIResponses, signedBlocks)
	if len(got) != 2 || got[0].Type != types.BlockThinkingSignature {
		t.Errorf("Expected the signature-gated rule, got %v", blockTypes(got))
	}
}

func TestRedactUnknownProviderStrictest(t *testing.T) {
	got := RedactForContext("mystery", signedBlocks)
	if len(got) != 1 || got[0].Type != types.BlockText {
		t.Errorf("Expected text only for unknown providers, got %v", blockTypes(got))
	}
}

func TestRedactDoesNotMutateInput(t *testing.T) {
	in := append([]types.Block(nil), signedBlocks...)
	_ = RedactForContext(types.ProviderOpenAI, in)
	if len(in) != 3 {
		t.Error("Expected the input slice untouched")
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"12345678", 2},
	}
	for _, tc := range cases {
		if got := EstimateTokens(tc.text); got != tc.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestMessageFlatten(t *testing.T) {
	m := Message{Role: types.RoleAssistant, Blocks: signedBlocks}
	if got := m.Flatten(); got != "let me thinkthe answer" {
		t.Errorf("Flatten() = %q", got)
	}
	m = Message{Role: types.RoleUser, Content: "plain"}
	if got := m.Flatten(); got != "plain" {
		t.Errorf("Flatten() = %q", got)
	}
}
