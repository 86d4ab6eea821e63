package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/loomlabs/loom/internal/types"
)

const defaultAnthropicMaxTokens = 8192

// AnthropicProvider streams through the official SDK.
type AnthropicProvider struct {
	apiKey string
}

func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{apiKey: apiKey}
}

func (p *AnthropicProvider) Name() types.Provider { return types.ProviderAnthropic }

func (p *AnthropicProvider) Stream(ctx context.Context, req StreamRequest) (<-chan Chunk, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("%w: anthropic API key not configured", types.ErrInvalidArgument)
	}

	client := anthropic.NewClient(option.WithAPIKey(p.apiKey))

	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  anthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Thinking {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(maxTokens / 2)
	}
	if req.WebSearch {
		params.Tools = []anthropic.ToolUnionParam{{
			OfWebSearchTool20250305: &anthropic.WebSearchTool20250305Param{},
		}}
	}

	out := make(chan Chunk, chunkBuffer)
	go func() {
		defer close(out)

		stream := client.Messages.NewStreaming(ctx, params)
		acc := anthropic.Message{}
		sentMeta := false
		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				fail(out, fmt.Errorf("failed to accumulate event: %w", err))
				return
			}
			if !sentMeta && acc.ID != "" {
				sentMeta = true
				out <- Chunk{Type: ChunkMeta, ResponseID: acc.ID}
			}

			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					out <- Chunk{Type: ChunkText, Text: delta.Text}
				case anthropic.ThinkingDelta:
					out <- Chunk{Type: ChunkThinking, Text: delta.Thinking}
				case anthropic.SignatureDelta:
					out <- Chunk{Type: ChunkThinkingSignature, Text: delta.Signature}
				}
			}
		}
		if err := stream.Err(); err != nil {
			fail(out, fmt.Errorf("anthropic stream failed: %w", err))
			return
		}

		raw, err := json.Marshal(acc)
		if err != nil {
			fail(out, fmt.Errorf("failed to capture raw response: %w", err))
			return
		}
		out <- Chunk{Type: ChunkRawResponse, Payload: raw}
	}()
	return out, nil
}

func anthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		if len(m.Blocks) > 0 {
			blocks = anthropicBlocks(m.Blocks)
		} else {
			blocks = []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)}
		}
		switch m.Role {
		case types.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			// System segments are carried in the preamble; anything
			// else plays back as a user message.
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

// anthropicBlocks rebuilds provider-native blocks from stored ones.
// Thinking text and its signature recombine into one thinking block so
// the provider accepts the replay.
func anthropicBlocks(blocks []types.Block) []anthropic.ContentBlockParamUnion {
	var out []anthropic.ContentBlockParamUnion
	var pendingThinking string
	for _, b := range blocks {
		switch b.Type {
		case types.BlockThinking:
			pendingThinking = b.Text
		case types.BlockThinkingSignature:
			out = append(out, anthropic.NewThinkingBlock(b.Signature, pendingThinking))
			pendingThinking = ""
		case types.BlockText:
			out = append(out, anthropic.NewTextBlock(b.Text))
		}
	}
	return out
}
