// Package llm abstracts streaming LLM providers behind a single chunk
// interface. The stream coordinator consumes chunks; the context
// builder produces the messages fed in.
package llm

import (
	"context"
	"encoding/json"

	"github.com/loomlabs/loom/internal/types"
)

// ChunkType tags one streamed event.
type ChunkType string

const (
	ChunkText              ChunkType = "text"
	ChunkThinking          ChunkType = "thinking"
	ChunkThinkingSignature ChunkType = "thinking_signature"
	// ChunkMeta conveys the provider response id once known.
	ChunkMeta ChunkType = "meta"
	// ChunkRawResponse conveys the captured raw payload at stream end.
	ChunkRawResponse ChunkType = "raw_response"
)

// Chunk is one event of a provider stream. Err terminates the stream;
// chunks received before it are still valid partial output.
type Chunk struct {
	Type       ChunkType
	Text       string
	ResponseID string
	Payload    json.RawMessage
	Err        error
}

// Message is one context entry fed to a provider. Either Content or
// Blocks is set; Blocks carry provider-native structure and only appear
// on the raw side of the model break.
type Message struct {
	Role    types.Role
	Content string
	Blocks  []types.Block
}

// Flatten returns the message's plain text.
func (m Message) Flatten() string {
	if len(m.Blocks) > 0 {
		return types.FlattenBlocks(m.Blocks)
	}
	return m.Content
}

// StreamRequest is the input to one streaming completion.
type StreamRequest struct {
	Model    string
	System   string
	Messages []Message

	// Thinking enables extended reasoning where the provider supports
	// it.
	Thinking bool
	// WebSearch enables the provider's search tool where available.
	WebSearch bool
	// PreviousResponseID threads responses-capable providers; ignored
	// by the others.
	PreviousResponseID string
	// MaxTokens caps the completion; 0 means the provider default.
	MaxTokens int
}

// Provider is a streaming completion backend. Stream returns a channel
// that is closed when the stream ends; a Chunk with Err set signals an
// exceptional termination, and partial output preceding it stands.
type Provider interface {
	Name() types.Provider
	Stream(ctx context.Context, req StreamRequest) (<-chan Chunk, error)
}

// chunkBuffer is the bound of every provider's output channel. It gives
// slack between the network reader and the two consumers without
// letting a stalled client buffer a whole response.
const chunkBuffer = 64

// fail closes out a stream with a terminal error chunk.
func fail(ch chan<- Chunk, err error) {
	ch <- Chunk{Err: err}
}
