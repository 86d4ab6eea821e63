package turn

import (
	"encoding/json"
	"strings"

	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/internal/types"
)

// accumulator assembles the persisted assistant node from the chunk
// stream: consecutive deltas of one kind coalesce into a single block,
// matching how providers frame their output.
type accumulator struct {
	blocks     []types.Block
	text       strings.Builder
	responseID string
	raw        json.RawMessage
}

func newAccumulator() *accumulator {
	return &accumulator{}
}

func (a *accumulator) add(chunk llm.Chunk) {
	switch chunk.Type {
	case llm.ChunkText:
		a.text.WriteString(chunk.Text)
		a.appendDelta(types.BlockText, chunk.Text)
	case llm.ChunkThinking:
		a.appendDelta(types.BlockThinking, chunk.Text)
	case llm.ChunkThinkingSignature:
		a.blocks = append(a.blocks, types.Block{
			Type:      types.BlockThinkingSignature,
			Signature: chunk.Text,
		})
	case llm.ChunkMeta:
		if chunk.ResponseID != "" {
			a.responseID = chunk.ResponseID
		}
	case llm.ChunkRawResponse:
		a.raw = chunk.Payload
	}
}

func (a *accumulator) appendDelta(kind types.BlockType, text string) {
	if n := len(a.blocks); n > 0 && a.blocks[n-1].Type == kind {
		a.blocks[n-1].Text += text
		return
	}
	a.blocks = append(a.blocks, types.Block{Type: kind, Text: text})
}

func (a *accumulator) content() string {
	return a.text.String()
}
