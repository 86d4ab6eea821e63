// Package contextbuild projects a ref's history into an LLM-ready
// message sequence under a token budget, honoring the model break and
// provider redaction rules.
package contextbuild

import (
	"context"
	"fmt"

	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/internal/types"
)

const (
	// DefaultLimit is the history tail length fed to the builder.
	DefaultLimit = 40
	// DefaultTokenLimit is the overall context budget.
	DefaultTokenLimit = 8000
)

const basePreamble = `You are the assistant on a branchable reasoning workspace. ` +
	`Conversation history may include merged summaries from sibling branches; treat them as established context.`

const canvasToolSegment = ` A shared canvas document accompanies this conversation; when asked to edit it, produce the full revised document.`

const hiddenCanvasSegment = ` Some user messages are hidden canvas updates; treat their content as the authoritative current canvas.`

// Options tune one build.
type Options struct {
	// Limit bounds the history tail; <= 0 means DefaultLimit.
	Limit int
	// TokenLimit bounds the whole context; <= 0 means DefaultTokenLimit.
	TokenLimit int
	// CanvasTools adds the canvas instruction segment.
	CanvasTools bool
	// MergeSummaryRole attributes synthesized merge summaries; empty
	// means assistant.
	MergeSummaryRole types.Role
	// Counter, when set, replaces the cheap chars/4 estimator with an
	// exact tokenizer for budget decisions.
	Counter *llm.TokenCounter
}

// Result is the assembled context.
type Result struct {
	System   string
	Messages []llm.Message
}

// Builder assembles context from storage.
type Builder struct {
	store storage.Storage
}

func New(store storage.Storage) *Builder {
	return &Builder{store: store}
}

// Build reads the ref's tail and assembles the context. Budgeting never
// reorders: a node that does not fit is dropped and iteration goes on.
func (b *Builder) Build(ctx context.Context, projectID, refID string, opts Options) (*Result, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	tokenLimit := opts.TokenLimit
	if tokenLimit <= 0 {
		tokenLimit = DefaultTokenLimit
	}
	summaryRole := opts.MergeSummaryRole
	if summaryRole == "" {
		summaryRole = types.RoleAssistant
	}
	cost := llm.EstimateTokens
	if opts.Counter != nil {
		cost = opts.Counter.Count
	}

	ref, err := b.store.GetRef(ctx, projectID, refID)
	if err != nil {
		return nil, err
	}
	entries, err := b.store.GetHistory(ctx, storage.HistoryQuery{
		ProjectID:          projectID,
		RefID:              refID,
		Limit:              limit,
		BeforeOrdinal:      -1,
		IncludeRawResponse: true,
	})
	if err != nil {
		return nil, err
	}

	bindings, err := b.refBindings(ctx, projectID)
	if err != nil {
		return nil, err
	}
	canonical := canonicalMask(entries, ref, bindings)

	system := basePreamble
	if opts.CanvasTools {
		system += canvasToolSegment
	}
	if hasHiddenCanvasUpdates(entries) {
		system += hiddenCanvasSegment
	}

	budget := tokenLimit - cost(system)
	result := &Result{System: system}
	if budget <= 0 {
		// The preamble alone exhausts the budget; still return it.
		return result, nil
	}

	for i, entry := range entries {
		node := entry.Node
		switch node.Kind {
		case types.NodeMessage:
			if node.UIHidden {
				continue
			}
			if node.Role != types.RoleUser && node.Role != types.RoleAssistant {
				continue
			}
			msg := renderMessage(node, ref.Provider, canonical[i])
			need := cost(msg.Flatten())
			if need > budget {
				continue
			}
			budget -= need
			result.Messages = append(result.Messages, msg)

		case types.NodeMerge:
			summary := llm.Message{
				Role:    summaryRole,
				Content: fmt.Sprintf("Merge summary from %s: %s", node.MergeFrom, node.MergeSummary),
			}
			if need := cost(summary.Content); need <= budget {
				budget -= need
				result.Messages = append(result.Messages, summary)
			}
			if node.MergedAssistantContent != "" {
				carried := llm.Message{Role: types.RoleAssistant, Content: node.MergedAssistantContent}
				if need := cost(carried.Content); need <= budget {
					budget -= need
					result.Messages = append(result.Messages, carried)
				}
			}
			// The canvas diff is deliberately not replayed here.

		default:
			// state nodes and unknown kinds stay out of context.
		}
	}
	return result, nil
}

// refBindings maps ref names to their (provider, model) binding.
func (b *Builder) refBindings(ctx context.Context, projectID string) (map[string][2]string, error) {
	infos, err := b.store.ListRefs(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make(map[string][2]string, len(infos))
	for _, info := range infos {
		out[info.Name] = [2]string{string(info.Provider), info.Model}
	}
	return out, nil
}

// canonicalMask flags nodes that must be replayed as canonical text.
// Walking newest to oldest, the flag flips at the first assistant node
// created under a binding different from the ref's and stays on for
// everything older. Nodes whose origin ref is gone count as a break.
func canonicalMask(entries []*types.HistoryEntry, ref *types.Ref, bindings map[string][2]string) []bool {
	mask := make([]bool, len(entries))
	current := [2]string{string(ref.Provider), ref.Model}

	flipped := false
	for i := len(entries) - 1; i >= 0; i-- {
		node := entries[i].Node
		if !flipped && node.Kind == types.NodeMessage && node.Role == types.RoleAssistant {
			origin, known := bindings[entries[i].CreatedOnRef]
			if !known || origin != current {
				flipped = true
			}
		}
		mask[i] = flipped
	}
	return mask
}

// renderMessage produces the context message for one node: canonical
// text past the model break, redacted provider blocks before it.
func renderMessage(node *types.Node, provider types.Provider, canonical bool) llm.Message {
	if canonical || len(node.Blocks) == 0 {
		content := node.Content
		if content == "" {
			content = types.FlattenBlocks(node.Blocks)
		}
		return llm.Message{Role: node.Role, Content: content}
	}
	return llm.Message{Role: node.Role, Blocks: llm.RedactForContext(provider, node.Blocks)}
}

func hasHiddenCanvasUpdates(entries []*types.HistoryEntry) bool {
	for _, e := range entries {
		if e.Node.Kind == types.NodeMessage && e.Node.UIHidden {
			return true
		}
	}
	return false
}
