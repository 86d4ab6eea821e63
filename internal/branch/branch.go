// Package branch implements the branching and merging policy on top of
// the storage primitives: provider binding inheritance, response-id
// propagation, and the assembly of ours-merge nodes.
package branch

import (
	"context"
	"time"

	"github.com/loomlabs/loom/internal/canvas"
	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/internal/types"
)

// defaultModels is the per-provider fallback when a caller rebinds a
// branch to a new provider without naming a model.
var defaultModels = map[types.Provider]string{
	types.ProviderAnthropic:       "claude-sonnet-4-5",
	types.ProviderOpenAI:          "gpt-4o",
	types.ProviderOpenAIResponses: "gpt-4o",
	types.ProviderGemini:          "gemini-2.5-flash",
}

// Engine owns branch creation and ours merges.
type Engine struct {
	store  storage.Storage
	canvas *canvas.Engine

	// mergeSummaryRole is the role merge summaries are attributed to in
	// context assembly; kept here so merge nodes and context agree.
	mergeSummaryRole types.Role
}

func New(store storage.Storage, canvasEngine *canvas.Engine, mergeSummaryRole types.Role) *Engine {
	if mergeSummaryRole == "" {
		mergeSummaryRole = types.RoleAssistant
	}
	return &Engine{store: store, canvas: canvasEngine, mergeSummaryRole: mergeSummaryRole}
}

// MergeSummaryRole returns the configured attribution role.
func (e *Engine) MergeSummaryRole() types.Role { return e.mergeSummaryRole }

// CreateRequest describes a branch creation. Provider and Model are
// optional; empty values inherit from the source ref.
type CreateRequest struct {
	ProjectID   string
	SourceRefID string
	NewName     string
	UserID      string
	Provider    types.Provider
	Model       string
}

// bind resolves the new ref's (provider, model) from the request and
// the source binding.
func bind(req CreateRequest, source *types.Ref) (types.Provider, string) {
	provider := req.Provider
	if provider == "" {
		provider = source.Provider
	}
	model := req.Model
	if model == "" {
		if provider == source.Provider {
			model = source.Model
		} else {
			model = defaultModels[provider]
		}
	}
	return provider, model
}

// propagatedResponseID applies the continuation rule: the response id
// crosses a branch point only when both bindings are responses-capable
// and the lineage actually carries one.
func propagatedResponseID(sourceProvider, newProvider types.Provider, lineageID string) string {
	if sourceProvider.ResponsesCapable() && newProvider.ResponsesCapable() {
		return lineageID
	}
	return ""
}

// CreateFromRef forks the source ref at its tip: full shared history,
// divergence only on subsequent appends.
func (e *Engine) CreateFromRef(ctx context.Context, req CreateRequest) (*storage.BranchResult, error) {
	source, err := e.store.GetRef(ctx, req.ProjectID, req.SourceRefID)
	if err != nil {
		return nil, err
	}
	provider, model := bind(req, source)

	return e.store.CreateRefFromRef(ctx, storage.BranchParams{
		ProjectID:          req.ProjectID,
		SourceRefID:        req.SourceRefID,
		NewName:            req.NewName,
		UserID:             req.UserID,
		Provider:           provider,
		Model:              model,
		PreviousResponseID: propagatedResponseID(source.Provider, provider, source.PreviousResponseID),
	})
}

// CreateFromNode forks the source ref just before nodeID: the
// "answer differently from here" flow. The inherited response id is the
// one on the newest assistant node of the copied prefix, when the
// continuation rule allows it.
func (e *Engine) CreateFromNode(ctx context.Context, req CreateRequest, nodeID string) (*storage.BranchResult, error) {
	source, err := e.store.GetRef(ctx, req.ProjectID, req.SourceRefID)
	if err != nil {
		return nil, err
	}
	provider, model := bind(req, source)

	res, err := e.store.CreateRefFromNode(ctx, storage.BranchParams{
		ProjectID:   req.ProjectID,
		SourceRefID: req.SourceRefID,
		NewName:     req.NewName,
		UserID:      req.UserID,
		Provider:    provider,
		Model:       model,
	}, nodeID)
	if err != nil {
		return nil, err
	}

	if source.Provider.ResponsesCapable() && provider.ResponsesCapable() && res.BaseOrdinal >= 0 {
		lineageID, err := e.prefixResponseID(ctx, req.ProjectID, res.RefID)
		if err != nil {
			return nil, err
		}
		if lineageID != "" {
			if err := e.store.SetRefResponseID(ctx, req.ProjectID, res.RefID, lineageID); err != nil {
				return nil, err
			}
		}
	}
	return res, nil
}

// prefixResponseID finds the response id of the newest assistant node
// on the ref, or "".
func (e *Engine) prefixResponseID(ctx context.Context, projectID, refID string) (string, error) {
	entries, err := e.store.GetHistory(ctx, storage.HistoryQuery{
		ProjectID:     projectID,
		RefID:         refID,
		BeforeOrdinal: -1,
	})
	if err != nil {
		return "", err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		node := entries[i].Node
		if node.Kind == types.NodeMessage && node.Role == types.RoleAssistant && node.ResponseID != "" {
			return node.ResponseID, nil
		}
	}
	return "", nil
}

// MergeRequest describes an ours merge.
type MergeRequest struct {
	ProjectID   string
	TargetRefID string
	SourceRefID string
	UserID      string
	Session     string
	Summary     string
	// IncludeAssistant carries the source's last assistant content into
	// the merge node for context replay.
	IncludeAssistant bool
	// IncludeCanvasDiff records the source-vs-target canvas diff on the
	// merge node.
	IncludeCanvasDiff bool
	Message           string
	LockTimeout       time.Duration
}

// MergeOurs assembles and records a structural merge: source-exclusive
// node ids, optional last assistant payload, optional canvas diff. The
// target's content is never touched.
func (e *Engine) MergeOurs(ctx context.Context, req MergeRequest) (*storage.MergeResult, error) {
	sourceNodeIDs, err := e.store.NodesOnRefSince(ctx, req.ProjectID, req.SourceRefID, req.TargetRefID)
	if err != nil {
		return nil, err
	}

	node := &types.Node{
		Kind:          types.NodeMerge,
		MergeSummary:  req.Summary,
		SourceNodeIDs: sourceNodeIDs,
	}

	if req.IncludeAssistant {
		for i := len(sourceNodeIDs) - 1; i >= 0; i-- {
			n, err := e.store.GetNode(ctx, req.ProjectID, sourceNodeIDs[i])
			if err != nil {
				return nil, err
			}
			if n.Kind == types.NodeMessage && n.Role == types.RoleAssistant {
				node.MergedAssistantNodeID = n.ID
				node.MergedAssistantContent = n.Content
				if node.MergedAssistantContent == "" {
					node.MergedAssistantContent = types.FlattenBlocks(n.Blocks)
				}
				break
			}
		}
	}

	if req.IncludeCanvasDiff && e.canvas != nil {
		diff, err := e.canvas.Diff(ctx, req.ProjectID, req.SourceRefID, req.TargetRefID)
		if err != nil {
			return nil, err
		}
		node.CanvasDiff = diff
	}

	return e.store.MergeOurs(ctx, storage.MergeParams{
		ProjectID:   req.ProjectID,
		TargetRefID: req.TargetRefID,
		SourceRefID: req.SourceRefID,
		UserID:      req.UserID,
		Session:     req.Session,
		MergeNode:   node,
		Message:     req.Message,
		LockTimeout: req.LockTimeout,
	})
}
