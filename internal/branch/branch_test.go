package branch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loomlabs/loom/internal/canvas"
	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/internal/storage/sqlite"
	"github.com/loomlabs/loom/internal/types"
)

func setupTestEngine(t *testing.T) (*Engine, *sqlite.SQLiteStorage, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "loom-branch-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	store, err := sqlite.New(context.Background(), filepath.Join(tmpDir, "test.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create storage: %v", err)
	}
	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
	return New(store, canvas.New(store), types.RoleAssistant), store, cleanup
}

func createProject(t *testing.T, store *sqlite.SQLiteStorage, provider types.Provider, model string) (*types.Project, *types.Ref) {
	t.Helper()
	project, err := store.CreateProject(context.Background(), "branch-test", "", "alice", provider, model)
	if err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	trunk, err := store.GetRefByName(context.Background(), project.ID, types.TrunkName)
	if err != nil {
		t.Fatalf("GetRefByName failed: %v", err)
	}
	return project, trunk
}

func appendTurn(t *testing.T, store *sqlite.SQLiteStorage, projectID, refID string, role types.Role, content, responseID string) *storage.AppendResult {
	t.Helper()
	res, err := store.AppendNode(context.Background(), storage.AppendParams{
		ProjectID: projectID,
		RefID:     refID,
		UserID:    "alice",
		Node: &types.Node{
			Kind:       types.NodeMessage,
			Role:       role,
			Content:    content,
			ResponseID: responseID,
		},
	})
	if err != nil {
		t.Fatalf("AppendNode failed: %v", err)
	}
	return res
}

func TestCreateFromRefInheritsBinding(t *testing.T) {
	engine, store, cleanup := setupTestEngine(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := createProject(t, store, types.ProviderAnthropic, "claude-sonnet-4-5")

	res, err := engine.CreateFromRef(ctx, CreateRequest{
		ProjectID: project.ID, SourceRefID: trunk.ID, NewName: "same", UserID: "alice",
	})
	if err != nil {
		t.Fatalf("CreateFromRef failed: %v", err)
	}
	ref, err := store.GetRef(ctx, project.ID, res.RefID)
	if err != nil {
		t.Fatalf("GetRef failed: %v", err)
	}
	if ref.Provider != types.ProviderAnthropic || ref.Model != "claude-sonnet-4-5" {
		t.Errorf("Expected the source binding inherited, got %s/%s", ref.Provider, ref.Model)
	}
}

func TestCreateFromRefSameProviderDefaultsModel(t *testing.T) {
	engine, store, cleanup := setupTestEngine(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := createProject(t, store, types.ProviderAnthropic, "claude-sonnet-4-5")

	res, err := engine.CreateFromRef(ctx, CreateRequest{
		ProjectID: project.ID, SourceRefID: trunk.ID, NewName: "same-provider",
		UserID: "alice", Provider: types.ProviderAnthropic,
	})
	if err != nil {
		t.Fatalf("CreateFromRef failed: %v", err)
	}
	ref, err := store.GetRef(ctx, project.ID, res.RefID)
	if err != nil {
		t.Fatalf("GetRef failed: %v", err)
	}
	if ref.Model != "claude-sonnet-4-5" {
		t.Errorf("Expected the source model for a matching provider, got %s", ref.Model)
	}
}

func TestCreateFromRefRebindUsesProviderDefault(t *testing.T) {
	engine, store, cleanup := setupTestEngine(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := createProject(t, store, types.ProviderAnthropic, "claude-sonnet-4-5")

	res, err := engine.CreateFromRef(ctx, CreateRequest{
		ProjectID: project.ID, SourceRefID: trunk.ID, NewName: "rebound",
		UserID: "alice", Provider: types.ProviderGemini,
	})
	if err != nil {
		t.Fatalf("CreateFromRef failed: %v", err)
	}
	ref, err := store.GetRef(ctx, project.ID, res.RefID)
	if err != nil {
		t.Fatalf("GetRef failed: %v", err)
	}
	if ref.Provider != types.ProviderGemini {
		t.Errorf("Expected the rebound provider, got %s", ref.Provider)
	}
	if ref.Model != defaultModels[types.ProviderGemini] {
		t.Errorf("Expected the provider default model, got %s", ref.Model)
	}
}

func TestResponseIDPropagation(t *testing.T) {
	engine, store, cleanup := setupTestEngine(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := createProject(t, store, types.ProviderOpenAIResponses, "gpt-4o")

	if err := store.SetRefResponseID(ctx, project.ID, trunk.ID, "resp_123"); err != nil {
		t.Fatalf("SetRefResponseID failed: %v", err)
	}

	// responses -> responses: the id crosses.
	res, err := engine.CreateFromRef(ctx, CreateRequest{
		ProjectID: project.ID, SourceRefID: trunk.ID, NewName: "cont", UserID: "alice",
	})
	if err != nil {
		t.Fatalf("CreateFromRef failed: %v", err)
	}
	ref, err := store.GetRef(ctx, project.ID, res.RefID)
	if err != nil {
		t.Fatalf("GetRef failed: %v", err)
	}
	if ref.PreviousResponseID != "resp_123" {
		t.Errorf("Expected the response id propagated, got %q", ref.PreviousResponseID)
	}

	// responses -> anthropic: cleared.
	res, err = engine.CreateFromRef(ctx, CreateRequest{
		ProjectID: project.ID, SourceRefID: trunk.ID, NewName: "rebound",
		UserID: "alice", Provider: types.ProviderAnthropic,
	})
	if err != nil {
		t.Fatalf("CreateFromRef failed: %v", err)
	}
	ref, err = store.GetRef(ctx, project.ID, res.RefID)
	if err != nil {
		t.Fatalf("GetRef failed: %v", err)
	}
	if ref.PreviousResponseID != "" {
		t.Errorf("Expected the response id cleared on provider change, got %q", ref.PreviousResponseID)
	}
}

func TestCreateFromNodeInheritsPrefixResponseID(t *testing.T) {
	engine, store, cleanup := setupTestEngine(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := createProject(t, store, types.ProviderOpenAIResponses, "gpt-4o")

	appendTurn(t, store, project.ID, trunk.ID, types.RoleUser, "q1", "")
	appendTurn(t, store, project.ID, trunk.ID, types.RoleAssistant, "a1", "resp_a1")
	appendTurn(t, store, project.ID, trunk.ID, types.RoleUser, "q2", "")
	last := appendTurn(t, store, project.ID, trunk.ID, types.RoleAssistant, "a2", "resp_a2")

	// Branch before the last assistant: the copied prefix ends at q2,
	// so the inherited id is a1's.
	res, err := engine.CreateFromNode(ctx, CreateRequest{
		ProjectID: project.ID, SourceRefID: trunk.ID, NewName: "retry", UserID: "alice",
	}, last.NodeID)
	if err != nil {
		t.Fatalf("CreateFromNode failed: %v", err)
	}
	ref, err := store.GetRef(ctx, project.ID, res.RefID)
	if err != nil {
		t.Fatalf("GetRef failed: %v", err)
	}
	if ref.PreviousResponseID != "resp_a1" {
		t.Errorf("Expected the prefix assistant response id, got %q", ref.PreviousResponseID)
	}
}

func TestMergeOursAssemblesNode(t *testing.T) {
	engine, store, cleanup := setupTestEngine(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := createProject(t, store, types.ProviderAnthropic, "claude-sonnet-4-5")

	appendTurn(t, store, project.ID, trunk.ID, types.RoleUser, "hello", "")
	appendTurn(t, store, project.ID, trunk.ID, types.RoleAssistant, "hi", "")

	side, err := engine.CreateFromRef(ctx, CreateRequest{
		ProjectID: project.ID, SourceRefID: trunk.ID, NewName: "q1", UserID: "alice",
	})
	if err != nil {
		t.Fatalf("CreateFromRef failed: %v", err)
	}
	u := appendTurn(t, store, project.ID, side.RefID, types.RoleUser, "what if", "")
	a := appendTurn(t, store, project.ID, side.RefID, types.RoleAssistant, "then this", "")

	res, err := engine.MergeOurs(ctx, MergeRequest{
		ProjectID:        project.ID,
		TargetRefID:      trunk.ID,
		SourceRefID:      side.RefID,
		UserID:           "alice",
		Summary:          "carry answer",
		IncludeAssistant: true,
	})
	if err != nil {
		t.Fatalf("MergeOurs failed: %v", err)
	}

	node, err := store.GetNode(ctx, project.ID, res.MergeNodeID)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if node.MergeSummary != "carry answer" {
		t.Errorf("Expected the summary recorded, got %q", node.MergeSummary)
	}
	if node.MergeFrom != "q1" {
		t.Errorf("Expected mergeFrom q1, got %q", node.MergeFrom)
	}
	if len(node.SourceNodeIDs) != 2 || node.SourceNodeIDs[0] != u.NodeID || node.SourceNodeIDs[1] != a.NodeID {
		t.Errorf("Expected the two source-exclusive node ids, got %v", node.SourceNodeIDs)
	}
	if node.MergedAssistantNodeID != a.NodeID || node.MergedAssistantContent != "then this" {
		t.Errorf("Expected the last assistant carried, got %s %q", node.MergedAssistantNodeID, node.MergedAssistantContent)
	}
}

func TestMergeOursCanvasDiff(t *testing.T) {
	engine, store, cleanup := setupTestEngine(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := createProject(t, store, types.ProviderAnthropic, "claude-sonnet-4-5")

	appendTurn(t, store, project.ID, trunk.ID, types.RoleUser, "hello", "")
	side, err := engine.CreateFromRef(ctx, CreateRequest{
		ProjectID: project.ID, SourceRefID: trunk.ID, NewName: "q1", UserID: "alice",
	})
	if err != nil {
		t.Fatalf("CreateFromRef failed: %v", err)
	}

	// The branch grows a canvas through implicit promotion.
	if _, err := store.SaveDraft(ctx, project.ID, side.RefID, "alice", "# side notes\n"); err != nil {
		t.Fatalf("SaveDraft failed: %v", err)
	}
	if _, err := store.AppendNode(ctx, storage.AppendParams{
		ProjectID:   project.ID,
		RefID:       side.RefID,
		UserID:      "alice",
		Node:        &types.Node{Kind: types.NodeMessage, Role: types.RoleUser, Content: "turn"},
		AttachDraft: true,
	}); err != nil {
		t.Fatalf("AppendNode failed: %v", err)
	}

	res, err := engine.MergeOurs(ctx, MergeRequest{
		ProjectID:         project.ID,
		TargetRefID:       trunk.ID,
		SourceRefID:       side.RefID,
		UserID:            "alice",
		Summary:           "s",
		IncludeCanvasDiff: true,
	})
	if err != nil {
		t.Fatalf("MergeOurs failed: %v", err)
	}
	node, err := store.GetNode(ctx, project.ID, res.MergeNodeID)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if !strings.Contains(node.CanvasDiff, "+ # side notes") {
		t.Errorf("Expected the canvas diff recorded, got %q", node.CanvasDiff)
	}

	// The merge never adopts the source canvas.
	artefact, err := store.LatestArtefact(ctx, project.ID, trunk.ID, "")
	if err != nil {
		t.Fatalf("LatestArtefact failed: %v", err)
	}
	if artefact != nil {
		t.Error("Expected no artefact on the target after merge")
	}
}
