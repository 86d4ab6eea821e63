package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/internal/types"
)

func TestAppendNodeDenseOrdinals(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := setupTestProject(t, store)

	for i := int64(0); i < 3; i++ {
		res := appendMessage(t, store, project.ID, trunk.ID, types.RoleUser, "turn")
		if res.Ordinal != i {
			t.Errorf("Expected ordinal %d, got %d", i, res.Ordinal)
		}
	}

	ref, err := store.GetRef(ctx, project.ID, trunk.ID)
	if err != nil {
		t.Fatalf("GetRef failed: %v", err)
	}
	if ref.TipOrdinal != 2 {
		t.Errorf("Expected tip ordinal 2, got %d", ref.TipOrdinal)
	}

	order, err := store.CommitOrder(ctx, project.ID, trunk.ID)
	if err != nil {
		t.Fatalf("CommitOrder failed: %v", err)
	}
	if len(order) != 3 {
		t.Errorf("Expected 3 commits in order, got %d", len(order))
	}
	if ref.TipCommitID != order[len(order)-1] {
		t.Error("Expected ref tip to match the last commit in order")
	}
}

func TestAppendNodeCommitParentChain(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := setupTestProject(t, store)

	first := appendMessage(t, store, project.ID, trunk.ID, types.RoleUser, "one")
	second := appendMessage(t, store, project.ID, trunk.ID, types.RoleAssistant, "two")

	c1, err := store.GetCommit(ctx, project.ID, first.CommitID)
	if err != nil {
		t.Fatalf("GetCommit failed: %v", err)
	}
	if c1.Parent1 != "" || c1.Parent2 != "" {
		t.Errorf("Expected first commit to have no parents, got %q/%q", c1.Parent1, c1.Parent2)
	}

	c2, err := store.GetCommit(ctx, project.ID, second.CommitID)
	if err != nil {
		t.Fatalf("GetCommit failed: %v", err)
	}
	if c2.Parent1 != first.CommitID {
		t.Errorf("Expected second commit parent1 %s, got %s", first.CommitID, c2.Parent1)
	}
	if c2.Parent2 != "" {
		t.Errorf("Expected non-merge commit to have empty parent2, got %s", c2.Parent2)
	}

	// The node parent hint follows the commit chain.
	node, err := store.GetNode(ctx, project.ID, second.NodeID)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if node.Parent != first.NodeID {
		t.Errorf("Expected node parent %s, got %s", first.NodeID, node.Parent)
	}
}

func TestAppendNodeValidatesKind(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := setupTestProject(t, store)

	cases := []*types.Node{
		{Kind: types.NodeMessage, Content: "no role"},
		{Kind: types.NodeState},
		{Kind: "bogus"},
	}
	for _, node := range cases {
		_, err := store.AppendNode(ctx, storage.AppendParams{
			ProjectID: project.ID,
			RefID:     trunk.ID,
			UserID:    "alice",
			Node:      node,
		})
		if !errors.Is(err, types.ErrInvalidArgument) {
			t.Errorf("Expected ErrInvalidArgument for kind %q, got %v", node.Kind, err)
		}
	}
}

func TestAppendNodeUnknownRef(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	project, _ := setupTestProject(t, store)

	_, err := store.AppendNode(ctx, storage.AppendParams{
		ProjectID: project.ID,
		RefID:     "nonexistent",
		UserID:    "alice",
		Node:      &types.Node{Kind: types.NodeMessage, Role: types.RoleUser, Content: "hi"},
	})
	if !errors.Is(err, types.ErrRefNotFound) {
		t.Errorf("Expected ErrRefNotFound, got %v", err)
	}
}

func TestAppendNodeDraftPromotion(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := setupTestProject(t, store)

	if _, err := store.SaveDraft(ctx, project.ID, trunk.ID, "alice", "# notes"); err != nil {
		t.Fatalf("SaveDraft failed: %v", err)
	}

	res, err := store.AppendNode(ctx, storage.AppendParams{
		ProjectID:   project.ID,
		RefID:       trunk.ID,
		UserID:      "alice",
		Node:        &types.Node{Kind: types.NodeMessage, Role: types.RoleUser, Content: "turn"},
		AttachDraft: true,
	})
	if err != nil {
		t.Fatalf("AppendNode failed: %v", err)
	}
	if !res.ArtefactCreated {
		t.Fatal("Expected a changed draft to promote into an artefact")
	}
	if res.ArtefactHash != types.ContentHash("# notes") {
		t.Errorf("Expected artefact hash of the draft content, got %s", res.ArtefactHash)
	}

	artefact, err := store.LatestArtefact(ctx, project.ID, trunk.ID, "")
	if err != nil {
		t.Fatalf("LatestArtefact failed: %v", err)
	}
	if artefact == nil || artefact.CommitID != res.CommitID {
		t.Error("Expected the promoted artefact on the append commit")
	}
}

func TestAppendNodeDraftPromotionHashGated(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := setupTestProject(t, store)

	if _, err := store.SaveDraft(ctx, project.ID, trunk.ID, "alice", "# notes"); err != nil {
		t.Fatalf("SaveDraft failed: %v", err)
	}
	first, err := store.AppendNode(ctx, storage.AppendParams{
		ProjectID:   project.ID,
		RefID:       trunk.ID,
		UserID:      "alice",
		Node:        &types.Node{Kind: types.NodeMessage, Role: types.RoleUser, Content: "one"},
		AttachDraft: true,
	})
	if err != nil {
		t.Fatalf("AppendNode failed: %v", err)
	}
	if !first.ArtefactCreated {
		t.Fatal("Expected first promotion to create an artefact")
	}

	// Same content again: no new artefact row.
	second, err := store.AppendNode(ctx, storage.AppendParams{
		ProjectID:   project.ID,
		RefID:       trunk.ID,
		UserID:      "alice",
		Node:        &types.Node{Kind: types.NodeMessage, Role: types.RoleUser, Content: "two"},
		AttachDraft: true,
	})
	if err != nil {
		t.Fatalf("AppendNode failed: %v", err)
	}
	if second.ArtefactCreated {
		t.Error("Expected an unchanged draft to skip artefact creation")
	}

	artefact, err := store.LatestArtefact(ctx, project.ID, trunk.ID, "")
	if err != nil {
		t.Fatalf("LatestArtefact failed: %v", err)
	}
	if artefact.CommitID != first.CommitID {
		t.Error("Expected the latest artefact to remain on the first commit")
	}
}

func TestAppendNodeNoDraftNoArtefact(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := setupTestProject(t, store)

	res, err := store.AppendNode(ctx, storage.AppendParams{
		ProjectID:   project.ID,
		RefID:       trunk.ID,
		UserID:      "alice",
		Node:        &types.Node{Kind: types.NodeMessage, Role: types.RoleUser, Content: "turn"},
		AttachDraft: true,
	})
	if err != nil {
		t.Fatalf("AppendNode failed: %v", err)
	}
	if res.ArtefactCreated {
		t.Error("Expected no artefact when the caller has no draft")
	}
}

func TestAppendNodeDuplicateID(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := setupTestProject(t, store)

	node := &types.Node{ID: "fixed-id", Kind: types.NodeMessage, Role: types.RoleUser, Content: "one"}
	if _, err := store.AppendNode(ctx, storage.AppendParams{
		ProjectID: project.ID, RefID: trunk.ID, UserID: "alice", Node: node,
	}); err != nil {
		t.Fatalf("AppendNode failed: %v", err)
	}

	dup := &types.Node{ID: "fixed-id", Kind: types.NodeMessage, Role: types.RoleUser, Content: "two"}
	_, err := store.AppendNode(ctx, storage.AppendParams{
		ProjectID: project.ID, RefID: trunk.ID, UserID: "alice", Node: dup,
	})
	if !errors.Is(err, types.ErrConflict) {
		t.Errorf("Expected ErrConflict for duplicate node id, got %v", err)
	}

	// The failed append must not have advanced the ref.
	ref, err := store.GetRef(ctx, project.ID, trunk.ID)
	if err != nil {
		t.Fatalf("GetRef failed: %v", err)
	}
	if ref.TipOrdinal != 0 {
		t.Errorf("Expected tip ordinal 0 after rolled-back append, got %d", ref.TipOrdinal)
	}
}
