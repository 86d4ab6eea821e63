package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/internal/types"
)

func TestCreateRefFromRefSharesPrefix(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := setupTestProject(t, store)

	appendMessage(t, store, project.ID, trunk.ID, types.RoleUser, "one")
	appendMessage(t, store, project.ID, trunk.ID, types.RoleAssistant, "two")

	res, err := store.CreateRefFromRef(ctx, storage.BranchParams{
		ProjectID:   project.ID,
		SourceRefID: trunk.ID,
		NewName:     "alt",
		UserID:      "alice",
		Provider:    types.ProviderAnthropic,
		Model:       "claude-sonnet-4-5",
	})
	if err != nil {
		t.Fatalf("CreateRefFromRef failed: %v", err)
	}
	if res.BaseOrdinal != 1 {
		t.Errorf("Expected base ordinal 1, got %d", res.BaseOrdinal)
	}

	trunkOrder, err := store.CommitOrder(ctx, project.ID, trunk.ID)
	if err != nil {
		t.Fatalf("CommitOrder failed: %v", err)
	}
	altOrder, err := store.CommitOrder(ctx, project.ID, res.RefID)
	if err != nil {
		t.Fatalf("CommitOrder failed: %v", err)
	}
	if len(altOrder) != len(trunkOrder) {
		t.Fatalf("Expected the new ref to share the full prefix, got %d vs %d", len(altOrder), len(trunkOrder))
	}
	for i := range trunkOrder {
		if altOrder[i] != trunkOrder[i] {
			t.Errorf("Expected shared commit at ordinal %d", i)
		}
	}

	// Divergence: an append on the branch does not touch the trunk.
	appendMessage(t, store, project.ID, res.RefID, types.RoleUser, "three")
	trunkRef, err := store.GetRef(ctx, project.ID, trunk.ID)
	if err != nil {
		t.Fatalf("GetRef failed: %v", err)
	}
	if trunkRef.TipOrdinal != 1 {
		t.Errorf("Expected trunk tip unchanged at 1, got %d", trunkRef.TipOrdinal)
	}
	altRef, err := store.GetRef(ctx, project.ID, res.RefID)
	if err != nil {
		t.Fatalf("GetRef failed: %v", err)
	}
	if altRef.TipOrdinal != 2 {
		t.Errorf("Expected branch tip at 2, got %d", altRef.TipOrdinal)
	}
}

func TestCreateRefFromNodeMidHistory(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := setupTestProject(t, store)

	first := appendMessage(t, store, project.ID, trunk.ID, types.RoleUser, "one")
	second := appendMessage(t, store, project.ID, trunk.ID, types.RoleAssistant, "two")
	appendMessage(t, store, project.ID, trunk.ID, types.RoleUser, "three")

	// Branch from the second node: the new ref ends just before it.
	res, err := store.CreateRefFromNode(ctx, storage.BranchParams{
		ProjectID:   project.ID,
		SourceRefID: trunk.ID,
		NewName:     "retry",
		UserID:      "alice",
	}, second.NodeID)
	if err != nil {
		t.Fatalf("CreateRefFromNode failed: %v", err)
	}
	if res.BaseOrdinal != 0 {
		t.Errorf("Expected base ordinal 0, got %d", res.BaseOrdinal)
	}
	if res.BaseCommitID != first.CommitID {
		t.Errorf("Expected base commit %s, got %s", first.CommitID, res.BaseCommitID)
	}

	order, err := store.CommitOrder(ctx, project.ID, res.RefID)
	if err != nil {
		t.Fatalf("CommitOrder failed: %v", err)
	}
	if len(order) != 1 || order[0] != first.CommitID {
		t.Errorf("Expected the new ref to carry only the first commit, got %v", order)
	}
}

func TestCreateRefFromFirstNodeIsEmpty(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := setupTestProject(t, store)

	first := appendMessage(t, store, project.ID, trunk.ID, types.RoleUser, "one")

	res, err := store.CreateRefFromNode(ctx, storage.BranchParams{
		ProjectID:   project.ID,
		SourceRefID: trunk.ID,
		NewName:     "fresh",
		UserID:      "alice",
	}, first.NodeID)
	if err != nil {
		t.Fatalf("CreateRefFromNode failed: %v", err)
	}
	if res.BaseOrdinal != -1 {
		t.Errorf("Expected base ordinal -1 for an empty ref, got %d", res.BaseOrdinal)
	}
	if res.BaseCommitID != "" {
		t.Errorf("Expected empty base commit, got %s", res.BaseCommitID)
	}

	ref, err := store.GetRef(ctx, project.ID, res.RefID)
	if err != nil {
		t.Fatalf("GetRef failed: %v", err)
	}
	if ref.TipCommitID != "" || ref.TipOrdinal != -1 {
		t.Errorf("Expected empty tip, got %q/%d", ref.TipCommitID, ref.TipOrdinal)
	}
}

func TestCreateRefFromNodeNotOnRef(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := setupTestProject(t, store)

	appendMessage(t, store, project.ID, trunk.ID, types.RoleUser, "one")
	branch, err := store.CreateRefFromRef(ctx, storage.BranchParams{
		ProjectID: project.ID, SourceRefID: trunk.ID, NewName: "alt", UserID: "alice",
	})
	if err != nil {
		t.Fatalf("CreateRefFromRef failed: %v", err)
	}
	onBranch := appendMessage(t, store, project.ID, branch.RefID, types.RoleUser, "branch only")

	_, err = store.CreateRefFromNode(ctx, storage.BranchParams{
		ProjectID: project.ID, SourceRefID: trunk.ID, NewName: "bad", UserID: "alice",
	}, onBranch.NodeID)
	if !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for a node off the source ref, got %v", err)
	}
}

func TestBranchNameConflicts(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := setupTestProject(t, store)

	params := storage.BranchParams{
		ProjectID: project.ID, SourceRefID: trunk.ID, NewName: "alt", UserID: "alice",
	}
	if _, err := store.CreateRefFromRef(ctx, params); err != nil {
		t.Fatalf("CreateRefFromRef failed: %v", err)
	}
	if _, err := store.CreateRefFromRef(ctx, params); !errors.Is(err, types.ErrConflict) {
		t.Errorf("Expected ErrConflict for duplicate name, got %v", err)
	}

	params.NewName = types.TrunkName
	if _, err := store.CreateRefFromRef(ctx, params); !errors.Is(err, types.ErrConflict) {
		t.Errorf("Expected ErrConflict for reserved trunk name, got %v", err)
	}

	params.NewName = "  "
	if _, err := store.CreateRefFromRef(ctx, params); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for blank name, got %v", err)
	}
}

func TestTrunkGuards(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := setupTestProject(t, store)

	if err := store.RenameRef(ctx, project.ID, trunk.ID, "other"); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument renaming trunk, got %v", err)
	}
	if err := store.DeleteRef(ctx, project.ID, trunk.ID); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument deleting trunk, got %v", err)
	}
}

func TestDeleteRefKeepsSharedCommits(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := setupTestProject(t, store)

	first := appendMessage(t, store, project.ID, trunk.ID, types.RoleUser, "one")
	branch, err := store.CreateRefFromRef(ctx, storage.BranchParams{
		ProjectID: project.ID, SourceRefID: trunk.ID, NewName: "alt", UserID: "alice",
	})
	if err != nil {
		t.Fatalf("CreateRefFromRef failed: %v", err)
	}

	if err := store.DeleteRef(ctx, project.ID, branch.RefID); err != nil {
		t.Fatalf("DeleteRef failed: %v", err)
	}
	if _, err := store.GetRef(ctx, project.ID, branch.RefID); !errors.Is(err, types.ErrRefNotFound) {
		t.Errorf("Expected ErrRefNotFound after delete, got %v", err)
	}
	// Shared history survives on the trunk.
	if _, err := store.GetCommit(ctx, project.ID, first.CommitID); err != nil {
		t.Errorf("Expected shared commit to survive ref deletion: %v", err)
	}
	if _, err := store.GetNode(ctx, project.ID, first.NodeID); err != nil {
		t.Errorf("Expected shared node to survive ref deletion: %v", err)
	}
}

func TestDeleteRefPinnedGuard(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := setupTestProject(t, store)

	branch, err := store.CreateRefFromRef(ctx, storage.BranchParams{
		ProjectID: project.ID, SourceRefID: trunk.ID, NewName: "alt", UserID: "alice",
	})
	if err != nil {
		t.Fatalf("CreateRefFromRef failed: %v", err)
	}
	if err := store.PinRef(ctx, project.ID, branch.RefID); err != nil {
		t.Fatalf("PinRef failed: %v", err)
	}
	if err := store.DeleteRef(ctx, project.ID, branch.RefID); !errors.Is(err, types.ErrConflict) {
		t.Errorf("Expected ErrConflict deleting pinned ref, got %v", err)
	}
}

func TestListRefsProjection(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := setupTestProject(t, store)

	appendMessage(t, store, project.ID, trunk.ID, types.RoleUser, "one")
	appendMessage(t, store, project.ID, trunk.ID, types.RoleAssistant, "two")
	if _, err := store.CreateRefFromRef(ctx, storage.BranchParams{
		ProjectID: project.ID, SourceRefID: trunk.ID, NewName: "alt", UserID: "alice",
	}); err != nil {
		t.Fatalf("CreateRefFromRef failed: %v", err)
	}

	infos, err := store.ListRefs(ctx, project.ID)
	if err != nil {
		t.Fatalf("ListRefs failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("Expected 2 refs, got %d", len(infos))
	}
	byName := map[string]*types.RefInfo{}
	for _, info := range infos {
		byName[info.Name] = info
	}
	if !byName[types.TrunkName].IsTrunk {
		t.Error("Expected trunk to be flagged")
	}
	if byName[types.TrunkName].NodeCount != 2 {
		t.Errorf("Expected trunk node count 2, got %d", byName[types.TrunkName].NodeCount)
	}
	if byName["alt"].NodeCount != 2 {
		t.Errorf("Expected branch node count 2 from the shared prefix, got %d", byName["alt"].NodeCount)
	}
}
