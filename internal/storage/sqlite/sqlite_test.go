package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/internal/types"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func setupTestDB(t *testing.T) (*SQLiteStorage, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "loom-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	ctx := context.Background()

	store, err := New(ctx, dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create storage: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}

	return store, cleanup
}

// setupTestProject creates a project owned by "alice" and returns it
// with its trunk ref.
func setupTestProject(t *testing.T, store *SQLiteStorage) (*types.Project, *types.Ref) {
	t.Helper()

	ctx := context.Background()
	project, err := store.CreateProject(ctx, "test-project", "", "alice", types.ProviderAnthropic, "claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	trunk, err := store.GetRefByName(ctx, project.ID, types.TrunkName)
	if err != nil {
		t.Fatalf("GetRefByName failed: %v", err)
	}
	return project, trunk
}

// appendMessage appends a message node as alice and returns the result.
func appendMessage(t *testing.T, store *SQLiteStorage, projectID, refID string, role types.Role, content string) *storage.AppendResult {
	t.Helper()

	res, err := store.AppendNode(context.Background(), storage.AppendParams{
		ProjectID: projectID,
		RefID:     refID,
		UserID:    "alice",
		Node: &types.Node{
			Kind:    types.NodeMessage,
			Role:    role,
			Content: content,
		},
	})
	if err != nil {
		t.Fatalf("AppendNode failed: %v", err)
	}
	return res
}

func TestCreateProjectBootstrapsTrunk(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	project, trunk := setupTestProject(t, store)

	if project.OwnerID != "alice" {
		t.Errorf("Expected owner alice, got %s", project.OwnerID)
	}
	if trunk.Name != types.TrunkName {
		t.Errorf("Expected trunk name %q, got %q", types.TrunkName, trunk.Name)
	}
	if !trunk.IsTrunk() {
		t.Error("Expected IsTrunk to be true")
	}
	if trunk.TipCommitID != "" {
		t.Errorf("Expected empty tip on a fresh trunk, got %s", trunk.TipCommitID)
	}
	if trunk.TipOrdinal != -1 {
		t.Errorf("Expected tip ordinal -1 on a fresh trunk, got %d", trunk.TipOrdinal)
	}
	if trunk.Provider != types.ProviderAnthropic {
		t.Errorf("Expected trunk to inherit the project provider, got %s", trunk.Provider)
	}
}

func TestProjectMembership(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	project, trunk := setupTestProject(t, store)

	ok, err := store.IsMember(ctx, project.ID, "alice")
	if err != nil {
		t.Fatalf("IsMember failed: %v", err)
	}
	if !ok {
		t.Error("Expected owner to be a member")
	}

	// Non-members cannot write.
	_, err = store.AppendNode(ctx, storage.AppendParams{
		ProjectID: project.ID,
		RefID:     trunk.ID,
		UserID:    "mallory",
		Node:      &types.Node{Kind: types.NodeMessage, Role: types.RoleUser, Content: "hi"},
	})
	if !errors.Is(err, types.ErrNotAuthorized) {
		t.Errorf("Expected ErrNotAuthorized for non-member write, got %v", err)
	}

	if err := store.AddMember(ctx, project.ID, "bob"); err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}
	// AddMember is idempotent.
	if err := store.AddMember(ctx, project.ID, "bob"); err != nil {
		t.Fatalf("second AddMember failed: %v", err)
	}
	ok, err = store.IsMember(ctx, project.ID, "bob")
	if err != nil {
		t.Fatalf("IsMember failed: %v", err)
	}
	if !ok {
		t.Error("Expected bob to be a member after AddMember")
	}
}

func TestDeleteProjectOwnerOnly(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	project, _ := setupTestProject(t, store)

	if err := store.AddMember(ctx, project.ID, "bob"); err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}
	if err := store.DeleteProject(ctx, project.ID, "bob"); !errors.Is(err, types.ErrNotAuthorized) {
		t.Errorf("Expected ErrNotAuthorized for non-owner delete, got %v", err)
	}
	if err := store.DeleteProject(ctx, project.ID, "alice"); err != nil {
		t.Fatalf("DeleteProject failed: %v", err)
	}
	if _, err := store.GetProject(ctx, project.ID); !errors.Is(err, types.ErrProjectNotFound) {
		t.Errorf("Expected ErrProjectNotFound after delete, got %v", err)
	}
}

func TestConfigAndMetadataRoundTrip(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := store.SetConfig(ctx, "token_limit", "8000"); err != nil {
		t.Fatalf("SetConfig failed: %v", err)
	}
	v, err := store.GetConfig(ctx, "token_limit")
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if v != "8000" {
		t.Errorf("Expected 8000, got %q", v)
	}

	// Missing keys read as empty, not as an error.
	v, err = store.GetConfig(ctx, "missing")
	if err != nil {
		t.Fatalf("GetConfig for missing key failed: %v", err)
	}
	if v != "" {
		t.Errorf("Expected empty value for missing key, got %q", v)
	}
}

func TestRunInTransactionRollsBack(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	sentinel := errors.New("boom")
	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.SetConfig(ctx, "k", "v"); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Expected sentinel error, got %v", err)
	}
	v, err := store.GetConfig(ctx, "k")
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if v != "" {
		t.Errorf("Expected rollback to discard the write, got %q", v)
	}
}
