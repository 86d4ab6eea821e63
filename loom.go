// Package loom provides a minimal public API for embedding the
// workspace core in other Go programs.
//
// Most integrations should talk to loomd over HTTP. This package
// exports only the essential types and constructors for programs that
// want to drive the storage layer and engines directly.
package loom

import (
	"context"

	"github.com/loomlabs/loom/internal/branch"
	"github.com/loomlabs/loom/internal/canvas"
	"github.com/loomlabs/loom/internal/contextbuild"
	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/internal/reflock"
	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/internal/storage/sqlite"
	"github.com/loomlabs/loom/internal/turn"
	"github.com/loomlabs/loom/internal/types"
)

// Storage is the interface for workspace storage operations.
type Storage = storage.Storage

// Transaction provides atomic multi-operation support within a database
// transaction. Use Storage.RunInTransaction() to obtain one.
type Transaction = storage.Transaction

// NewSQLiteStorage creates a new SQLite storage instance at the given path.
func NewSQLiteStorage(ctx context.Context, dbPath string) (Storage, error) {
	return sqlite.New(ctx, dbPath)
}

// Core types from internal/types
type (
	Project      = types.Project
	Ref          = types.Ref
	RefInfo      = types.RefInfo
	Commit       = types.Commit
	Node         = types.Node
	NodeKind     = types.NodeKind
	Block        = types.Block
	BlockType    = types.BlockType
	Role         = types.Role
	Provider     = types.Provider
	Artefact     = types.Artefact
	Draft        = types.Draft
	CanvasView   = types.CanvasView
	HistoryEntry = types.HistoryEntry
	Lease        = types.Lease
)

// Engine types, re-exported for direct embedding.
type (
	BranchEngine   = branch.Engine
	CanvasEngine   = canvas.Engine
	ContextBuilder = contextbuild.Builder
	Coordinator    = turn.Coordinator
	LockManager    = reflock.Manager
	ProviderSet    = llm.Registry
)

// ContentHash returns the canonical artefact hash: lowercase hex
// SHA-256 over the UTF-8 content bytes.
func ContentHash(content string) string {
	return types.ContentHash(content)
}

// TrunkName is the reserved name of every project's trunk ref.
const TrunkName = types.TrunkName
