// Package storage defines the interface for provenance storage backends.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/loomlabs/loom/internal/types"
)

// ErrDBNotInitialized is returned when attempting to use a database
// feature before the database has been initialized.
var ErrDBNotInitialized = errors.New("database not initialized")

// AppendParams are the inputs to the atomic append-a-node operation.
type AppendParams struct {
	ProjectID string
	RefID     string
	UserID    string
	Session   string

	// Node carries the payload. Node.ID may be pre-allocated by the
	// caller; if empty a new id is assigned. The id is embedded in the
	// stored payload so consumers see a stable id inside the JSON too.
	Node *types.Node

	// Message is the commit message; defaults to the node kind.
	Message string

	// AttachDraft promotes the caller's canvas draft onto the new
	// commit iff its hash differs from the latest artefact on the ref.
	AttachDraft bool

	// IgnoreLease skips the lease gate. Only the stream coordinator
	// sets it, to persist a preempted partial response after another
	// session has taken the lease.
	IgnoreLease bool

	LockTimeout time.Duration
}

// AppendResult reports what the append transaction produced.
type AppendResult struct {
	CommitID        string
	NodeID          string
	Ordinal         int64
	ArtefactCreated bool
	ArtefactHash    string
}

// ArtefactSaveParams are the inputs to the explicit canvas save path.
type ArtefactSaveParams struct {
	ProjectID string
	RefID     string
	UserID    string
	Session   string
	Content   string
	Kind      string
	Message   string

	// StateNode, when non-nil, is inserted on the same commit with its
	// ArtefactSnapshot set to the content hash.
	StateNode *types.Node

	LockTimeout time.Duration
}

// ArtefactSaveResult reports the explicit save outcome.
type ArtefactSaveResult struct {
	CommitID    string
	Ordinal     int64
	ContentHash string
	StateNodeID string
}

// MergeParams are the inputs to the structural ours merge.
type MergeParams struct {
	ProjectID   string
	TargetRefID string
	SourceRefID string
	UserID      string
	Session     string
	MergeNode   *types.Node
	Message     string
	LockTimeout time.Duration
}

// MergeResult reports the merge commit placement on the target ref.
type MergeResult struct {
	CommitID    string
	MergeNodeID string
	Ordinal     int64
}

// BranchParams are the inputs to branch creation. Provider and Model
// are optional; inheritance rules live in the branch engine.
type BranchParams struct {
	ProjectID          string
	SourceRefID        string
	NewName            string
	UserID             string
	Provider           types.Provider
	Model              string
	PreviousResponseID string
}

// BranchResult reports the new ref and its base on the source history.
// BaseOrdinal is -1 when the new ref starts empty.
type BranchResult struct {
	RefID        string
	BaseCommitID string
	BaseOrdinal  int64
}

// HistoryQuery selects a page of a ref's linearized history.
type HistoryQuery struct {
	ProjectID string
	RefID     string
	// Limit bounds the page size; <= 0 means the configured default.
	Limit int
	// BeforeOrdinal, when >= 0, pages strictly older entries. Use a
	// negative value for the newest page.
	BeforeOrdinal int64
	// IncludeRawResponse keeps rawResponse payloads in the returned
	// node JSON. The context builder needs them; UI reads do not.
	IncludeRawResponse bool
}

// LeaseGrant is the outcome of a lease acquisition attempt.
type LeaseGrant struct {
	Acquired      bool
	HolderUser    string
	HolderSession string
	ExpiresAt     time.Time
}

// Transaction exposes the subset of Storage that composes into atomic
// multi-operation workflows. All calls share one database transaction;
// an error from the callback rolls everything back.
type Transaction interface {
	GetRef(ctx context.Context, projectID, refID string) (*types.Ref, error)
	GetNode(ctx context.Context, projectID, nodeID string) (*types.Node, error)
	SaveDraft(ctx context.Context, projectID, refID, userID, content string) (*types.Draft, error)
	SetCurrentRef(ctx context.Context, projectID, userID, refID string) error
	SetConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, error)
}

// Storage defines the interface for provenance storage backends.
//
// Every mutating operation is a single transaction: a failed append can
// never leave a commit without its commit_order row or a ref pointing at
// a missing tip.
type Storage interface {
	// Projects and membership
	CreateProject(ctx context.Context, name, description, ownerID string, provider types.Provider, model string) (*types.Project, error)
	GetProject(ctx context.Context, projectID string) (*types.Project, error)
	DeleteProject(ctx context.Context, projectID, userID string) error
	AddMember(ctx context.Context, projectID, userID string) error
	IsMember(ctx context.Context, projectID, userID string) (bool, error)

	// Write path
	AppendNode(ctx context.Context, p AppendParams) (*AppendResult, error)
	UpdateArtefact(ctx context.Context, p ArtefactSaveParams) (*ArtefactSaveResult, error)
	MergeOurs(ctx context.Context, p MergeParams) (*MergeResult, error)

	// Drafts
	SaveDraft(ctx context.Context, projectID, refID, userID, content string) (*types.Draft, error)
	GetDraft(ctx context.Context, projectID, refID, userID string) (*types.Draft, error)
	DeleteDraft(ctx context.Context, projectID, refID, userID string) error

	// Reads
	GetHistory(ctx context.Context, q HistoryQuery) ([]*types.HistoryEntry, error)
	GetNode(ctx context.Context, projectID, nodeID string) (*types.Node, error)
	GetCanvas(ctx context.Context, projectID, refID, userID string) (*types.CanvasView, error)
	LatestArtefact(ctx context.Context, projectID, refID, kind string) (*types.Artefact, error)
	GetCommit(ctx context.Context, projectID, commitID string) (*types.Commit, error)
	// NodesOnRefSince returns the node ids introduced on source strictly
	// after its divergence from target, oldest first.
	NodesOnRefSince(ctx context.Context, projectID, sourceRefID, targetRefID string) ([]string, error)

	// Refs
	ListRefs(ctx context.Context, projectID string) ([]*types.RefInfo, error)
	GetRef(ctx context.Context, projectID, refID string) (*types.Ref, error)
	GetRefByName(ctx context.Context, projectID, name string) (*types.Ref, error)
	CreateRefFromRef(ctx context.Context, p BranchParams) (*BranchResult, error)
	CreateRefFromNode(ctx context.Context, p BranchParams, nodeID string) (*BranchResult, error)
	RenameRef(ctx context.Context, projectID, refID, newName string) error
	PinRef(ctx context.Context, projectID, refID string) error
	DeleteRef(ctx context.Context, projectID, refID string) error
	SetRefResponseID(ctx context.Context, projectID, refID, responseID string) error
	CommitOrder(ctx context.Context, projectID, refID string) ([]string, error)

	// Leases
	AcquireRefLease(ctx context.Context, projectID, refID, userID, session string, ttl time.Duration) (*LeaseGrant, error)
	RefreshRefLease(ctx context.Context, projectID, refID, userID, session string, ttl time.Duration) (*LeaseGrant, error)
	ReleaseRefLease(ctx context.Context, projectID, refID, session string, force bool) error
	GetRefLease(ctx context.Context, projectID, refID string) (*types.Lease, error)
	ListRefLeases(ctx context.Context, projectID string) ([]*types.Lease, error)

	// Per-user state
	SetCurrentRef(ctx context.Context, projectID, userID, refID string) error
	GetCurrentRef(ctx context.Context, projectID, userID string) (string, error)
	ToggleStar(ctx context.Context, projectID, nodeID, userID string) (bool, error)
	ListStars(ctx context.Context, projectID string) ([]string, error)

	// Config and metadata
	SetConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Close() error
	Path() string

	// UnderlyingDB returns the underlying *sql.DB connection for
	// extensions that create their own tables alongside the core ones.
	// Direct access bypasses the storage invariants; use with caution.
	UnderlyingDB() *sql.DB
}

// Config holds database configuration.
type Config struct {
	Backend string // "sqlite"
	Path    string // database file path
}
