// Package types defines the core entities of the loom provenance store:
// projects, refs, commits, nodes, artefacts, drafts, and leases.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// TrunkName is the reserved ref name for a project's trunk. The trunk
// cannot be renamed or deleted, and it is the only ref that accepts
// direct canvas edits.
const TrunkName = "main"

// ArtefactKindCanvas is the only artefact kind currently stored.
const ArtefactKindCanvas = "canvas_md"

// Provider identifies an LLM provider family. The value is part of a
// ref's binding and decides which redaction rules apply to raw payloads.
type Provider string

const (
	ProviderAnthropic       Provider = "anthropic"
	ProviderOpenAI          Provider = "openai"
	ProviderOpenAIResponses Provider = "openai-responses"
	ProviderGemini          Provider = "gemini"
)

// ResponsesCapable reports whether the provider threads conversations
// through server-side response ids (previous_response_id).
func (p Provider) ResponsesCapable() bool {
	return p == ProviderOpenAIResponses
}

// Project is the top-level container for refs, commits and nodes.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	OwnerID     string    `json:"ownerId"`
	PinnedRefID string    `json:"pinnedRefId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Ref is a named mutable pointer to a commit: the system's branch.
// TipCommitID is empty and TipOrdinal is -1 until the first append.
type Ref struct {
	ID                 string    `json:"id"`
	ProjectID          string    `json:"projectId"`
	Name               string    `json:"name"`
	TipCommitID        string    `json:"tipCommitId,omitempty"`
	TipOrdinal         int64     `json:"tipOrdinal"`
	Provider           Provider  `json:"provider"`
	Model              string    `json:"model"`
	PreviousResponseID string    `json:"previousResponseId,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

// IsTrunk reports whether this ref is its project's trunk.
func (r *Ref) IsTrunk() bool { return r.Name == TrunkName }

// Commit is an immutable DAG entry. Parent2 is set only on merge commits.
type Commit struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Parent1   string    `json:"parent1,omitempty"`
	Parent2   string    `json:"parent2,omitempty"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Artefact is an immutable canvas version tied to a commit. At most one
// artefact row exists per (project, commit, kind).
type Artefact struct {
	ProjectID   string    `json:"projectId"`
	CommitID    string    `json:"commitId"`
	Kind        string    `json:"kind"`
	Content     string    `json:"content"`
	ContentHash string    `json:"contentHash"`
	OriginRefID string    `json:"originRefId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Draft is the mutable editor buffer for one user on one ref. Drafts are
// not part of history and never appear in commit_order.
type Draft struct {
	ProjectID   string    `json:"projectId"`
	RefID       string    `json:"refId"`
	UserID      string    `json:"userId"`
	Content     string    `json:"content"`
	ContentHash string    `json:"contentHash"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Lease serializes writers on a ref across sessions. A lease row is
// treated as absent once ExpiresAt has passed.
type Lease struct {
	ProjectID     string    `json:"projectId"`
	RefID         string    `json:"refId"`
	HolderUser    string    `json:"holderUser"`
	HolderSession string    `json:"holderSession"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Expired reports whether the lease is past its TTL at the given instant.
func (l *Lease) Expired(now time.Time) bool { return !now.Before(l.ExpiresAt) }

// HeldBy reports whether the lease belongs to the given user and session.
func (l *Lease) HeldBy(user, session string) bool {
	return l.HolderUser == user && l.HolderSession == session
}

// RefInfo is the list_refs projection consumed by clients.
type RefInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	TipCommitID string   `json:"tipCommitId,omitempty"`
	NodeCount   int64    `json:"nodeCount"`
	IsTrunk     bool     `json:"isTrunk"`
	IsPinned    bool     `json:"isPinned"`
	Provider    Provider `json:"provider"`
	Model       string   `json:"model"`
}

// HistoryEntry pairs a node with its per-ref ordinal and ref names
// resolved at read time.
type HistoryEntry struct {
	Ordinal      int64  `json:"ordinal"`
	Node         *Node  `json:"node"`
	CreatedOnRef string `json:"createdOnRef"`
	MergeFromRef string `json:"mergeFromRef,omitempty"`
}

// CanvasSource says where get_canvas found its content.
type CanvasSource string

const (
	CanvasFromDraft    CanvasSource = "draft"
	CanvasFromArtefact CanvasSource = "artefact"
	CanvasEmpty        CanvasSource = "empty"
)

// CanvasView is the get_canvas result: the caller's draft if one exists,
// else the latest artefact along the ref, else empty.
type CanvasView struct {
	Content   string       `json:"content"`
	Hash      string       `json:"hash,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Source    CanvasSource `json:"source"`
}

// ContentHash returns the canonical artefact hash: lowercase hex SHA-256
// over the UTF-8 bytes of content. This must stay byte-identical across
// implementations; drafts and artefacts are compared by it.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Millis converts a time to the millisecond timestamps nodes carry.
func Millis(t time.Time) int64 { return t.UnixMilli() }
