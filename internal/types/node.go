package types

import (
	"encoding/json"
	"fmt"
)

// NodeKind discriminates the node payload union.
type NodeKind string

const (
	NodeMessage NodeKind = "message"
	NodeState   NodeKind = "state"
	NodeMerge   NodeKind = "merge"
)

// Role is a message node's speaker.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockType tags one entry of a structured content block list.
type BlockType string

const (
	BlockThinking          BlockType = "thinking"
	BlockThinkingSignature BlockType = "thinking_signature"
	BlockText              BlockType = "text"
)

// Block is one typed segment of a structured assistant message.
// Signature blocks carry provider continuity data and are never shown
// to a human viewer.
type Block struct {
	Type      BlockType `json:"type"`
	Text      string    `json:"text,omitempty"`
	Signature string    `json:"signature,omitempty"`
}

// Node is the application-level event attached to a commit: a user or
// assistant turn, a canvas checkpoint, or a merge marker. Nodes are
// immutable once written. Kind decides which field groups are populated.
//
// The parent pointer and merge source ids are navigation hints only;
// authoritative lineage is commits + commit_order.
type Node struct {
	ID        string   `json:"id"`
	Kind      NodeKind `json:"type"`
	Timestamp int64    `json:"timestamp"`
	Parent    string   `json:"parent,omitempty"`

	// Derived at read time from created_on_ref_id; never persisted.
	CreatedOnBranch string `json:"createdOnBranch,omitempty"`

	// message
	Role        Role            `json:"role,omitempty"`
	Content     string          `json:"content,omitempty"`
	Blocks      []Block         `json:"contentBlocks,omitempty"`
	RawResponse json.RawMessage `json:"rawResponse,omitempty"`
	ResponseID  string          `json:"responseId,omitempty"`
	Interrupted bool            `json:"interrupted,omitempty"`
	UIHidden    bool            `json:"uiHidden,omitempty"`

	// state
	ArtefactSnapshot string `json:"artefactSnapshot,omitempty"`

	// merge
	MergeFrom              string   `json:"mergeFrom,omitempty"`
	MergeSummary           string   `json:"mergeSummary,omitempty"`
	SourceCommit           string   `json:"sourceCommit,omitempty"`
	SourceNodeIDs          []string `json:"sourceNodeIds,omitempty"`
	MergedAssistantNodeID  string   `json:"mergedAssistantNodeId,omitempty"`
	MergedAssistantContent string   `json:"mergedAssistantContent,omitempty"`
	CanvasDiff             string   `json:"canvasDiff,omitempty"`
}

// Validate checks the fields required for the node's kind.
func (n *Node) Validate() error {
	switch n.Kind {
	case NodeMessage:
		switch n.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return fmt.Errorf("%w: message node requires a role, got %q", ErrInvalidArgument, n.Role)
		}
	case NodeState:
		if n.ArtefactSnapshot == "" {
			return fmt.Errorf("%w: state node requires artefactSnapshot", ErrInvalidArgument)
		}
	case NodeMerge:
		if n.MergeFrom == "" || n.SourceCommit == "" {
			return fmt.Errorf("%w: merge node requires mergeFrom and sourceCommit", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown node kind %q", ErrInvalidArgument, n.Kind)
	}
	return nil
}

// Marshal serializes the node payload for storage. CreatedOnBranch is a
// read-time projection and is stripped first.
func (n *Node) Marshal() ([]byte, error) {
	clone := *n
	clone.CreatedOnBranch = ""
	data, err := json.Marshal(&clone)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal node %s: %w", n.ID, err)
	}
	return data, nil
}

// UnmarshalNode parses a stored node payload.
func UnmarshalNode(data []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node: %w", err)
	}
	return &n, nil
}

// FlattenBlocks returns the textual content of a block list in order.
// Signature payloads contribute nothing.
func FlattenBlocks(blocks []Block) string {
	var out string
	for _, b := range blocks {
		out += b.Text
	}
	return out
}
