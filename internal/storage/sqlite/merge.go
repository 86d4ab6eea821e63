package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/internal/types"
)

// MergeOurs records a structural merge on the target ref: a new commit
// with parent1 = target tip and parent2 = source tip, carrying exactly
// one merge node. Target content is untouched; no artefact row is
// written even when the source's canvas differs.
func (s *SQLiteStorage) MergeOurs(ctx context.Context, p storage.MergeParams) (*storage.MergeResult, error) {
	if p.MergeNode == nil {
		return nil, fmt.Errorf("%w: merge node is required", types.ErrInvalidArgument)
	}
	if p.TargetRefID == p.SourceRefID {
		return nil, fmt.Errorf("%w: cannot merge a ref into itself", types.ErrInvalidArgument)
	}

	node := p.MergeNode
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	node.Kind = types.NodeMerge
	if node.Timestamp == 0 {
		node.Timestamp = types.Millis(time.Now())
	}

	var result storage.MergeResult
	err := s.withTxTimeout(ctx, p.LockTimeout, func(tx *sql.Tx) error {
		if err := requireMember(ctx, tx, p.ProjectID, p.UserID); err != nil {
			return err
		}
		target, err := getRef(ctx, tx, p.ProjectID, p.TargetRefID)
		if err != nil {
			return err
		}
		source, err := getRef(ctx, tx, p.ProjectID, p.SourceRefID)
		if err != nil {
			return err
		}
		if err := checkLeaseForWrite(ctx, tx, p.ProjectID, p.TargetRefID, p.Session); err != nil {
			return err
		}

		if node.SourceCommit == "" {
			node.SourceCommit = source.TipCommitID
		}
		if node.MergeFrom == "" {
			node.MergeFrom = source.Name
		}
		if err := node.Validate(); err != nil {
			return err
		}

		prev, err := maxOrdinal(ctx, tx, p.ProjectID, p.TargetRefID)
		if err != nil {
			return err
		}
		ordinal := prev + 1

		if node.Parent == "" {
			parent, err := tipNodeID(ctx, tx, p.ProjectID, target.TipCommitID)
			if err != nil {
				return err
			}
			node.Parent = parent
		}

		message := p.Message
		if message == "" {
			message = fmt.Sprintf("merge %s", source.Name)
		}
		now := time.Now()
		commit := &types.Commit{
			ID:        uuid.NewString(),
			ProjectID: p.ProjectID,
			Parent1:   target.TipCommitID,
			Parent2:   source.TipCommitID,
			Message:   message,
			Author:    p.UserID,
			CreatedAt: now,
		}
		if err := insertCommit(ctx, tx, commit); err != nil {
			return err
		}
		if err := insertNodeRow(ctx, tx, p.ProjectID, commit.ID, p.TargetRefID, p.SourceRefID, p.UserID, node); err != nil {
			return err
		}
		if err := appendCommitOrder(ctx, tx, p.ProjectID, p.TargetRefID, ordinal, commit.ID); err != nil {
			return err
		}
		if err := advanceTip(ctx, tx, p.ProjectID, p.TargetRefID, commit.ID, ordinal); err != nil {
			return err
		}

		result.CommitID = commit.ID
		result.MergeNodeID = node.ID
		result.Ordinal = ordinal
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
