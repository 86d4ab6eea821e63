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

// checkLeaseForWrite fails with ErrLeaseHeld when an unexpired lease on
// the ref belongs to a different session. Expired leases never block.
func checkLeaseForWrite(ctx context.Context, q execer, projectID, refID, session string) error {
	lease, err := readLease(ctx, q, projectID, refID)
	if err != nil {
		return err
	}
	if lease == nil || lease.Expired(time.Now()) {
		return nil
	}
	if session != "" && lease.HolderSession == session {
		return nil
	}
	return fmt.Errorf("%w: held by session %s until %s",
		types.ErrLeaseHeld, lease.HolderSession, lease.ExpiresAt.Format(time.RFC3339))
}

func insertCommit(ctx context.Context, tx *sql.Tx, c *types.Commit) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO commits (id, project_id, parent1, parent2, message, author, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.ProjectID, c.Parent1, c.Parent2, c.Message, c.Author, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert commit: %w", err)
	}
	return nil
}

func insertNodeRow(ctx context.Context, tx *sql.Tx, projectID, commitID, refID, mergeFromRefID, author string, node *types.Node) error {
	payload, err := node.Marshal()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO nodes (id, project_id, commit_id, kind, role, created_on_ref_id, merge_from_ref_id, author, ts_ms, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, node.ID, projectID, commitID, string(node.Kind), string(node.Role),
		refID, mergeFromRefID, author, node.Timestamp, string(payload))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: node id %s already exists", types.ErrConflict, node.ID)
		}
		return fmt.Errorf("failed to insert node: %w", err)
	}
	return nil
}

// latestArtefact returns the most recent artefact of the given kind
// along the ref's commit_order, or nil when the ref has none.
func latestArtefact(ctx context.Context, q execer, projectID, refID, kind string) (*types.Artefact, error) {
	row := q.QueryRowContext(ctx, `
		SELECT a.project_id, a.commit_id, a.kind, a.content, a.content_hash, a.origin_ref_id, a.created_at
		FROM commit_order co
		JOIN artefacts a ON a.project_id = co.project_id AND a.commit_id = co.commit_id AND a.kind = ?
		WHERE co.project_id = ? AND co.ref_id = ?
		ORDER BY co.ordinal DESC
		LIMIT 1
	`, kind, projectID, refID)

	var a types.Artefact
	err := row.Scan(&a.ProjectID, &a.CommitID, &a.Kind, &a.Content, &a.ContentHash, &a.OriginRefID, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest artefact: %w", err)
	}
	return &a, nil
}

func insertArtefact(ctx context.Context, tx *sql.Tx, a *types.Artefact) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO artefacts (project_id, commit_id, kind, content, content_hash, origin_ref_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ProjectID, a.CommitID, a.Kind, a.Content, a.ContentHash, a.OriginRefID, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert artefact: %w", err)
	}
	return nil
}

func appendCommitOrder(ctx context.Context, tx *sql.Tx, projectID, refID string, ordinal int64, commitID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO commit_order (project_id, ref_id, ordinal, commit_id)
		VALUES (?, ?, ?, ?)
	`, projectID, refID, ordinal, commitID)
	if err != nil {
		return fmt.Errorf("failed to append commit order: %w", err)
	}
	return nil
}

func advanceTip(ctx context.Context, tx *sql.Tx, projectID, refID, commitID string, ordinal int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE refs SET tip_commit_id = ?, tip_ordinal = ? WHERE project_id = ? AND id = ?
	`, commitID, ordinal, projectID, refID)
	if err != nil {
		return fmt.Errorf("failed to advance ref tip: %w", err)
	}
	return nil
}

// tipNodeID returns the id of the node attached to the ref's tip
// commit, or "" when the ref is empty. Used to fill the parent hint on
// new nodes.
func tipNodeID(ctx context.Context, tx *sql.Tx, projectID, tipCommitID string) (string, error) {
	if tipCommitID == "" {
		return "", nil
	}
	var id string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM nodes WHERE project_id = ? AND commit_id = ? LIMIT 1
	`, projectID, tipCommitID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read tip node: %w", err)
	}
	return id, nil
}

// AppendNode executes the atomic append-a-node operation:
//
//  1. read the ref tip and current max ordinal under the write lock
//  2. allocate ordinal = prev + 1
//  3. insert a commit with parent1 = tip
//  4. insert the node on that commit
//  5. optionally promote the caller's draft into an artefact (hash-gated)
//  6. append the commit_order row and advance the ref tip
func (s *SQLiteStorage) AppendNode(ctx context.Context, p storage.AppendParams) (*storage.AppendResult, error) {
	if p.Node == nil {
		return nil, fmt.Errorf("%w: node is required", types.ErrInvalidArgument)
	}
	if p.Node.ID == "" {
		p.Node.ID = uuid.NewString()
	}
	if p.Node.Timestamp == 0 {
		p.Node.Timestamp = types.Millis(time.Now())
	}
	if err := p.Node.Validate(); err != nil {
		return nil, err
	}

	var result storage.AppendResult
	err := s.withTxTimeout(ctx, p.LockTimeout, func(tx *sql.Tx) error {
		if err := requireMember(ctx, tx, p.ProjectID, p.UserID); err != nil {
			return err
		}
		ref, err := getRef(ctx, tx, p.ProjectID, p.RefID)
		if err != nil {
			return err
		}
		if !p.IgnoreLease {
			if err := checkLeaseForWrite(ctx, tx, p.ProjectID, p.RefID, p.Session); err != nil {
				return err
			}
		}

		prev, err := maxOrdinal(ctx, tx, p.ProjectID, p.RefID)
		if err != nil {
			return err
		}
		ordinal := prev + 1

		if p.Node.Parent == "" {
			parent, err := tipNodeID(ctx, tx, p.ProjectID, ref.TipCommitID)
			if err != nil {
				return err
			}
			p.Node.Parent = parent
		}

		message := p.Message
		if message == "" {
			message = string(p.Node.Kind)
		}
		now := time.Now()
		commit := &types.Commit{
			ID:        uuid.NewString(),
			ProjectID: p.ProjectID,
			Parent1:   ref.TipCommitID,
			Message:   message,
			Author:    p.UserID,
			CreatedAt: now,
		}
		if err := insertCommit(ctx, tx, commit); err != nil {
			return err
		}
		if err := insertNodeRow(ctx, tx, p.ProjectID, commit.ID, p.RefID, "", p.UserID, p.Node); err != nil {
			return err
		}

		if p.AttachDraft {
			draft, err := getDraft(ctx, tx, p.ProjectID, p.RefID, p.UserID)
			if err != nil {
				return err
			}
			if draft != nil {
				latest, err := latestArtefact(ctx, tx, p.ProjectID, p.RefID, types.ArtefactKindCanvas)
				if err != nil {
					return err
				}
				if latest == nil || latest.ContentHash != draft.ContentHash {
					artefact := &types.Artefact{
						ProjectID:   p.ProjectID,
						CommitID:    commit.ID,
						Kind:        types.ArtefactKindCanvas,
						Content:     draft.Content,
						ContentHash: draft.ContentHash,
						OriginRefID: p.RefID,
						CreatedAt:   now,
					}
					if err := insertArtefact(ctx, tx, artefact); err != nil {
						return err
					}
					result.ArtefactCreated = true
					result.ArtefactHash = draft.ContentHash
				}
			}
		}

		if err := appendCommitOrder(ctx, tx, p.ProjectID, p.RefID, ordinal, commit.ID); err != nil {
			return err
		}
		if err := advanceTip(ctx, tx, p.ProjectID, p.RefID, commit.ID, ordinal); err != nil {
			return err
		}

		result.CommitID = commit.ID
		result.NodeID = p.Node.ID
		result.Ordinal = ordinal
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
