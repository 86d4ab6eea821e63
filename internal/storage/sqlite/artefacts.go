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

// UpdateArtefact is the explicit canvas save: a new commit along the
// ref carrying an artefact row (always) and, when p.StateNode is set, a
// state node whose snapshot is the content hash. The trunk-only policy
// is enforced by the canvas engine, not here.
func (s *SQLiteStorage) UpdateArtefact(ctx context.Context, p storage.ArtefactSaveParams) (*storage.ArtefactSaveResult, error) {
	if p.Kind == "" {
		p.Kind = types.ArtefactKindCanvas
	}
	contentHash := types.ContentHash(p.Content)

	var result storage.ArtefactSaveResult
	err := s.withTxTimeout(ctx, p.LockTimeout, func(tx *sql.Tx) error {
		if err := requireMember(ctx, tx, p.ProjectID, p.UserID); err != nil {
			return err
		}
		ref, err := getRef(ctx, tx, p.ProjectID, p.RefID)
		if err != nil {
			return err
		}
		if err := checkLeaseForWrite(ctx, tx, p.ProjectID, p.RefID, p.Session); err != nil {
			return err
		}

		prev, err := maxOrdinal(ctx, tx, p.ProjectID, p.RefID)
		if err != nil {
			return err
		}
		ordinal := prev + 1

		message := p.Message
		if message == "" {
			message = "canvas save"
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

		artefact := &types.Artefact{
			ProjectID:   p.ProjectID,
			CommitID:    commit.ID,
			Kind:        p.Kind,
			Content:     p.Content,
			ContentHash: contentHash,
			OriginRefID: p.RefID,
			CreatedAt:   now,
		}
		if err := insertArtefact(ctx, tx, artefact); err != nil {
			return err
		}

		if p.StateNode != nil {
			node := p.StateNode
			if node.ID == "" {
				node.ID = uuid.NewString()
			}
			node.Kind = types.NodeState
			node.ArtefactSnapshot = contentHash
			if node.Timestamp == 0 {
				node.Timestamp = types.Millis(now)
			}
			if node.Parent == "" {
				parent, err := tipNodeID(ctx, tx, p.ProjectID, ref.TipCommitID)
				if err != nil {
					return err
				}
				node.Parent = parent
			}
			if err := insertNodeRow(ctx, tx, p.ProjectID, commit.ID, p.RefID, "", p.UserID, node); err != nil {
				return err
			}
			result.StateNodeID = node.ID
		}

		if err := appendCommitOrder(ctx, tx, p.ProjectID, p.RefID, ordinal, commit.ID); err != nil {
			return err
		}
		if err := advanceTip(ctx, tx, p.ProjectID, p.RefID, commit.ID, ordinal); err != nil {
			return err
		}

		result.CommitID = commit.ID
		result.Ordinal = ordinal
		result.ContentHash = contentHash
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func getDraft(ctx context.Context, q execer, projectID, refID, userID string) (*types.Draft, error) {
	var d types.Draft
	err := q.QueryRowContext(ctx, `
		SELECT project_id, ref_id, user_id, content, content_hash, updated_at
		FROM artefact_drafts
		WHERE project_id = ? AND ref_id = ? AND user_id = ?
	`, projectID, refID, userID).Scan(&d.ProjectID, &d.RefID, &d.UserID, &d.Content, &d.ContentHash, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get draft: %w", err)
	}
	return &d, nil
}

func saveDraft(ctx context.Context, q execer, projectID, refID, userID, content string) (*types.Draft, error) {
	now := time.Now()
	draft := &types.Draft{
		ProjectID:   projectID,
		RefID:       refID,
		UserID:      userID,
		Content:     content,
		ContentHash: types.ContentHash(content),
		UpdatedAt:   now,
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO artefact_drafts (project_id, ref_id, user_id, content, content_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, ref_id, user_id) DO UPDATE SET
			content = excluded.content,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at
	`, projectID, refID, userID, content, draft.ContentHash, now)
	if err != nil {
		return nil, fmt.Errorf("failed to save draft: %w", err)
	}
	return draft, nil
}

// SaveDraft upserts the caller's draft. No commit is created.
func (s *SQLiteStorage) SaveDraft(ctx context.Context, projectID, refID, userID, content string) (*types.Draft, error) {
	if err := requireMember(ctx, s.db, projectID, userID); err != nil {
		return nil, err
	}
	if _, err := getRef(ctx, s.db, projectID, refID); err != nil {
		return nil, err
	}
	return saveDraft(ctx, s.db, projectID, refID, userID, content)
}

// GetDraft reads the caller's draft, or nil when absent.
func (s *SQLiteStorage) GetDraft(ctx context.Context, projectID, refID, userID string) (*types.Draft, error) {
	return getDraft(ctx, s.db, projectID, refID, userID)
}

// DeleteDraft discards the caller's draft. Missing drafts are a no-op.
func (s *SQLiteStorage) DeleteDraft(ctx context.Context, projectID, refID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM artefact_drafts WHERE project_id = ? AND ref_id = ? AND user_id = ?
	`, projectID, refID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete draft: %w", err)
	}
	return nil
}

// GetCanvas resolves the canvas visible to one user on one ref:
// the user's draft first, else the latest artefact along the ref's
// commit_order, else empty.
func (s *SQLiteStorage) GetCanvas(ctx context.Context, projectID, refID, userID string) (*types.CanvasView, error) {
	if _, err := getRef(ctx, s.db, projectID, refID); err != nil {
		return nil, err
	}

	draft, err := getDraft(ctx, s.db, projectID, refID, userID)
	if err != nil {
		return nil, err
	}
	if draft != nil {
		return &types.CanvasView{
			Content:   draft.Content,
			Hash:      draft.ContentHash,
			UpdatedAt: draft.UpdatedAt,
			Source:    types.CanvasFromDraft,
		}, nil
	}

	artefact, err := latestArtefact(ctx, s.db, projectID, refID, types.ArtefactKindCanvas)
	if err != nil {
		return nil, err
	}
	if artefact != nil {
		return &types.CanvasView{
			Content:   artefact.Content,
			Hash:      artefact.ContentHash,
			UpdatedAt: artefact.CreatedAt,
			Source:    types.CanvasFromArtefact,
		}, nil
	}

	return &types.CanvasView{Source: types.CanvasEmpty}, nil
}

// LatestArtefact returns the most recent artefact of the given kind on
// the ref, ignoring drafts, or nil when the ref has none.
func (s *SQLiteStorage) LatestArtefact(ctx context.Context, projectID, refID, kind string) (*types.Artefact, error) {
	if kind == "" {
		kind = types.ArtefactKindCanvas
	}
	return latestArtefact(ctx, s.db, projectID, refID, kind)
}
