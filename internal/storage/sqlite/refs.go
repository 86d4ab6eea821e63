package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/loomlabs/loom/internal/types"
)

func scanRef(row *sql.Row) (*types.Ref, error) {
	var r types.Ref
	var provider string
	err := row.Scan(&r.ID, &r.ProjectID, &r.Name, &r.TipCommitID, &r.TipOrdinal,
		&provider, &r.Model, &r.PreviousResponseID, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Provider = types.Provider(provider)
	return &r, nil
}

const refColumns = `id, project_id, name, tip_commit_id, tip_ordinal, provider, model, previous_response_id, created_at`

func getRef(ctx context.Context, q execer, projectID, refID string) (*types.Ref, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+refColumns+` FROM refs WHERE project_id = ? AND id = ?
	`, projectID, refID)
	ref, err := scanRef(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", types.ErrRefNotFound, refID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ref: %w", err)
	}
	return ref, nil
}

// GetRef reads a ref by id.
func (s *SQLiteStorage) GetRef(ctx context.Context, projectID, refID string) (*types.Ref, error) {
	return getRef(ctx, s.db, projectID, refID)
}

// GetRefByName reads a ref by its display name.
func (s *SQLiteStorage) GetRefByName(ctx context.Context, projectID, name string) (*types.Ref, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+refColumns+` FROM refs WHERE project_id = ? AND name = ?
	`, projectID, name)
	ref, err := scanRef(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", types.ErrRefNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ref by name: %w", err)
	}
	return ref, nil
}

// ListRefs returns the per-ref projection consumed by clients. The node
// count is tip_ordinal+1 by the density invariant; no commit_order scan
// is needed.
func (s *SQLiteStorage) ListRefs(ctx context.Context, projectID string) ([]*types.RefInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.tip_commit_id, r.tip_ordinal, r.provider, r.model,
		       (r.id = p.pinned_ref_id) AS pinned
		FROM refs r
		JOIN projects p ON p.id = r.project_id
		WHERE r.project_id = ?
		ORDER BY r.created_at, r.id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list refs: %w", err)
	}
	defer rows.Close()

	var out []*types.RefInfo
	for rows.Next() {
		var info types.RefInfo
		var tipOrdinal int64
		var provider string
		var pinned bool
		if err := rows.Scan(&info.ID, &info.Name, &info.TipCommitID, &tipOrdinal, &provider, &info.Model, &pinned); err != nil {
			return nil, fmt.Errorf("failed to scan ref: %w", err)
		}
		info.NodeCount = tipOrdinal + 1
		info.Provider = types.Provider(provider)
		info.IsTrunk = info.Name == types.TrunkName
		info.IsPinned = pinned
		out = append(out, &info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate refs: %w", err)
	}
	return out, nil
}

// RenameRef renames a non-trunk ref. Name clashes surface as ErrConflict.
func (s *SQLiteStorage) RenameRef(ctx context.Context, projectID, refID, newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return fmt.Errorf("%w: ref name is required", types.ErrInvalidArgument)
	}
	if newName == types.TrunkName {
		return fmt.Errorf("%w: %q is reserved for the trunk", types.ErrConflict, types.TrunkName)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ref, err := getRef(ctx, tx, projectID, refID)
		if err != nil {
			return err
		}
		if ref.IsTrunk() {
			return fmt.Errorf("%w: trunk cannot be renamed", types.ErrInvalidArgument)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE refs SET name = ? WHERE project_id = ? AND id = ?
		`, newName, projectID, refID)
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: ref name %q already exists", types.ErrConflict, newName)
		}
		if err != nil {
			return fmt.Errorf("failed to rename ref: %w", err)
		}
		return nil
	})
}

// PinRef marks a ref as the project's pinned ref.
func (s *SQLiteStorage) PinRef(ctx context.Context, projectID, refID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getRef(ctx, tx, projectID, refID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE projects SET pinned_ref_id = ? WHERE id = ?
		`, refID, projectID); err != nil {
			return fmt.Errorf("failed to pin ref: %w", err)
		}
		return nil
	})
}

// DeleteRef deletes a non-trunk, non-pinned ref. Commits and nodes
// shared with other refs survive; only the ref row, its commit_order,
// drafts and lease cascade away.
func (s *SQLiteStorage) DeleteRef(ctx context.Context, projectID, refID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ref, err := getRef(ctx, tx, projectID, refID)
		if err != nil {
			return err
		}
		if ref.IsTrunk() {
			return fmt.Errorf("%w: trunk cannot be deleted", types.ErrInvalidArgument)
		}
		var pinned string
		if err := tx.QueryRowContext(ctx, `SELECT pinned_ref_id FROM projects WHERE id = ?`, projectID).Scan(&pinned); err != nil {
			return fmt.Errorf("failed to read pinned ref: %w", err)
		}
		if pinned == refID {
			return fmt.Errorf("%w: ref %s is pinned", types.ErrConflict, refID)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM refs WHERE project_id = ? AND id = ?`, projectID, refID); err != nil {
			return fmt.Errorf("failed to delete ref: %w", err)
		}
		return nil
	})
}

// SetRefResponseID updates the branch-locked previous_response_id. Only
// the stream coordinator calls this, under the ref lock.
func (s *SQLiteStorage) SetRefResponseID(ctx context.Context, projectID, refID, responseID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE refs SET previous_response_id = ? WHERE project_id = ? AND id = ?
		`, responseID, projectID, refID)
		if err != nil {
			return fmt.Errorf("failed to set previous_response_id: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", types.ErrRefNotFound, refID)
		}
		return nil
	})
}

// CommitOrder returns the ref's commit ids in ordinal order.
func (s *SQLiteStorage) CommitOrder(ctx context.Context, projectID, refID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT commit_id FROM commit_order
		WHERE project_id = ? AND ref_id = ?
		ORDER BY ordinal
	`, projectID, refID)
	if err != nil {
		return nil, fmt.Errorf("failed to read commit order: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan commit id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate commit order: %w", err)
	}
	return out, nil
}

// maxOrdinal returns the ref's highest ordinal, or -1 when empty.
func maxOrdinal(ctx context.Context, q execer, projectID, refID string) (int64, error) {
	var ord sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT MAX(ordinal) FROM commit_order WHERE project_id = ? AND ref_id = ?
	`, projectID, refID).Scan(&ord)
	if err != nil {
		return 0, fmt.Errorf("failed to read max ordinal: %w", err)
	}
	if !ord.Valid {
		return -1, nil
	}
	return ord.Int64, nil
}
