package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/loomlabs/loom/internal/types"
)

func setCurrentRef(ctx context.Context, q execer, projectID, userID, refID string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO project_user_prefs (project_id, user_id, current_ref_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (project_id, user_id) DO UPDATE SET
			current_ref_id = excluded.current_ref_id,
			updated_at = excluded.updated_at
	`, projectID, userID, refID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set current ref: %w", err)
	}
	return nil
}

// SetCurrentRef records the user's current-branch projection. Shared
// state never moves; this is purely per-user.
func (s *SQLiteStorage) SetCurrentRef(ctx context.Context, projectID, userID, refID string) error {
	if _, err := getRef(ctx, s.db, projectID, refID); err != nil {
		return err
	}
	return setCurrentRef(ctx, s.db, projectID, userID, refID)
}

// GetCurrentRef returns the user's current ref id, falling back to the
// trunk when the user has no preference yet.
func (s *SQLiteStorage) GetCurrentRef(ctx context.Context, projectID, userID string) (string, error) {
	var refID string
	err := s.db.QueryRowContext(ctx, `
		SELECT current_ref_id FROM project_user_prefs
		WHERE project_id = ? AND user_id = ?
	`, projectID, userID).Scan(&refID)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to get current ref: %w", err)
	}
	if refID != "" {
		// The preferred ref may have been deleted since.
		if _, err := getRef(ctx, s.db, projectID, refID); err == nil {
			return refID, nil
		}
	}

	trunk, err := s.GetRefByName(ctx, projectID, types.TrunkName)
	if err != nil {
		return "", err
	}
	return trunk.ID, nil
}

// ToggleStar flips the star on a node and reports the new state. Stars
// are not provenance and never create commits.
func (s *SQLiteStorage) ToggleStar(ctx context.Context, projectID, nodeID, userID string) (bool, error) {
	var starred bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `
			SELECT 1 FROM stars WHERE project_id = ? AND node_id = ?
		`, projectID, nodeID).Scan(&one)
		switch {
		case err == sql.ErrNoRows:
			var exists int
			err := tx.QueryRowContext(ctx, `
				SELECT 1 FROM nodes WHERE project_id = ? AND id = ?
			`, projectID, nodeID).Scan(&exists)
			if err == sql.ErrNoRows {
				return fmt.Errorf("%w: %s", types.ErrNodeNotFound, nodeID)
			}
			if err != nil {
				return fmt.Errorf("failed to check node: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO stars (project_id, node_id, starred_by) VALUES (?, ?, ?)
			`, projectID, nodeID, userID); err != nil {
				return fmt.Errorf("failed to star node: %w", err)
			}
			starred = true
		case err != nil:
			return fmt.Errorf("failed to check star: %w", err)
		default:
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM stars WHERE project_id = ? AND node_id = ?
			`, projectID, nodeID); err != nil {
				return fmt.Errorf("failed to unstar node: %w", err)
			}
			starred = false
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return starred, nil
}

// ListStars returns the starred node ids in a project.
func (s *SQLiteStorage) ListStars(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id FROM stars WHERE project_id = ? ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stars: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan star: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stars: %w", err)
	}
	return out, nil
}
