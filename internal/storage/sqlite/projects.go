package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loomlabs/loom/internal/types"
)

// CreateProject creates a project, enrolls the owner as a member, and
// creates the trunk ref named "main" with an empty tip and the owner's
// provider/model defaults.
func (s *SQLiteStorage) CreateProject(ctx context.Context, name, description, ownerID string, provider types.Provider, model string) (*types.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: project name is required", types.ErrInvalidArgument)
	}
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", types.ErrInvalidArgument)
	}

	now := time.Now()
	project := &types.Project{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		OwnerID:     ownerID,
		CreatedAt:   now,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projects (id, name, description, owner_id, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, project.ID, project.Name, project.Description, project.OwnerID, now)
		if err != nil {
			return fmt.Errorf("failed to insert project: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO project_members (project_id, user_id, added_at)
			VALUES (?, ?, ?)
		`, project.ID, ownerID, now)
		if err != nil {
			return fmt.Errorf("failed to enroll owner: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO refs (id, project_id, name, tip_commit_id, tip_ordinal, provider, model, created_at)
			VALUES (?, ?, ?, '', -1, ?, ?, ?)
		`, uuid.NewString(), project.ID, types.TrunkName, string(provider), model, now)
		if err != nil {
			return fmt.Errorf("failed to create trunk ref: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

// GetProject reads a project by id.
func (s *SQLiteStorage) GetProject(ctx context.Context, projectID string) (*types.Project, error) {
	var p types.Project
	var pinned sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, owner_id, pinned_ref_id, created_at
		FROM projects WHERE id = ?
	`, projectID).Scan(&p.ID, &p.Name, &p.Description, &p.OwnerID, &pinned, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", types.ErrProjectNotFound, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	p.PinnedRefID = pinned.String
	return &p, nil
}

// DeleteProject hard-deletes a project. Foreign keys cascade through
// refs, commits, nodes, artefacts, drafts and leases. Only the owner
// may delete.
func (s *SQLiteStorage) DeleteProject(ctx context.Context, projectID, userID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT owner_id FROM projects WHERE id = ?`, projectID).Scan(&owner)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", types.ErrProjectNotFound, projectID)
		}
		if err != nil {
			return fmt.Errorf("failed to read project owner: %w", err)
		}
		if owner != userID {
			return fmt.Errorf("%w: only the owner can delete project %s", types.ErrNotAuthorized, projectID)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, projectID); err != nil {
			return fmt.Errorf("failed to delete project: %w", err)
		}
		return nil
	})
}

// AddMember enrolls a user in a project. Adding an existing member is a
// no-op.
func (s *SQLiteStorage) AddMember(ctx context.Context, projectID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id)
		VALUES (?, ?)
		ON CONFLICT (project_id, user_id) DO NOTHING
	`, projectID, userID)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

// IsMember is the membership predicate every write checks.
func (s *SQLiteStorage) IsMember(ctx context.Context, projectID, userID string) (bool, error) {
	return isMember(ctx, s.db, projectID, userID)
}

func isMember(ctx context.Context, q execer, projectID, userID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `
		SELECT 1 FROM project_members WHERE project_id = ? AND user_id = ?
	`, projectID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return true, nil
}

// requireMember returns ErrNotAuthorized unless userID belongs to the
// project.
func requireMember(ctx context.Context, q execer, projectID, userID string) error {
	ok, err := isMember(ctx, q, projectID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: user %s on project %s", types.ErrNotAuthorized, userID, projectID)
	}
	return nil
}
