package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/internal/types"
)

func validateBranchName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: ref name is required", types.ErrInvalidArgument)
	}
	if name == types.TrunkName {
		return fmt.Errorf("%w: %q is reserved for the trunk", types.ErrConflict, types.TrunkName)
	}
	return nil
}

func insertRef(ctx context.Context, tx *sql.Tx, ref *types.Ref) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO refs (id, project_id, name, tip_commit_id, tip_ordinal, provider, model, previous_response_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ref.ID, ref.ProjectID, ref.Name, ref.TipCommitID, ref.TipOrdinal,
		string(ref.Provider), ref.Model, ref.PreviousResponseID, ref.CreatedAt)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: ref name %q already exists", types.ErrConflict, ref.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to insert ref: %w", err)
	}
	return nil
}

// copyCommitOrderPrefix copies the source ref's commit_order rows with
// ordinal <= upTo into the new ref, preserving ordinals and commit ids.
func copyCommitOrderPrefix(ctx context.Context, tx *sql.Tx, projectID, sourceRefID, newRefID string, upTo int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO commit_order (project_id, ref_id, ordinal, commit_id)
		SELECT project_id, ?, ordinal, commit_id
		FROM commit_order
		WHERE project_id = ? AND ref_id = ? AND ordinal <= ?
	`, newRefID, projectID, sourceRefID, upTo)
	if err != nil {
		return fmt.Errorf("failed to copy commit order: %w", err)
	}
	return nil
}

// CreateRefFromRef creates a full alias of the source ref's tip: the
// new ref shares the entire commit_order prefix and diverges only on
// subsequent appends.
func (s *SQLiteStorage) CreateRefFromRef(ctx context.Context, p storage.BranchParams) (*storage.BranchResult, error) {
	if err := validateBranchName(p.NewName); err != nil {
		return nil, err
	}

	var result storage.BranchResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireMember(ctx, tx, p.ProjectID, p.UserID); err != nil {
			return err
		}
		source, err := getRef(ctx, tx, p.ProjectID, p.SourceRefID)
		if err != nil {
			return err
		}

		ref := &types.Ref{
			ID:                 uuid.NewString(),
			ProjectID:          p.ProjectID,
			Name:               strings.TrimSpace(p.NewName),
			TipCommitID:        source.TipCommitID,
			TipOrdinal:         source.TipOrdinal,
			Provider:           p.Provider,
			Model:              p.Model,
			PreviousResponseID: p.PreviousResponseID,
			CreatedAt:          time.Now(),
		}
		if err := insertRef(ctx, tx, ref); err != nil {
			return err
		}
		if source.TipOrdinal >= 0 {
			if err := copyCommitOrderPrefix(ctx, tx, p.ProjectID, source.ID, ref.ID, source.TipOrdinal); err != nil {
				return err
			}
		}

		result.RefID = ref.ID
		result.BaseCommitID = source.TipCommitID
		result.BaseOrdinal = source.TipOrdinal
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateRefFromNode creates a ref whose history ends at the parent of
// nodeID's commit on the source ref: the "answer differently from here"
// flow. Branching from the first node yields an empty ref.
func (s *SQLiteStorage) CreateRefFromNode(ctx context.Context, p storage.BranchParams, nodeID string) (*storage.BranchResult, error) {
	if err := validateBranchName(p.NewName); err != nil {
		return nil, err
	}

	var result storage.BranchResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireMember(ctx, tx, p.ProjectID, p.UserID); err != nil {
			return err
		}
		source, err := getRef(ctx, tx, p.ProjectID, p.SourceRefID)
		if err != nil {
			return err
		}

		var commitID string
		err = tx.QueryRowContext(ctx, `
			SELECT commit_id FROM nodes WHERE project_id = ? AND id = ?
		`, p.ProjectID, nodeID).Scan(&commitID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", types.ErrNodeNotFound, nodeID)
		}
		if err != nil {
			return fmt.Errorf("failed to look up node commit: %w", err)
		}

		var nodeOrdinal int64
		err = tx.QueryRowContext(ctx, `
			SELECT ordinal FROM commit_order
			WHERE project_id = ? AND ref_id = ? AND commit_id = ?
		`, p.ProjectID, source.ID, commitID).Scan(&nodeOrdinal)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: node %s is not on ref %s", types.ErrInvalidArgument, nodeID, source.Name)
		}
		if err != nil {
			return fmt.Errorf("failed to locate node on ref: %w", err)
		}

		baseOrdinal := nodeOrdinal - 1
		baseCommitID := ""
		if baseOrdinal >= 0 {
			err = tx.QueryRowContext(ctx, `
				SELECT commit_id FROM commit_order
				WHERE project_id = ? AND ref_id = ? AND ordinal = ?
			`, p.ProjectID, source.ID, baseOrdinal).Scan(&baseCommitID)
			if err != nil {
				return fmt.Errorf("failed to read base commit: %w", err)
			}
		}

		ref := &types.Ref{
			ID:                 uuid.NewString(),
			ProjectID:          p.ProjectID,
			Name:               strings.TrimSpace(p.NewName),
			TipCommitID:        baseCommitID,
			TipOrdinal:         baseOrdinal,
			Provider:           p.Provider,
			Model:              p.Model,
			PreviousResponseID: p.PreviousResponseID,
			CreatedAt:          time.Now(),
		}
		if err := insertRef(ctx, tx, ref); err != nil {
			return err
		}
		if baseOrdinal >= 0 {
			if err := copyCommitOrderPrefix(ctx, tx, p.ProjectID, source.ID, ref.ID, baseOrdinal); err != nil {
				return err
			}
		}

		result.RefID = ref.ID
		result.BaseCommitID = baseCommitID
		result.BaseOrdinal = baseOrdinal
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
