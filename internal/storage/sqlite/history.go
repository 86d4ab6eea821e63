package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/internal/types"
)

// defaultHistoryLimit is used when a query does not bound its page.
const defaultHistoryLimit = 40

// GetHistory returns a page of the ref's linearized history, ascending
// by ordinal. Paging is ordinal-keyed: pass the oldest ordinal of the
// previous page as BeforeOrdinal to walk further back.
func (s *SQLiteStorage) GetHistory(ctx context.Context, q storage.HistoryQuery) ([]*types.HistoryEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if _, err := getRef(ctx, s.db, q.ProjectID, q.RefID); err != nil {
		return nil, err
	}

	query := `
		SELECT co.ordinal, n.payload, cr.name, COALESCE(mr.name, '')
		FROM commit_order co
		JOIN nodes n ON n.project_id = co.project_id AND n.commit_id = co.commit_id
		JOIN refs cr ON cr.id = n.created_on_ref_id
		LEFT JOIN refs mr ON mr.id = n.merge_from_ref_id
		WHERE co.project_id = ? AND co.ref_id = ?`
	args := []interface{}{q.ProjectID, q.RefID}
	if q.BeforeOrdinal >= 0 {
		query += ` AND co.ordinal < ?`
		args = append(args, q.BeforeOrdinal)
	}
	query += ` ORDER BY co.ordinal DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var page []*types.HistoryEntry
	for rows.Next() {
		var ordinal int64
		var payload, createdOn, mergeFrom string
		if err := rows.Scan(&ordinal, &payload, &createdOn, &mergeFrom); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		node, err := types.UnmarshalNode([]byte(payload))
		if err != nil {
			return nil, err
		}
		node.CreatedOnBranch = createdOn
		if !q.IncludeRawResponse {
			node.RawResponse = nil
		}
		if mergeFrom == "" {
			// The merge-from ref may have been deleted since; the
			// payload keeps the name captured at merge time.
			mergeFrom = node.MergeFrom
		}
		page = append(page, &types.HistoryEntry{
			Ordinal:      ordinal,
			Node:         node,
			CreatedOnRef: createdOn,
			MergeFromRef: mergeFrom,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}

	// Fetched newest-first for the LIMIT; callers read oldest-first.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

func getNode(ctx context.Context, q execer, projectID, nodeID string, includeRaw bool) (*types.Node, error) {
	var payload, createdOnRefID string
	err := q.QueryRowContext(ctx, `
		SELECT payload, created_on_ref_id FROM nodes WHERE project_id = ? AND id = ?
	`, projectID, nodeID).Scan(&payload, &createdOnRefID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", types.ErrNodeNotFound, nodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}

	node, err := types.UnmarshalNode([]byte(payload))
	if err != nil {
		return nil, err
	}
	if !includeRaw {
		node.RawResponse = nil
	}

	var refName string
	err = q.QueryRowContext(ctx, `SELECT name FROM refs WHERE id = ?`, createdOnRefID).Scan(&refName)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to resolve ref name: %w", err)
	}
	node.CreatedOnBranch = refName
	return node, nil
}

// GetNode reads a node by id with its rawResponse stripped.
func (s *SQLiteStorage) GetNode(ctx context.Context, projectID, nodeID string) (*types.Node, error) {
	return getNode(ctx, s.db, projectID, nodeID, false)
}

// GetCommit reads a commit by id.
func (s *SQLiteStorage) GetCommit(ctx context.Context, projectID, commitID string) (*types.Commit, error) {
	var c types.Commit
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, parent1, parent2, message, author, created_at
		FROM commits WHERE project_id = ? AND id = ?
	`, projectID, commitID).Scan(&c.ID, &c.ProjectID, &c.Parent1, &c.Parent2, &c.Message, &c.Author, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: commit %s", types.ErrNodeNotFound, commitID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commit: %w", err)
	}
	return &c, nil
}

// NodesOnRefSince returns the node ids introduced on the source ref
// strictly after the divergence point with the target ref: the walk
// runs newest to oldest down source's commit_order and stops at the
// first commit also present on the target. Results come back oldest
// first.
func (s *SQLiteStorage) NodesOnRefSince(ctx context.Context, projectID, sourceRefID, targetRefID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT co.commit_id, n.id
		FROM commit_order co
		JOIN nodes n ON n.project_id = co.project_id AND n.commit_id = co.commit_id
		WHERE co.project_id = ? AND co.ref_id = ?
		ORDER BY co.ordinal DESC
	`, projectID, sourceRefID)
	if err != nil {
		return nil, fmt.Errorf("failed to walk source ref: %w", err)
	}
	defer rows.Close()

	var exclusive []string
	for rows.Next() {
		var commitID, nodeID string
		if err := rows.Scan(&commitID, &nodeID); err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		var one int
		err := s.db.QueryRowContext(ctx, `
			SELECT 1 FROM commit_order
			WHERE project_id = ? AND ref_id = ? AND commit_id = ?
		`, projectID, targetRefID, commitID).Scan(&one)
		if err == nil {
			break // common ancestor reached
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to test target membership: %w", err)
		}
		exclusive = append(exclusive, nodeID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate source ref: %w", err)
	}

	for i, j := 0, len(exclusive)-1; i < j; i, j = i+1, j-1 {
		exclusive[i], exclusive[j] = exclusive[j], exclusive[i]
	}
	return exclusive, nil
}
