package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateCommitOrderCommitIndex adds the covering index the divergence
// walk uses to test commit membership on the target ref.
func MigrateCommitOrderCommitIndex(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_commit_order_commit ON commit_order(project_id, ref_id, commit_id)`)
	if err != nil {
		return fmt.Errorf("failed to create commit_order commit index: %w", err)
	}
	return nil
}
