package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateLeaseHolderUser adds holder_user to ref_leases. Early databases
// keyed leases by session alone, which made refresh unable to verify the
// holder identity.
func MigrateLeaseHolderUser(db *sql.DB) error {
	ok, err := hasColumn(db, "ref_leases", "holder_user")
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE ref_leases ADD COLUMN holder_user TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("failed to add holder_user column: %w", err)
	}
	return nil
}
