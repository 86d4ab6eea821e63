// Package migrations holds the ordered, idempotent schema migrations.
package migrations

import (
	"database/sql"
	"fmt"
)

// hasColumn reports whether a table already carries a column.
func hasColumn(db *sql.DB, table, column string) (bool, error) {
	var name string
	err := db.QueryRow(`
		SELECT name FROM pragma_table_info(?)
		WHERE name = ?
	`, table, column).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s.%s: %w", table, column, err)
	}
	return true, nil
}

// MigrateArtefactOriginRef adds the origin_ref_id column to artefacts.
// Databases created before ref-scoped provenance carried artefacts with
// no record of which ref produced them.
func MigrateArtefactOriginRef(db *sql.DB) error {
	ok, err := hasColumn(db, "artefacts", "origin_ref_id")
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE artefacts ADD COLUMN origin_ref_id TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("failed to add origin_ref_id column: %w", err)
	}
	return nil
}
