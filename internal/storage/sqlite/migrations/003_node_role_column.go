package migrations

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// MigrateNodeRoleColumn adds the role column to nodes and backfills it
// from the stored payload, so context reads can filter by role without
// parsing JSON.
func MigrateNodeRoleColumn(db *sql.DB) error {
	ok, err := hasColumn(db, "nodes", "role")
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE nodes ADD COLUMN role TEXT DEFAULT ''`); err != nil {
		return fmt.Errorf("failed to add role column: %w", err)
	}

	rows, err := db.Query(`SELECT id, payload FROM nodes WHERE kind = 'message'`)
	if err != nil {
		return fmt.Errorf("failed to query message nodes: %w", err)
	}
	defer rows.Close()

	updates := make(map[string]string)
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return fmt.Errorf("failed to scan node: %w", err)
		}
		var doc struct {
			Role string `json:"role"`
		}
		if err := json.Unmarshal([]byte(payload), &doc); err != nil {
			continue // skip malformed payloads rather than failing the migration
		}
		if doc.Role != "" {
			updates[id] = doc.Role
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate nodes: %w", err)
	}

	for id, role := range updates {
		if _, err := db.Exec(`UPDATE nodes SET role = ? WHERE id = ?`, role, id); err != nil {
			return fmt.Errorf("failed to backfill role for node %s: %w", id, err)
		}
	}
	return nil
}
