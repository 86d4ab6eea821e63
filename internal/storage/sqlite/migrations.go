// Package sqlite - database migrations
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/loomlabs/loom/internal/storage/sqlite/migrations"
)

// Migration represents a single database migration.
type Migration struct {
	Name string
	Func func(*sql.DB) error
}

// migrationsList is the ordered list of all migrations to run. All
// migrations are idempotent; they run in order on every initialization.
var migrationsList = []Migration{
	{"artefact_origin_ref", migrations.MigrateArtefactOriginRef},
	{"lease_holder_user", migrations.MigrateLeaseHolderUser},
	{"node_role_column", migrations.MigrateNodeRoleColumn},
	{"commit_order_commit_index", migrations.MigrateCommitOrderCommitIndex},
}

// MigrationInfo contains metadata about a migration for inspection.
type MigrationInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ListMigrations returns all registered migrations with descriptions.
func ListMigrations() []MigrationInfo {
	result := make([]MigrationInfo, len(migrationsList))
	for i, m := range migrationsList {
		result[i] = MigrationInfo{
			Name:        m.Name,
			Description: getMigrationDescription(m.Name),
		}
	}
	return result
}

func getMigrationDescription(name string) string {
	descriptions := map[string]string{
		"artefact_origin_ref":       "Adds origin_ref_id column to artefacts for ref-scoped provenance",
		"lease_holder_user":         "Adds holder_user column to ref_leases (leases were session-only before)",
		"node_role_column":          "Adds role column to nodes so context reads avoid payload parsing",
		"commit_order_commit_index": "Adds (project, ref, commit) index used by the divergence walk",
	}
	if d, ok := descriptions[name]; ok {
		return d
	}
	return ""
}

// runMigrations executes all pending migrations in order.
func (s *SQLiteStorage) runMigrations(ctx context.Context) error {
	for _, m := range migrationsList {
		applied, err := s.GetMetadata(ctx, "migration:"+m.Name)
		if err != nil {
			return fmt.Errorf("failed to check migration %s: %w", m.Name, err)
		}
		if applied == "done" {
			continue
		}
		if err := m.Func(s.db); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
		if err := s.SetMetadata(ctx, "migration:"+m.Name, "done"); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", m.Name, err)
		}
	}
	return nil
}
