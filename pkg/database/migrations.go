package database

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration is one schema evolution step.
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// Migrations are compiled into the binary so deployments cannot drift from
// the code that expects them. Versions apply in lexical order.
var migrations = []Migration{
	{
		Version:     "001",
		Description: "session_states",
		SQL: `
			CREATE TABLE IF NOT EXISTS session_states (
				owner_id        TEXT PRIMARY KEY,
				payload         TEXT NOT NULL,
				version         INTEGER NOT NULL DEFAULT 0,
				last_updated_by TEXT NOT NULL,
				last_updated_at DATETIME NOT NULL,
				created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_session_states_updated_at
				ON session_states(last_updated_at);
		`,
	},
	{
		Version:     "002",
		Description: "lease_events",
		SQL: `
			CREATE TABLE IF NOT EXISTS lease_events (
				id             TEXT PRIMARY KEY,
				target_user_id TEXT NOT NULL,
				admin_id       TEXT NOT NULL,
				event          TEXT NOT NULL CHECK (event IN ('acquired', 'released', 'revoked')),
				reason         TEXT NOT NULL DEFAULT '',
				at             DATETIME NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_lease_events_target_at
				ON lease_events(target_user_id, at);
		`,
	},
}

// MigrationManager applies pending migrations and tracks applied versions in
// the schema_migrations table.
type MigrationManager struct {
	db *sql.DB
}

// NewMigrationManager creates a migration manager for a database handle.
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

// ApplyMigrations applies all pending migrations, each in its own
// transaction, oldest version first.
func (m *MigrationManager) ApplyMigrations() error {
	if err := m.createMigrationTable(); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	applied, err := m.appliedVersions()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	pending := make([]Migration, 0, len(migrations))
	for _, mig := range migrations {
		if !applied[mig.Version] {
			pending = append(pending, mig)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	for _, mig := range pending {
		if err := m.applyMigration(mig); err != nil {
			return fmt.Errorf("failed to apply migration %s (%s): %w", mig.Version, mig.Description, err)
		}
	}

	return nil
}

func (m *MigrationManager) createMigrationTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func (m *MigrationManager) appliedVersions() (map[string]bool, error) {
	rows, err := m.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (m *MigrationManager) applyMigration(mig Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(mig.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", mig.Version); err != nil {
		return err
	}
	return tx.Commit()
}
