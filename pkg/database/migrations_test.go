package database

import (
	"database/sql"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestApplyMigrations(t *testing.T) {
	db := openTestDB(t)
	m := NewMigrationManager(db)

	if err := m.ApplyMigrations(); err != nil {
		t.Fatalf("migrations failed: %v", err)
	}

	v := NewSchemaValidator(db)
	if err := v.ValidateTablesExist(); err != nil {
		t.Errorf("tables missing after migration: %v", err)
	}
	if err := v.ValidateTableStructure(); err != nil {
		t.Errorf("table structure invalid: %v", err)
	}
	if err := v.ValidateIndexes(); err != nil {
		t.Errorf("indexes missing: %v", err)
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	m := NewMigrationManager(db)

	if err := m.ApplyMigrations(); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if err := m.ApplyMigrations(); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d applied migrations, got %d", len(migrations), count)
	}
}

func TestLeaseEventKindConstraint(t *testing.T) {
	db := openTestDB(t)
	if err := NewMigrationManager(db).ApplyMigrations(); err != nil {
		t.Fatalf("migrations failed: %v", err)
	}

	_, err := db.Exec(`
		INSERT INTO lease_events (id, target_user_id, admin_id, event, at)
		VALUES ('e1', 'bob', 'admin-a', 'stolen', CURRENT_TIMESTAMP)
	`)
	if err == nil {
		t.Error("expected CHECK constraint to reject unknown event kind")
	}
}

func TestSchemaValidatorDetectsMissingTables(t *testing.T) {
	db := openTestDB(t)
	v := NewSchemaValidator(db)

	if err := v.ValidateTablesExist(); err == nil {
		t.Error("expected validation failure on empty database")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty path", func(c *Config) { c.DatabasePath = "" }},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero lifetime", func(c *Config) { c.ConnMaxLifetime = 0 }},
		{"zero idle time", func(c *Config) { c.ConnMaxIdleTime = 0 }},
		{"zero retry delay", func(c *Config) { c.WriteRetryDelay = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
