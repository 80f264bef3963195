package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator verifies the database structure matches what the backend
// manager expects. Used by deployment checks and integration tests.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a schema validator.
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist.
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"session_states":    "versioned session state records",
		"lease_events":      "control lease audit trail",
		"schema_migrations": "migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies column names and types for the two domain
// tables.
func (v *SchemaValidator) ValidateTableStructure() error {
	stateColumns := map[string]string{
		"owner_id":        "TEXT",
		"payload":         "TEXT",
		"version":         "INTEGER",
		"last_updated_by": "TEXT",
		"last_updated_at": "DATETIME",
		"created_at":      "DATETIME",
	}
	if err := v.validateColumns("session_states", stateColumns); err != nil {
		return fmt.Errorf("session_states table structure invalid: %w", err)
	}

	leaseColumns := map[string]string{
		"id":             "TEXT",
		"target_user_id": "TEXT",
		"admin_id":       "TEXT",
		"event":          "TEXT",
		"reason":         "TEXT",
		"at":             "DATETIME",
	}
	if err := v.validateColumns("lease_events", leaseColumns); err != nil {
		return fmt.Errorf("lease_events table structure invalid: %w", err)
	}

	return nil
}

// ValidateIndexes verifies that the performance indexes exist.
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_session_states_updated_at": "staleness queries",
		"idx_lease_events_target_at":    "audit trail retrieval",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.indexExists(index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

func (v *SchemaValidator) tableExists(tableName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
		tableName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) indexExists(indexName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?",
		indexName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull int
		var defaultValue interface{}
		var pk int

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for col, wantType := range expected {
		gotType, ok := found[col]
		if !ok {
			return fmt.Errorf("column %s not found", col)
		}
		if gotType != wantType {
			return fmt.Errorf("column %s has type %s, expected %s", col, gotType, wantType)
		}
	}

	return nil
}
