package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	dbconfig "shadowboard/pkg/database"
	"shadowboard/pkg/interfaces"
	"shadowboard/pkg/types"
)

// Manager implements interfaces.Backend on SQLite. All writes funnel through
// a single goroutine; SQLite allows one writer at a time and serializing in
// process avoids busy-lock churn. Reads go straight to the pool (WAL mode).
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the write loop.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backend config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine. A failed
// write is retried once after a short delay before the error is reported.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && retryable(err) {
				log.Printf("backend write failed, retrying in %v: %v", m.config.WriteRetryDelay, err)
				time.Sleep(m.config.WriteRetryDelay)
				err = op.operation(m.db)
				if err != nil {
					log.Printf("backend write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

// retryable reports whether an error is worth a second attempt. Domain
// sentinels (no such session, already exists) are definitive.
func retryable(err error) bool {
	return !errors.Is(err, interfaces.ErrNoSuchSession) &&
		!errors.Is(err, interfaces.ErrSessionExists)
}

// executeWrite queues a write operation and waits for completion.
func (m *Manager) executeWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("%w: backend is closed", interfaces.ErrBackendUnavailable)
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("%w: write operation timeout", interfaces.ErrBackendUnavailable)
	case <-m.shutdown:
		return fmt.Errorf("%w: backend is shutting down", interfaces.ErrBackendUnavailable)
	}
}

// InsertSessionState creates a session state record at version 0.
func (m *Manager) InsertSessionState(ctx context.Context, state *types.SessionState) error {
	return m.executeWrite(func(db *sql.DB) error {
		payloadJSON, err := json.Marshal(state.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}

		var exists int
		err = db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM session_states WHERE owner_id = ?", state.OwnerID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
		}
		if exists > 0 {
			return interfaces.ErrSessionExists
		}

		_, err = db.ExecContext(ctx, `
			INSERT INTO session_states (owner_id, payload, version, last_updated_by, last_updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, state.OwnerID, string(payloadJSON), state.Version, state.LastUpdatedBy, state.LastUpdatedAt)
		if err != nil {
			return fmt.Errorf("%w: failed to insert session state: %v", interfaces.ErrBackendUnavailable, err)
		}
		return nil
	})
}

// GetSessionState returns the current record for an owner.
func (m *Manager) GetSessionState(ctx context.Context, ownerID string) (*types.SessionState, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT owner_id, payload, version, last_updated_by, last_updated_at
		FROM session_states
		WHERE owner_id = ?
	`, ownerID)

	return scanSessionState(row)
}

// WriteSessionState replaces the payload and increments the version in one
// transaction. The write loop is the serialization point: two concurrent
// writers never observe the same version.
func (m *Manager) WriteSessionState(ctx context.Context, ownerID, mutatorID string, payload map[string]interface{}) (*types.SessionState, error) {
	var result *types.SessionState

	err := m.executeWrite(func(db *sql.DB) error {
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: failed to begin transaction: %v", interfaces.ErrBackendUnavailable, err)
		}
		defer func() { _ = tx.Rollback() }()

		var version int64
		err = tx.QueryRowContext(ctx,
			"SELECT version FROM session_states WHERE owner_id = ?", ownerID,
		).Scan(&version)
		if err == sql.ErrNoRows {
			return interfaces.ErrNoSuchSession
		}
		if err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
		}

		now := time.Now().UTC()
		newVersion := version + 1
		_, err = tx.ExecContext(ctx, `
			UPDATE session_states
			SET payload = ?, version = ?, last_updated_by = ?, last_updated_at = ?
			WHERE owner_id = ?
		`, string(payloadJSON), newVersion, mutatorID, now, ownerID)
		if err != nil {
			return fmt.Errorf("%w: failed to update session state: %v", interfaces.ErrBackendUnavailable, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: failed to commit state write: %v", interfaces.ErrBackendUnavailable, err)
		}

		result = &types.SessionState{
			OwnerID:       ownerID,
			Payload:       types.ClonePayload(payload),
			Version:       newVersion,
			LastUpdatedAt: now,
			LastUpdatedBy: mutatorID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteSessionState removes the record; idempotent.
func (m *Manager) DeleteSessionState(ctx context.Context, ownerID string) error {
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, "DELETE FROM session_states WHERE owner_id = ?", ownerID)
		if err != nil {
			return fmt.Errorf("%w: failed to delete session state: %v", interfaces.ErrBackendUnavailable, err)
		}
		return nil
	})
}

// InsertLeaseEvent appends an audit record.
func (m *Manager) InsertLeaseEvent(ctx context.Context, event *types.LeaseEvent) error {
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO lease_events (id, target_user_id, admin_id, event, reason, at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, event.ID, event.TargetUserID, event.AdminID, event.Event, event.Reason, event.At)
		if err != nil {
			return fmt.Errorf("%w: failed to insert lease event: %v", interfaces.ErrBackendUnavailable, err)
		}
		return nil
	})
}

// ListLeaseEvents returns the audit trail for a target, oldest first.
func (m *Manager) ListLeaseEvents(ctx context.Context, targetUserID string) ([]*types.LeaseEvent, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, target_user_id, admin_id, event, reason, at
		FROM lease_events
		WHERE target_user_id = ?
		ORDER BY at ASC
	`, targetUserID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query lease events: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.LeaseEvent
	for rows.Next() {
		var ev types.LeaseEvent
		if err := rows.Scan(&ev.ID, &ev.TargetUserID, &ev.AdminID, &ev.Event, &ev.Reason, &ev.At); err != nil {
			return nil, fmt.Errorf("failed to scan lease event row: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lease event rows: %w", err)
	}

	return events, nil
}

// HealthCheck validates database connectivity.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: database ping failed: %v", interfaces.ErrBackendUnavailable, err)
	}
	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM session_states").Scan(&count); err != nil {
		return fmt.Errorf("%w: database read test failed: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

// GetDB exposes the underlying handle for migrations and schema validation.
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close drains the write loop and closes the pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSessionState(row rowScanner) (*types.SessionState, error) {
	var state types.SessionState
	var payloadJSON string

	err := row.Scan(
		&state.OwnerID,
		&payloadJSON,
		&state.Version,
		&state.LastUpdatedBy,
		&state.LastUpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrNoSuchSession
		}
		return nil, fmt.Errorf("%w: failed to query session state: %v", interfaces.ErrBackendUnavailable, err)
	}

	if err := json.Unmarshal([]byte(payloadJSON), &state.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	return &state, nil
}
