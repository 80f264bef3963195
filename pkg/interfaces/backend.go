package interfaces

import (
	"context"

	"shadowboard/pkg/types"
)

// Backend is the shared keyed store behind the session state store and the
// lease audit trail. The production implementation is SQLite; tests use an
// in-memory fake. Connectivity failures are reported as wrapped
// ErrBackendUnavailable so callers can apply a uniform retry policy.
type Backend interface {
	// InsertSessionState creates a state record at version 0.
	// Returns ErrSessionExists if the owner already has a record.
	InsertSessionState(ctx context.Context, state *types.SessionState) error

	// GetSessionState returns the current record for an owner.
	// Returns ErrNoSuchSession if none exists.
	GetSessionState(ctx context.Context, ownerID string) (*types.SessionState, error)

	// WriteSessionState replaces the payload and increments the version in a
	// single transaction, stamping mutator and time. The returned snapshot
	// carries the new version. Returns ErrNoSuchSession if no record exists.
	WriteSessionState(ctx context.Context, ownerID, mutatorID string, payload map[string]interface{}) (*types.SessionState, error)

	// DeleteSessionState removes the record; idempotent.
	DeleteSessionState(ctx context.Context, ownerID string) error

	// InsertLeaseEvent appends to the lease audit trail.
	InsertLeaseEvent(ctx context.Context, event *types.LeaseEvent) error

	// ListLeaseEvents returns the audit trail for a target, oldest first.
	ListLeaseEvents(ctx context.Context, targetUserID string) ([]*types.LeaseEvent, error)

	// HealthCheck verifies backend connectivity.
	HealthCheck(ctx context.Context) error

	// Close flushes pending writes and releases resources.
	Close() error
}
