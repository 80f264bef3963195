package types

import (
	"time"
)

// Operator roles. An admin may mirror and mutate another operator's session
// through a control lease; a user owns exactly one session state record.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Departure reasons published with presence events.
const (
	DepartureLeft       = "left"
	DepartureTimeout    = "timeout"
	DepartureSuperseded = "superseded"
)

// Operator identifies a connected principal. Immutable for the life of a
// connection; supplied by the identity layer at connect time.
type Operator struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Role        string `json:"role"`
}

// PresenceRecord tracks one currently connected operator. Owned by the
// presence registry; everything handed out of the registry is a value copy.
type PresenceRecord struct {
	Operator        Operator  `json:"operator"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// SessionState is the replicated application-state document for one user's
// live session. Version is strictly increasing per owner; readers must
// discard any update whose version is not greater than the last one applied.
type SessionState struct {
	OwnerID       string                 `json:"owner_id" db:"owner_id"`
	Payload       map[string]interface{} `json:"payload" db:"payload"`
	Version       int64                  `json:"version" db:"version"`
	LastUpdatedAt time.Time              `json:"last_updated_at" db:"last_updated_at"`
	LastUpdatedBy string                 `json:"last_updated_by" db:"last_updated_by"`
}

// Clone returns a deep copy. Components exchange snapshots, never shared
// mutable references into another component's state.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	out := *s
	out.Payload = ClonePayload(s.Payload)
	return &out
}

// ClonePayload deep-copies a payload document one nesting level at a time.
func ClonePayload(p map[string]interface{}) map[string]interface{} {
	if p == nil {
		return nil
	}
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = ClonePayload(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// ControlLease grants one admin the exclusive right to mirror and mutate one
// user's session. At most one active lease per target at any time.
type ControlLease struct {
	ID           string    `json:"id"`
	TargetUserID string    `json:"target_user_id"`
	AdminID      string    `json:"admin_id"`
	AcquiredAt   time.Time `json:"acquired_at"`
	Active       bool      `json:"active"`
}

// Lease audit event kinds.
const (
	LeaseEventAcquired = "acquired"
	LeaseEventReleased = "released"
	LeaseEventRevoked  = "revoked"
)

// LeaseEvent is an audit record of a lease transition, persisted best-effort
// to the shared backend.
type LeaseEvent struct {
	ID           string    `json:"id" db:"id"`
	TargetUserID string    `json:"target_user_id" db:"target_user_id"`
	AdminID      string    `json:"admin_id" db:"admin_id"`
	Event        string    `json:"event" db:"event"`
	Reason       string    `json:"reason,omitempty" db:"reason"`
	At           time.Time `json:"at" db:"at"`
}
