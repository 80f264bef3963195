package interfaces

import "errors"

// Shared error taxonomy. Components compare against these identities across
// package boundaries; wrapped variants must satisfy errors.Is.
var (
	ErrDuplicateConnection = errors.New("operator already has an active connection")
	ErrNoSuchSession       = errors.New("no session state for operator")
	ErrSessionExists       = errors.New("session state already exists")
	ErrAlreadyLeased       = errors.New("target session is leased by another admin")
	ErrNotLeaseHolder      = errors.New("caller does not hold the active lease")
	ErrTargetOffline       = errors.New("target operator is not connected")
	ErrBackendUnavailable  = errors.New("shared backend unavailable")
)
