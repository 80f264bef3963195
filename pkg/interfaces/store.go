package interfaces

import (
	"context"

	"shadowboard/pkg/types"
)

// StateStore is the versioned session state store contract. Every mutation
// increments the version and stamps the mutator atomically with the payload
// write; there is no field-level merge.
type StateStore interface {
	CreateSession(ctx context.Context, ownerID string, initial map[string]interface{}) (*types.SessionState, error)
	Read(ctx context.Context, ownerID string) (*types.SessionState, error)
	Write(ctx context.Context, ownerID, mutatorID string, payload map[string]interface{}) (*types.SessionState, error)
	DestroySession(ctx context.Context, ownerID string) error
}
