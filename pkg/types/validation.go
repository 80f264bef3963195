package types

import (
	"encoding/json"
	"regexp"
)

var operatorIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// maxPayloadBytes bounds a serialized session payload. The dashboard state is
// a small structured document; anything larger points at a client bug.
const maxPayloadBytes = 65536

// Validate ensures the operator identity meets format requirements.
func (o Operator) Validate() error {
	if !IsValidOperatorID(o.ID) {
		return ErrInvalidOperatorID
	}
	if len(o.DisplayName) < 1 || len(o.DisplayName) > 100 {
		return ErrInvalidDisplayName
	}
	if !IsValidRole(o.Role) {
		return ErrInvalidRole
	}
	return nil
}

// IsValidOperatorID checks the operator ID format (1-50 chars, [a-zA-Z0-9_-]).
func IsValidOperatorID(id string) bool {
	if len(id) < 1 || len(id) > 50 {
		return false
	}
	return operatorIDRegex.MatchString(id)
}

// IsValidRole reports whether role is one of the two operator roles.
func IsValidRole(role string) bool {
	return role == RoleAdmin || role == RoleUser
}

// ValidatePayload checks that a session payload serializes and stays within
// the size limit. The payload is otherwise opaque to the core.
func ValidatePayload(payload map[string]interface{}) error {
	if payload == nil {
		return ErrInvalidPayload
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ErrInvalidPayload
	}
	if len(data) > maxPayloadBytes {
		return ErrPayloadTooLarge
	}
	return nil
}
