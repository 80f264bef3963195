package types

import "errors"

var (
	ErrInvalidOperatorID  = errors.New("operator ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidDisplayName = errors.New("display name must be 1-100 characters")
	ErrInvalidRole        = errors.New("invalid role: must be 'admin' or 'user'")
	ErrInvalidPayload     = errors.New("payload is not valid JSON content")
	ErrPayloadTooLarge    = errors.New("payload exceeds 64KB limit")
)
