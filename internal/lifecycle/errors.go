package lifecycle

import "errors"

var (
	ErrNotAdmin        = errors.New("operation requires the admin role")
	ErrNotSessionOwner = errors.New("only the session owner may write its state directly")
	ErrSessionClosed   = errors.New("operator session is disconnected")
)
