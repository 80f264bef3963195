package presence

import "errors"

var (
	ErrUnknownConnection  = errors.New("connection handle is not active")
	ErrRegistryNotRunning = errors.New("presence registry is not running")
	ErrRegistryRunning    = errors.New("presence registry is already running")
)
