package gateway

import "errors"

var (
	ErrConnectionClosed = errors.New("websocket connection is closed")
	ErrWriteTimeout     = errors.New("websocket write timed out")
	ErrInvalidJSON      = errors.New("failed to encode message as JSON")
)
