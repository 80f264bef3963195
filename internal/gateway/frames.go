package gateway

import (
	"errors"
	"time"

	"shadowboard/internal/lifecycle"
	"shadowboard/pkg/interfaces"
	"shadowboard/pkg/types"
)

// Client-originated frame types.
const (
	FrameHeartbeat      = "heartbeat"
	FrameWriteState     = "write_state"
	FrameListOnline     = "list_online"
	FrameTakeControl    = "take_control"
	FrameReleaseControl = "release_control"
	FramePushMutation   = "push_mutation"
)

// Server-originated frame types.
const (
	FrameState        = "state"
	FramePresence     = "presence"
	FrameLeaseGranted = "lease_granted"
	FrameLeaseRevoked = "lease_revoked"
	FrameSyncStatus   = "sync_status"
	FrameDegraded     = "degraded"
	FrameAck          = "ack"
	FrameError        = "error"
)

// clientFrame is the single inbound envelope. Target names the session owner
// for admin operations and is ignored for the rest.
type clientFrame struct {
	Type    string                 `json:"type"`
	Target  string                 `json:"target,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// serverFrame is the single outbound envelope; unused fields are omitted.
type serverFrame struct {
	Type      string                 `json:"type"`
	Target    string                 `json:"target,omitempty"`
	State     *types.SessionState    `json:"state,omitempty"`
	Operators []types.PresenceRecord `json:"operators,omitempty"`
	Status    string                 `json:"status,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Code      string                 `json:"code,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func errorFrame(code, message string) serverFrame {
	return serverFrame{
		Type:      FrameError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// errorCode maps domain errors to stable machine-readable codes so clients
// branch on the code, never on message text.
func errorCode(err error) string {
	switch {
	case errors.Is(err, interfaces.ErrDuplicateConnection):
		return "duplicate_connection"
	case errors.Is(err, interfaces.ErrNoSuchSession):
		return "no_such_session"
	case errors.Is(err, interfaces.ErrSessionExists):
		return "session_exists"
	case errors.Is(err, interfaces.ErrAlreadyLeased):
		return "already_leased"
	case errors.Is(err, interfaces.ErrNotLeaseHolder):
		return "not_lease_holder"
	case errors.Is(err, interfaces.ErrTargetOffline):
		return "target_offline"
	case errors.Is(err, interfaces.ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, lifecycle.ErrNotAdmin):
		return "not_admin"
	case errors.Is(err, lifecycle.ErrNotSessionOwner):
		return "not_session_owner"
	case errors.Is(err, lifecycle.ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, types.ErrInvalidPayload), errors.Is(err, types.ErrPayloadTooLarge):
		return "invalid_payload"
	default:
		return "internal"
	}
}
