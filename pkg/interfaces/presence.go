package interfaces

import "shadowboard/pkg/types"

// PresenceView is the read side of the presence registry consumed by other
// components. Records are value snapshots.
type PresenceView interface {
	IsOnline(operatorID string) bool
	ListOnline() []types.PresenceRecord
}

// PresenceObserver receives arrival and departure events. Delivery is
// synchronous and happens outside the registry lock, so observers may call
// back into other components but must not call back into the registry's
// mutating operations.
type PresenceObserver interface {
	OperatorJoined(record types.PresenceRecord)
	OperatorLeft(record types.PresenceRecord, reason string)
}
