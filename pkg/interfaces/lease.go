package interfaces

// LeaseChecker answers whether an admin currently holds the active lease on a
// target. Used by the synchronization channel to gate admin mutations.
type LeaseChecker interface {
	IsHeldBy(targetUserID, adminID string) bool
}
