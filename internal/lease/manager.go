package lease

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"shadowboard/pkg/interfaces"
	"shadowboard/pkg/types"
)

// Revocation reasons reported to observers.
const (
	ReasonReleased           = "released"
	ReasonAdminDisconnected  = "admin_disconnected"
	ReasonTargetDisconnected = "target_disconnected"
)

// RevocationFunc is called once per lease teardown, explicit or implicit.
type RevocationFunc func(lease types.ControlLease, reason string)

// Manager arbitrates control leases: at most one active lease per target at
// any instant. Each target has its own critical section, so acquire/release
// on unrelated targets never contend. The manager observes presence
// departures and revokes affected leases exactly once.
type Manager struct {
	presence interfaces.PresenceView
	backend  interfaces.Backend // audit trail; may be nil in tests

	mu      sync.Mutex
	targets map[string]*targetLease

	obsMu     sync.RWMutex
	observers []RevocationFunc
}

// targetLease is the per-target serialization point.
type targetLease struct {
	mu    sync.Mutex
	lease *types.ControlLease
}

// NewManager creates a lease manager over a presence view. backend may be
// nil to disable the audit trail.
func NewManager(presence interfaces.PresenceView, backend interfaces.Backend) *Manager {
	return &Manager{
		presence: presence,
		backend:  backend,
		targets:  make(map[string]*targetLease),
	}
}

// ObserveRevocations registers a callback invoked once per lease teardown.
// Register before traffic starts.
func (m *Manager) ObserveRevocations(fn RevocationFunc) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Manager) target(targetUserID string) *targetLease {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.targets[targetUserID]
	if !ok {
		t = &targetLease{}
		m.targets[targetUserID] = t
	}
	return t
}

// Acquire grants adminID the exclusive lease on targetUserID. Re-acquiring
// an already-held lease is idempotent. Fails with ErrTargetOffline when the
// target has no active connection and ErrAlreadyLeased when another admin
// holds the lease.
func (m *Manager) Acquire(targetUserID, adminID string) (*types.ControlLease, error) {
	if !m.presence.IsOnline(targetUserID) {
		return nil, interfaces.ErrTargetOffline
	}

	t := m.target(targetUserID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lease != nil && t.lease.Active {
		if t.lease.AdminID == adminID {
			out := *t.lease
			return &out, nil
		}
		return nil, interfaces.ErrAlreadyLeased
	}

	// The target may have been evicted between the presence check and the
	// critical section; the departure observer will revoke this lease, so a
	// second check here only narrows the window.
	if !m.presence.IsOnline(targetUserID) {
		return nil, interfaces.ErrTargetOffline
	}

	lease := &types.ControlLease{
		ID:           uuid.New().String(),
		TargetUserID: targetUserID,
		AdminID:      adminID,
		AcquiredAt:   time.Now(),
		Active:       true,
	}
	t.lease = lease

	m.audit(targetUserID, adminID, types.LeaseEventAcquired, "")
	log.Printf("lease: acquired target=%s admin=%s", targetUserID, adminID)

	out := *lease
	return &out, nil
}

// Release ends adminID's lease on targetUserID. Fails with ErrNotLeaseHolder
// if adminID does not hold the active lease.
func (m *Manager) Release(targetUserID, adminID string) error {
	t := m.target(targetUserID)

	t.mu.Lock()
	if t.lease == nil || !t.lease.Active || t.lease.AdminID != adminID {
		t.mu.Unlock()
		return interfaces.ErrNotLeaseHolder
	}
	revoked := *t.lease
	t.lease = nil
	t.mu.Unlock()

	m.audit(targetUserID, adminID, types.LeaseEventReleased, ReasonReleased)
	log.Printf("lease: released target=%s admin=%s", targetUserID, adminID)

	m.notifyRevoked(revoked, ReasonReleased)
	return nil
}

// Holder returns the admin currently leasing a target, if any.
func (m *Manager) Holder(targetUserID string) (string, bool) {
	t := m.target(targetUserID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lease == nil || !t.lease.Active {
		return "", false
	}
	return t.lease.AdminID, true
}

// IsHeldBy reports whether adminID holds the active lease on targetUserID.
func (m *Manager) IsHeldBy(targetUserID, adminID string) bool {
	holder, ok := m.Holder(targetUserID)
	return ok && holder == adminID
}

// ActiveLeases returns snapshots of all active leases.
func (m *Manager) ActiveLeases() []types.ControlLease {
	m.mu.Lock()
	targets := make([]*targetLease, 0, len(m.targets))
	for _, t := range m.targets {
		targets = append(targets, t)
	}
	m.mu.Unlock()

	var out []types.ControlLease
	for _, t := range targets {
		t.mu.Lock()
		if t.lease != nil && t.lease.Active {
			out = append(out, *t.lease)
		}
		t.mu.Unlock()
	}
	return out
}

// OperatorJoined implements interfaces.PresenceObserver; arrivals do not
// affect leases.
func (m *Manager) OperatorJoined(types.PresenceRecord) {}

// OperatorLeft implements interfaces.PresenceObserver. A departing operator
// forces release of every lease it participates in, as admin or target. The
// check-and-clear under the target lock makes the revocation exactly-once
// even when admin and target depart concurrently.
func (m *Manager) OperatorLeft(rec types.PresenceRecord, reason string) {
	operatorID := rec.Operator.ID

	m.mu.Lock()
	targets := make([]*targetLease, 0, len(m.targets))
	for _, t := range m.targets {
		targets = append(targets, t)
	}
	m.mu.Unlock()

	for _, t := range targets {
		t.mu.Lock()
		if t.lease == nil || !t.lease.Active {
			t.mu.Unlock()
			continue
		}
		if t.lease.AdminID != operatorID && t.lease.TargetUserID != operatorID {
			t.mu.Unlock()
			continue
		}
		revoked := *t.lease
		t.lease = nil
		t.mu.Unlock()

		revocationReason := ReasonTargetDisconnected
		if revoked.AdminID == operatorID {
			revocationReason = ReasonAdminDisconnected
		}

		m.audit(revoked.TargetUserID, revoked.AdminID, types.LeaseEventRevoked, revocationReason)
		log.Printf("lease: revoked target=%s admin=%s reason=%s",
			revoked.TargetUserID, revoked.AdminID, revocationReason)

		m.notifyRevoked(revoked, revocationReason)
	}
}

// Stats returns lease counters for the health endpoint.
func (m *Manager) Stats() map[string]int {
	return map[string]int{
		"active_leases": len(m.ActiveLeases()),
	}
}

func (m *Manager) notifyRevoked(lease types.ControlLease, reason string) {
	lease.Active = false

	m.obsMu.RLock()
	observers := make([]RevocationFunc, len(m.observers))
	copy(observers, m.observers)
	m.obsMu.RUnlock()

	for _, fn := range observers {
		fn(lease, reason)
	}
}

// audit appends to the backend trail; failures are logged, never fatal. The
// in-memory lease map stays authoritative.
func (m *Manager) audit(targetUserID, adminID, event, reason string) {
	if m.backend == nil {
		return
	}

	ev := &types.LeaseEvent{
		ID:           uuid.New().String(),
		TargetUserID: targetUserID,
		AdminID:      adminID,
		Event:        event,
		Reason:       reason,
		At:           time.Now().UTC(),
	}
	if err := m.backend.InsertLeaseEvent(context.Background(), ev); err != nil {
		log.Printf("lease: audit write failed target=%s admin=%s event=%s: %v",
			targetUserID, adminID, event, err)
	}
}

var (
	_ interfaces.LeaseChecker     = (*Manager)(nil)
	_ interfaces.PresenceObserver = (*Manager)(nil)
)
