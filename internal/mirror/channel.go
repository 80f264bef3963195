package mirror

import (
	"context"
	"log"
	"sync"
	"time"

	"shadowboard/internal/store"
	"shadowboard/pkg/interfaces"
	"shadowboard/pkg/types"
)

// DefaultStalenessThreshold is how long the admin feed waits without a
// version increment before flagging the mirror as possibly stale. Carried
// over from the dashboard's 5-second out-of-sync timer; advisory only.
const DefaultStalenessThreshold = 5 * time.Second

// Config controls synchronization channel behavior.
type Config struct {
	StalenessThreshold time.Duration
	FeedBuffer         int
}

// DefaultConfig returns standard channel settings.
func DefaultConfig() Config {
	return Config{
		StalenessThreshold: DefaultStalenessThreshold,
		FeedBuffer:         store.DefaultSubscriberBuffer,
	}
}

// Manager bridges leased (target, admin) pairs to live feeds. Opening a feed
// requires the active lease; revocation, explicit or disconnect-driven,
// closes the feed within one delivery cycle.
type Manager struct {
	store  *store.Store
	leases interfaces.LeaseChecker
	cfg    Config

	mu    sync.Mutex
	feeds map[feedKey]*Feed
}

type feedKey struct {
	target string
	admin  string
}

// NewManager creates a synchronization channel manager. Wire it to the lease
// manager's revocation stream with ObserveRevocations.
func NewManager(st *store.Store, leases interfaces.LeaseChecker, cfg Config) *Manager {
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = DefaultStalenessThreshold
	}
	if cfg.FeedBuffer <= 0 {
		cfg.FeedBuffer = store.DefaultSubscriberBuffer
	}
	return &Manager{
		store:  st,
		leases: leases,
		cfg:    cfg,
		feeds:  make(map[feedKey]*Feed),
	}
}

// Open starts the downstream (user → admin) feed for a leased pair. Fails
// with ErrNotLeaseHolder unless adminID holds the active lease on the
// target. A previous feed for the same pair is replaced.
func (m *Manager) Open(targetUserID, adminID string) (*Feed, error) {
	if !m.leases.IsHeldBy(targetUserID, adminID) {
		return nil, interfaces.ErrNotLeaseHolder
	}

	sub, err := m.store.Subscribe(targetUserID)
	if err != nil {
		return nil, err
	}

	feed := newFeed(targetUserID, adminID, sub, m.cfg)

	key := feedKey{target: targetUserID, admin: adminID}
	m.mu.Lock()
	if old, ok := m.feeds[key]; ok {
		old.Close()
	}
	m.feeds[key] = feed
	m.mu.Unlock()

	// Re-check after registration: a revocation landing between the first
	// check and the map insert finds no feed to close, so the stream would
	// outlive its lease.
	if !m.leases.IsHeldBy(targetUserID, adminID) {
		m.mu.Lock()
		if m.feeds[key] == feed {
			delete(m.feeds, key)
		}
		m.mu.Unlock()
		feed.Close()
		return nil, interfaces.ErrNotLeaseHolder
	}

	go feed.pump()

	log.Printf("mirror: feed opened target=%s admin=%s", targetUserID, adminID)
	return feed, nil
}

// PushMutation is the upstream (admin → user) path: it writes the payload
// into the target's session record, stamped with the admin's identity.
// Fails with ErrNotLeaseHolder unless the caller holds the active lease.
func (m *Manager) PushMutation(ctx context.Context, targetUserID, adminID string, payload map[string]interface{}) (*types.SessionState, error) {
	if !m.leases.IsHeldBy(targetUserID, adminID) {
		return nil, interfaces.ErrNotLeaseHolder
	}
	return m.store.Write(ctx, targetUserID, adminID, payload)
}

// OnLeaseRevoked closes the feed for a revoked pair. Registered with the
// lease manager as a RevocationFunc.
func (m *Manager) OnLeaseRevoked(revoked types.ControlLease, reason string) {
	key := feedKey{target: revoked.TargetUserID, admin: revoked.AdminID}

	m.mu.Lock()
	feed, ok := m.feeds[key]
	if ok {
		delete(m.feeds, key)
	}
	m.mu.Unlock()

	if ok {
		log.Printf("mirror: feed closed target=%s admin=%s reason=%s",
			revoked.TargetUserID, revoked.AdminID, reason)
		feed.Close()
	}
}

// CloseAll tears down every open feed.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	feeds := make([]*Feed, 0, len(m.feeds))
	for k, f := range m.feeds {
		feeds = append(feeds, f)
		delete(m.feeds, k)
	}
	m.mu.Unlock()

	for _, f := range feeds {
		f.Close()
	}
}

// Stats returns feed counters for the health endpoint.
func (m *Manager) Stats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"open_feeds": len(m.feeds),
	}
}
