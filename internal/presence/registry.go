package presence

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"shadowboard/pkg/interfaces"
	"shadowboard/pkg/types"
)

// Config controls heartbeat timing and the duplicate-connection policy.
type Config struct {
	// HeartbeatInterval is the expected client heartbeat cadence.
	HeartbeatInterval time.Duration
	// TimeoutFactor sets the eviction threshold as a multiple of the
	// heartbeat interval. A record older than factor*interval is evicted.
	TimeoutFactor int
	// SweepInterval is how often the eviction sweep runs.
	SweepInterval time.Duration
	// AllowSupersede selects last-connect-wins: a second join for the same
	// operator force-closes the old handle instead of failing.
	AllowSupersede bool
}

// DefaultConfig returns the standard presence timing: 10s heartbeats with a
// 3-interval timeout.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		TimeoutFactor:     3,
		SweepInterval:     10 * time.Second,
		AllowSupersede:    true,
	}
}

// Handle proves ownership of one registered connection. Presence mutations
// require the handle so a superseded connection cannot evict its successor.
type Handle struct {
	id         string
	operatorID string
}

// OperatorID returns the operator this handle was issued to.
func (h *Handle) OperatorID() string {
	return h.operatorID
}

type record struct {
	handleID string
	rec      types.PresenceRecord
}

// Registry tracks which operators are currently connected. It is the sole
// owner of PresenceRecords; ListOnline hands out value copies. The eviction
// sweep is the only failure detection for abrupt disconnects; no explicit
// close signal is guaranteed from a browser tab.
type Registry struct {
	cfg Config

	mu      sync.RWMutex
	records map[string]*record // operatorID -> record

	obsMu     sync.RWMutex
	observers []interfaces.PresenceObserver

	runMu    sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.TimeoutFactor <= 0 {
		cfg.TimeoutFactor = DefaultConfig().TimeoutFactor
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.HeartbeatInterval
	}
	return &Registry{
		cfg:     cfg,
		records: make(map[string]*record),
	}
}

// Observe registers an observer for arrival and departure events. Observers
// must be registered before traffic starts; registration is not synchronized
// with in-flight notifications.
func (r *Registry) Observe(obs interfaces.PresenceObserver) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, obs)
}

// Join registers a presence record for an operator and returns the
// connection handle. Under the last-connect-wins policy an existing
// connection for the same operator is superseded: its departure is published
// exactly as on disconnect, tearing down leases and feeds, before the new
// arrival is published.
func (r *Registry) Join(op types.Operator) (*Handle, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	handle := &Handle{id: uuid.New().String(), operatorID: op.ID}

	var superseded *types.PresenceRecord

	r.mu.Lock()
	if existing, ok := r.records[op.ID]; ok {
		if !r.cfg.AllowSupersede {
			r.mu.Unlock()
			return nil, interfaces.ErrDuplicateConnection
		}
		old := existing.rec
		superseded = &old
	}
	rec := types.PresenceRecord{
		Operator:        op,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
	}
	r.records[op.ID] = &record{handleID: handle.id, rec: rec}
	r.mu.Unlock()

	if superseded != nil {
		log.Printf("presence: superseding connection for operator=%s", op.ID)
		r.notifyLeft(*superseded, types.DepartureSuperseded)
	}
	r.notifyJoined(rec)

	log.Printf("presence: operator joined id=%s role=%s", op.ID, op.Role)
	return handle, nil
}

// Heartbeat refreshes the last-heartbeat time for a connection. Returns
// ErrUnknownConnection if the handle has been evicted or superseded.
func (r *Registry) Heartbeat(h *Handle) error {
	if h == nil {
		return ErrUnknownConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[h.operatorID]
	if !ok || rec.handleID != h.id {
		return ErrUnknownConnection
	}
	rec.rec.LastHeartbeatAt = time.Now()
	return nil
}

// Leave removes the presence record for a connection and publishes a
// departure event. Reports whether the record was actually removed, so a
// superseded or evicted handle can tell it no longer owns the connection.
// Idempotent: leaving with a stale handle is a no-op.
func (r *Registry) Leave(h *Handle) bool {
	if h == nil {
		return false
	}

	r.mu.Lock()
	rec, ok := r.records[h.operatorID]
	if !ok || rec.handleID != h.id {
		r.mu.Unlock()
		return false
	}
	departed := rec.rec
	delete(r.records, h.operatorID)
	r.mu.Unlock()

	log.Printf("presence: operator left id=%s", h.operatorID)
	r.notifyLeft(departed, types.DepartureLeft)
	return true
}

// ListOnline returns a snapshot of all presence records, ordered by operator
// ID for stable rendering. Callers observe arrivals/departures for liveness.
func (r *Registry) ListOnline() []types.PresenceRecord {
	r.mu.RLock()
	out := make([]types.PresenceRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Operator.ID < out[j].Operator.ID
	})
	return out
}

// IsOnline reports whether an operator has an active connection.
func (r *Registry) IsOnline(operatorID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[operatorID]
	return ok
}

// Start launches the background eviction sweep.
func (r *Registry) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.running {
		return ErrRegistryRunning
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go r.sweepLoop(ctx, r.stopCh, r.doneCh)
	return nil
}

// Stop terminates the sweep and waits for it to exit.
func (r *Registry) Stop() error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if !r.running {
		return ErrRegistryNotRunning
	}
	r.running = false
	close(r.stopCh)
	<-r.doneCh
	return nil
}

func (r *Registry) sweepLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep evicts records whose heartbeat has gone silent, exactly as if Leave
// had been called for each.
func (r *Registry) sweep() {
	timeout := time.Duration(r.cfg.TimeoutFactor) * r.cfg.HeartbeatInterval
	cutoff := time.Now().Add(-timeout)

	var evicted []types.PresenceRecord

	r.mu.Lock()
	for id, rec := range r.records {
		if rec.rec.LastHeartbeatAt.Before(cutoff) {
			evicted = append(evicted, rec.rec)
			delete(r.records, id)
		}
	}
	r.mu.Unlock()

	for _, rec := range evicted {
		log.Printf("presence: evicting operator=%s after heartbeat timeout", rec.Operator.ID)
		r.notifyLeft(rec, types.DepartureTimeout)
	}
}

func (r *Registry) notifyJoined(rec types.PresenceRecord) {
	r.obsMu.RLock()
	observers := make([]interfaces.PresenceObserver, len(r.observers))
	copy(observers, r.observers)
	r.obsMu.RUnlock()

	for _, obs := range observers {
		obs.OperatorJoined(rec)
	}
}

func (r *Registry) notifyLeft(rec types.PresenceRecord, reason string) {
	r.obsMu.RLock()
	observers := make([]interfaces.PresenceObserver, len(r.observers))
	copy(observers, r.observers)
	r.obsMu.RUnlock()

	for _, obs := range observers {
		obs.OperatorLeft(rec, reason)
	}
}

// Stats returns registry counters for the health endpoint.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	admins := 0
	users := 0
	for _, rec := range r.records {
		switch rec.rec.Operator.Role {
		case types.RoleAdmin:
			admins++
		case types.RoleUser:
			users++
		}
	}

	return map[string]int{
		"online_total":  len(r.records),
		"online_admins": admins,
		"online_users":  users,
	}
}
