package store

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"shadowboard/pkg/interfaces"
	"shadowboard/pkg/types"
)

// DefaultSubscriberBuffer is the per-subscriber queue depth. A subscriber
// that falls further behind loses its oldest updates, never its newest.
const DefaultSubscriberBuffer = 64

// Store owns all SessionState records and is the sole writer of versions.
// Mutations serialize per owner: the per-owner lock is held across the
// backend write and the subscriber publish, so every subscriber observes
// versions in strictly increasing order.
type Store struct {
	backend interfaces.Backend
	bufSize int

	mu     sync.Mutex
	owners map[string]*ownerEntry
	closed bool
}

// ownerEntry is the per-key critical section for one session owner.
type ownerEntry struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewStore creates a session state store over a backend.
func NewStore(backend interfaces.Backend, subscriberBuffer int) *Store {
	if subscriberBuffer <= 0 {
		subscriberBuffer = DefaultSubscriberBuffer
	}
	return &Store{
		backend: backend,
		bufSize: subscriberBuffer,
		owners:  make(map[string]*ownerEntry),
	}
}

func (s *Store) entry(ownerID string) (*ownerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	e, ok := s.owners[ownerID]
	if !ok {
		e = &ownerEntry{subs: make(map[string]*Subscription)}
		s.owners[ownerID] = e
	}
	return e, nil
}

// CreateSession creates the state record for an owner at version 0.
// Returns ErrSessionExists if the owner already has a live session.
func (s *Store) CreateSession(ctx context.Context, ownerID string, initial map[string]interface{}) (*types.SessionState, error) {
	if !types.IsValidOperatorID(ownerID) {
		return nil, types.ErrInvalidOperatorID
	}
	if err := types.ValidatePayload(initial); err != nil {
		return nil, err
	}

	state := &types.SessionState{
		OwnerID:       ownerID,
		Payload:       types.ClonePayload(initial),
		Version:       0,
		LastUpdatedAt: time.Now().UTC(),
		LastUpdatedBy: ownerID,
	}

	if err := s.backend.InsertSessionState(ctx, state); err != nil {
		return nil, err
	}

	log.Printf("store: session created owner=%s", ownerID)
	return state.Clone(), nil
}

// Read returns the current state snapshot for an owner.
func (s *Store) Read(ctx context.Context, ownerID string) (*types.SessionState, error) {
	state, err := s.backend.GetSessionState(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Write replaces the payload under the owner's critical section. The backend
// assigns version+1 and stamps the mutator; the resulting snapshot is
// published to every subscriber before the lock is released.
func (s *Store) Write(ctx context.Context, ownerID, mutatorID string, payload map[string]interface{}) (*types.SessionState, error) {
	if err := types.ValidatePayload(payload); err != nil {
		return nil, err
	}

	e, err := s.entry(ownerID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := s.backend.WriteSessionState(ctx, ownerID, mutatorID, payload)
	if err != nil {
		return nil, err
	}

	for _, sub := range e.subs {
		sub.publish(state)
	}

	return state.Clone(), nil
}

// DestroySession removes the record and closes every subscription for the
// owner. Idempotent.
func (s *Store) DestroySession(ctx context.Context, ownerID string) error {
	e, err := s.entry(ownerID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.backend.DeleteSessionState(ctx, ownerID); err != nil {
		return err
	}

	for id, sub := range e.subs {
		sub.shutdown()
		delete(e.subs, id)
	}

	log.Printf("store: session destroyed owner=%s", ownerID)
	return nil
}

// Subscribe opens an update stream for an owner's session. The current
// snapshot is delivered first, then every successful write in increasing
// version order. Returns ErrNoSuchSession if the session does not exist.
func (s *Store) Subscribe(ownerID string) (*Subscription, error) {
	e, err := s.entry(ownerID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// The snapshot read happens inside the critical section: a write that
	// lands between the read and the registration would otherwise never be
	// delivered.
	current, err := s.backend.GetSessionState(context.Background(), ownerID)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		id:          uuid.New().String(),
		ownerID:     ownerID,
		store:       s,
		ch:          make(chan *types.SessionState, s.bufSize),
		lastVersion: -1,
	}
	sub.publish(current)
	e.subs[sub.id] = sub

	return sub, nil
}

// unsubscribe detaches a subscription under the owner lock so it cannot race
// an in-flight publish.
func (s *Store) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	e, ok := s.owners[sub.ownerID]
	s.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subs[sub.id]; ok {
		delete(e.subs, sub.id)
		sub.shutdown()
	}
}

// Close terminates all subscriptions. The backend is owned by the caller and
// closed separately.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	owners := make([]*ownerEntry, 0, len(s.owners))
	for _, e := range s.owners {
		owners = append(owners, e)
	}
	s.mu.Unlock()

	for _, e := range owners {
		e.mu.Lock()
		for id, sub := range e.subs {
			sub.shutdown()
			delete(e.subs, id)
		}
		e.mu.Unlock()
	}
	return nil
}

// Stats returns subscriber counters for the health endpoint.
func (s *Store) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := 0
	for _, e := range s.owners {
		e.mu.Lock()
		subs += len(e.subs)
		e.mu.Unlock()
	}
	return map[string]int{
		"tracked_owners": len(s.owners),
		"subscriptions":  subs,
	}
}

var _ interfaces.StateStore = (*Store)(nil)

// Subscription is one subscriber's view of an owner's session stream.
// Delivery is at-least-once upstream; the version guard here rejects
// duplicates and regressions, so consumers see gap-free increasing versions.
type Subscription struct {
	id      string
	ownerID string
	store   *Store

	// ch is written only while the owner lock is held, so there is exactly
	// one producer and the drop-oldest dance below is race-free.
	ch          chan *types.SessionState
	lastVersion int64

	closeOnce sync.Once
}

// Updates returns the stream channel. It is closed when the subscription is
// closed, the session is destroyed, or the store shuts down.
func (sub *Subscription) Updates() <-chan *types.SessionState {
	return sub.ch
}

// OwnerID returns the session owner this subscription follows.
func (sub *Subscription) OwnerID() string {
	return sub.ownerID
}

// Close detaches the subscription and closes the update channel.
func (sub *Subscription) Close() {
	sub.store.unsubscribe(sub)
}

// publish enqueues a snapshot, dropping the oldest queued update when the
// buffer is full. Caller holds the owner lock.
func (sub *Subscription) publish(state *types.SessionState) {
	if state.Version <= sub.lastVersion {
		return
	}
	sub.lastVersion = state.Version

	snapshot := state.Clone()
	select {
	case sub.ch <- snapshot:
		return
	default:
	}

	// Buffer full: drop the oldest and retry. Only one producer exists, so
	// the second send cannot fail.
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- snapshot:
	default:
	}
}

// shutdown closes the channel. Caller holds the owner lock, so no publish
// can race the close.
func (sub *Subscription) shutdown() {
	sub.closeOnce.Do(func() {
		close(sub.ch)
	})
}
