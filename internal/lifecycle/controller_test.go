package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"shadowboard/internal/lease"
	"shadowboard/internal/mirror"
	"shadowboard/internal/presence"
	"shadowboard/internal/store"
	"shadowboard/pkg/interfaces"
	"shadowboard/pkg/types"
)

// flakyBackend is an in-memory Backend that can fail the next N calls with a
// wrapped ErrBackendUnavailable.
type flakyBackend struct {
	mu       sync.Mutex
	states   map[string]*types.SessionState
	failNext int
}

func newFlakyBackend() *flakyBackend {
	return &flakyBackend{states: make(map[string]*types.SessionState)}
}

func (b *flakyBackend) failFor(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
}

func (b *flakyBackend) maybeFail() error {
	if b.failNext > 0 {
		b.failNext--
		return fmt.Errorf("%w: injected failure", interfaces.ErrBackendUnavailable)
	}
	return nil
}

func (b *flakyBackend) InsertSessionState(_ context.Context, state *types.SessionState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.maybeFail(); err != nil {
		return err
	}
	if _, ok := b.states[state.OwnerID]; ok {
		return interfaces.ErrSessionExists
	}
	b.states[state.OwnerID] = state.Clone()
	return nil
}

func (b *flakyBackend) GetSessionState(_ context.Context, ownerID string) (*types.SessionState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.maybeFail(); err != nil {
		return nil, err
	}
	state, ok := b.states[ownerID]
	if !ok {
		return nil, interfaces.ErrNoSuchSession
	}
	return state.Clone(), nil
}

func (b *flakyBackend) WriteSessionState(_ context.Context, ownerID, mutatorID string, payload map[string]interface{}) (*types.SessionState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.maybeFail(); err != nil {
		return nil, err
	}
	state, ok := b.states[ownerID]
	if !ok {
		return nil, interfaces.ErrNoSuchSession
	}
	state.Payload = types.ClonePayload(payload)
	state.Version++
	state.LastUpdatedBy = mutatorID
	state.LastUpdatedAt = time.Now().UTC()
	return state.Clone(), nil
}

func (b *flakyBackend) DeleteSessionState(_ context.Context, ownerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, ownerID)
	return nil
}

func (b *flakyBackend) InsertLeaseEvent(context.Context, *types.LeaseEvent) error { return nil }
func (b *flakyBackend) ListLeaseEvents(context.Context, string) ([]*types.LeaseEvent, error) {
	return nil, nil
}
func (b *flakyBackend) HealthCheck(context.Context) error { return nil }
func (b *flakyBackend) Close() error                      { return nil }

// newTestController wires the full in-memory stack the way the application
// does, with fast retries.
func newTestController(t *testing.T) (*Controller, *flakyBackend) {
	t.Helper()

	backend := newFlakyBackend()
	st := store.NewStore(backend, 64)
	registry := presence.NewRegistry(presence.DefaultConfig())
	leases := lease.NewManager(registry, nil)
	registry.Observe(leases)
	mirrorMgr := mirror.NewManager(st, leases, mirror.DefaultConfig())
	leases.ObserveRevocations(mirrorMgr.OnLeaseRevoked)

	t.Cleanup(func() {
		mirrorMgr.CloseAll()
		_ = st.Close()
	})

	return NewController(registry, st, leases, mirrorMgr, RetryConfig{
		Attempts:  3,
		BaseDelay: time.Millisecond,
	}), backend
}

func user(id string) types.Operator {
	return types.Operator{ID: id, DisplayName: "User " + id, Email: id + "@example.com", Role: types.RoleUser}
}

func admin(id string) types.Operator {
	return types.Operator{ID: id, DisplayName: "Admin " + id, Email: id + "@example.com", Role: types.RoleAdmin}
}

func TestConnectCreatesUserSession(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	sess, err := c.Connect(ctx, user("bob"), map[string]interface{}{"volume": 50})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer sess.Disconnect(ctx)

	online := c.ListOnline()
	if len(online) != 1 || online[0].Operator.ID != "bob" {
		t.Errorf("unexpected presence: %+v", online)
	}

	state, err := sess.WriteState(ctx, map[string]interface{}{"volume": 55})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if state.Version != 1 {
		t.Errorf("expected version 1 after first write, got %d", state.Version)
	}
}

func TestAdminConnectSkipsSessionCreation(t *testing.T) {
	c, backend := newTestController(t)
	ctx := context.Background()

	sess, err := c.Connect(ctx, admin("admin-a"), nil)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer sess.Disconnect(ctx)

	if _, err := backend.GetSessionState(ctx, "admin-a"); !errors.Is(err, interfaces.ErrNoSuchSession) {
		t.Error("admin connect must not create a session record")
	}
}

func TestShadowControlFlow(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	userSess, err := c.Connect(ctx, user("bob"), map[string]interface{}{"volume": 50})
	if err != nil {
		t.Fatalf("user connect failed: %v", err)
	}
	defer userSess.Disconnect(ctx)

	adminSess, err := c.Connect(ctx, admin("admin-a"), nil)
	if err != nil {
		t.Fatalf("admin connect failed: %v", err)
	}
	defer adminSess.Disconnect(ctx)

	feed, err := adminSess.TakeControl("bob")
	if err != nil {
		t.Fatalf("take control failed: %v", err)
	}

	snapshot := <-feed.Updates()
	if snapshot.Version != 0 || snapshot.Payload["volume"] != 50 {
		t.Fatalf("unexpected mirror snapshot: %+v", snapshot)
	}

	// Admin pushes a change; the user's own view converges on it too.
	userView, err := userSess.SubscribeState()
	if err != nil {
		t.Fatalf("user subscribe failed: %v", err)
	}
	<-userView.Updates() // current snapshot

	pushed, err := adminSess.PushMutation(ctx, "bob", map[string]interface{}{"volume": 75})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if pushed.Version != 1 || pushed.LastUpdatedBy != "admin-a" {
		t.Errorf("unexpected pushed state: %+v", pushed)
	}

	mirrored := <-feed.Updates()
	if mirrored.Version != 1 || mirrored.Payload["volume"] != 75 {
		t.Errorf("mirror missed the push: %+v", mirrored)
	}
	userSaw := <-userView.Updates()
	if userSaw.Version != 1 || userSaw.LastUpdatedBy != "admin-a" {
		t.Errorf("owner view missed the push: %+v", userSaw)
	}

	// The owner keeps full write access while leased.
	written, err := userSess.WriteState(ctx, map[string]interface{}{"volume": 80})
	if err != nil {
		t.Fatalf("owner write during lease failed: %v", err)
	}
	if written.Version != 2 || written.LastUpdatedBy != "bob" {
		t.Errorf("unexpected owner write result: %+v", written)
	}
	mirrored = <-feed.Updates()
	if mirrored.Version != 2 || mirrored.Payload["volume"] != 80 {
		t.Errorf("mirror missed the owner write: %+v", mirrored)
	}

	if err := adminSess.ReleaseControl("bob"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	// Release tears down the feed and revokes push rights.
	select {
	case _, ok := <-feed.Updates():
		if ok {
			t.Error("expected closed feed after release")
		}
	case <-time.After(time.Second):
		t.Error("feed not closed after release")
	}
	if _, err := adminSess.PushMutation(ctx, "bob", map[string]interface{}{"volume": 90}); !errors.Is(err, interfaces.ErrNotLeaseHolder) {
		t.Errorf("push after release: got %v, want ErrNotLeaseHolder", err)
	}
}

func TestRoleGating(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	userSess, err := c.Connect(ctx, user("bob"), nil)
	if err != nil {
		t.Fatalf("user connect failed: %v", err)
	}
	defer userSess.Disconnect(ctx)

	adminSess, err := c.Connect(ctx, admin("admin-a"), nil)
	if err != nil {
		t.Fatalf("admin connect failed: %v", err)
	}
	defer adminSess.Disconnect(ctx)

	if _, err := userSess.TakeControl("bob"); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("user take control: got %v, want ErrNotAdmin", err)
	}
	if _, err := userSess.PushMutation(ctx, "bob", map[string]interface{}{}); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("user push: got %v, want ErrNotAdmin", err)
	}
	if _, err := adminSess.WriteState(ctx, map[string]interface{}{}); !errors.Is(err, ErrNotSessionOwner) {
		t.Errorf("admin write state: got %v, want ErrNotSessionOwner", err)
	}
	if _, err := adminSess.SubscribeState(); !errors.Is(err, ErrNotSessionOwner) {
		t.Errorf("admin self-subscribe: got %v, want ErrNotSessionOwner", err)
	}
}

func TestTakeControlTargetOffline(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	adminSess, err := c.Connect(ctx, admin("admin-a"), nil)
	if err != nil {
		t.Fatalf("admin connect failed: %v", err)
	}
	defer adminSess.Disconnect(ctx)

	if _, err := adminSess.TakeControl("ghost"); !errors.Is(err, interfaces.ErrTargetOffline) {
		t.Errorf("got %v, want ErrTargetOffline", err)
	}
}

func TestUserDisconnectRevokesLeaseAndDestroysSession(t *testing.T) {
	c, backend := newTestController(t)
	ctx := context.Background()

	userSess, err := c.Connect(ctx, user("bob"), nil)
	if err != nil {
		t.Fatalf("user connect failed: %v", err)
	}
	adminSess, err := c.Connect(ctx, admin("admin-a"), nil)
	if err != nil {
		t.Fatalf("admin connect failed: %v", err)
	}
	defer adminSess.Disconnect(ctx)

	feed, err := adminSess.TakeControl("bob")
	if err != nil {
		t.Fatalf("take control failed: %v", err)
	}
	<-feed.Updates()

	userSess.Disconnect(ctx)

	select {
	case _, ok := <-feed.Updates():
		if ok {
			t.Error("expected closed feed after target disconnect")
		}
	case <-time.After(time.Second):
		t.Error("feed not closed after target disconnect")
	}
	if _, err := backend.GetSessionState(ctx, "bob"); !errors.Is(err, interfaces.ErrNoSuchSession) {
		t.Error("session record survived user disconnect")
	}
	if _, err := userSess.WriteState(ctx, map[string]interface{}{}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("write after disconnect: got %v, want ErrSessionClosed", err)
	}
}

func TestSupersededDisconnectKeepsLiveSession(t *testing.T) {
	c, backend := newTestController(t)
	ctx := context.Background()

	oldSess, err := c.Connect(ctx, user("bob"), map[string]interface{}{"volume": 50})
	if err != nil {
		t.Fatalf("first connect failed: %v", err)
	}
	newSess, err := c.Connect(ctx, user("bob"), nil)
	if err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	defer newSess.Disconnect(ctx)

	// The old socket tears down after the reconnect already superseded it.
	oldSess.Disconnect(ctx)

	if _, err := backend.GetSessionState(ctx, "bob"); err != nil {
		t.Fatalf("superseded disconnect destroyed the live session: %v", err)
	}
	online := c.ListOnline()
	if len(online) != 1 || online[0].Operator.ID != "bob" {
		t.Errorf("operator should remain online, got %+v", online)
	}

	state, err := newSess.WriteState(ctx, map[string]interface{}{"volume": 60})
	if err != nil {
		t.Fatalf("live connection lost write access after superseded disconnect: %v", err)
	}
	if state.Version != 1 {
		t.Errorf("expected version 1, got %d", state.Version)
	}

	// The current connection's disconnect still cleans up.
	newSess.Disconnect(ctx)
	if _, err := backend.GetSessionState(ctx, "bob"); !errors.Is(err, interfaces.ErrNoSuchSession) {
		t.Errorf("session record survived the current connection's disconnect: %v", err)
	}
}

func TestWriteRetriesTransientBackendFailure(t *testing.T) {
	c, backend := newTestController(t)
	ctx := context.Background()

	sess, err := c.Connect(ctx, user("bob"), nil)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer sess.Disconnect(ctx)

	backend.failFor(2)
	state, err := sess.WriteState(ctx, map[string]interface{}{"volume": 60})
	if err != nil {
		t.Fatalf("write should survive two transient failures: %v", err)
	}
	if state.Version != 1 {
		t.Errorf("expected version 1, got %d", state.Version)
	}
}

func TestWriteExhaustsRetriesAndFlagsDegraded(t *testing.T) {
	c, backend := newTestController(t)
	ctx := context.Background()

	sess, err := c.Connect(ctx, user("bob"), nil)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer sess.Disconnect(ctx)

	backend.failFor(10)
	if _, err := sess.WriteState(ctx, map[string]interface{}{"volume": 60}); !errors.Is(err, interfaces.ErrBackendUnavailable) {
		t.Fatalf("got %v, want wrapped ErrBackendUnavailable", err)
	}

	select {
	case <-sess.Degraded():
	case <-time.After(time.Second):
		t.Error("degraded signal never arrived after retry exhaustion")
	}
}
