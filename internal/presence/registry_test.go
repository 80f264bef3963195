package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"shadowboard/pkg/interfaces"
	"shadowboard/pkg/types"
)

func testOperator(id, role string) types.Operator {
	return types.Operator{ID: id, DisplayName: "Test " + id, Email: id + "@example.com", Role: role}
}

// recordingObserver captures presence events for assertions.
type recordingObserver struct {
	mu     sync.Mutex
	joined []types.PresenceRecord
	left   []struct {
		rec    types.PresenceRecord
		reason string
	}
}

func (o *recordingObserver) OperatorJoined(rec types.PresenceRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.joined = append(o.joined, rec)
}

func (o *recordingObserver) OperatorLeft(rec types.PresenceRecord, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.left = append(o.left, struct {
		rec    types.PresenceRecord
		reason string
	}{rec, reason})
}

func (o *recordingObserver) departures() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.left))
	for i, l := range o.left {
		out[i] = l.rec.Operator.ID + ":" + l.reason
	}
	return out
}

func TestJoinAndListOnline(t *testing.T) {
	r := NewRegistry(DefaultConfig())

	if _, err := r.Join(testOperator("bob", types.RoleUser)); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := r.Join(testOperator("alice", types.RoleAdmin)); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	online := r.ListOnline()
	if len(online) != 2 {
		t.Fatalf("expected 2 online, got %d", len(online))
	}
	// Sorted by operator ID for stable rendering.
	if online[0].Operator.ID != "alice" || online[1].Operator.ID != "bob" {
		t.Errorf("unexpected order: %s, %s", online[0].Operator.ID, online[1].Operator.ID)
	}
	if !r.IsOnline("bob") || r.IsOnline("carol") {
		t.Error("IsOnline gave wrong answers")
	}
}

func TestJoinRejectsInvalidOperator(t *testing.T) {
	r := NewRegistry(DefaultConfig())

	if _, err := r.Join(types.Operator{ID: "x y", DisplayName: "X", Role: types.RoleUser}); !errors.Is(err, types.ErrInvalidOperatorID) {
		t.Errorf("got %v, want ErrInvalidOperatorID", err)
	}
	if _, err := r.Join(types.Operator{ID: "x", DisplayName: "X", Role: "ghost"}); !errors.Is(err, types.ErrInvalidRole) {
		t.Errorf("got %v, want ErrInvalidRole", err)
	}
}

func TestDuplicateConnectionSupersedes(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRegistry(DefaultConfig())
	r.Observe(obs)

	h1, err := r.Join(testOperator("bob", types.RoleUser))
	if err != nil {
		t.Fatalf("first join failed: %v", err)
	}
	h2, err := r.Join(testOperator("bob", types.RoleUser))
	if err != nil {
		t.Fatalf("second join should supersede, got %v", err)
	}

	deps := obs.departures()
	if len(deps) != 1 || deps[0] != "bob:"+types.DepartureSuperseded {
		t.Fatalf("expected one superseded departure, got %v", deps)
	}

	// The stale handle can no longer mutate presence.
	if err := r.Heartbeat(h1); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("stale heartbeat: got %v, want ErrUnknownConnection", err)
	}
	if r.Leave(h1) {
		t.Error("stale leave reported a removal")
	}
	if !r.IsOnline("bob") {
		t.Error("stale leave evicted the superseding connection")
	}

	if err := r.Heartbeat(h2); err != nil {
		t.Errorf("current handle heartbeat failed: %v", err)
	}
}

func TestDuplicateConnectionRejectedWhenSupersedeDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowSupersede = false
	r := NewRegistry(cfg)

	if _, err := r.Join(testOperator("bob", types.RoleUser)); err != nil {
		t.Fatalf("first join failed: %v", err)
	}
	if _, err := r.Join(testOperator("bob", types.RoleUser)); !errors.Is(err, interfaces.ErrDuplicateConnection) {
		t.Errorf("got %v, want ErrDuplicateConnection", err)
	}
}

func TestLeavePublishesDeparture(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRegistry(DefaultConfig())
	r.Observe(obs)

	h, _ := r.Join(testOperator("bob", types.RoleUser))
	if !r.Leave(h) {
		t.Error("leave with the current handle should report removal")
	}
	if r.Leave(h) { // idempotent
		t.Error("second leave should be a no-op")
	}

	deps := obs.departures()
	if len(deps) != 1 || deps[0] != "bob:"+types.DepartureLeft {
		t.Fatalf("expected one left departure, got %v", deps)
	}
	if r.IsOnline("bob") {
		t.Error("operator still online after leave")
	}
}

func TestSweepEvictsSilentConnections(t *testing.T) {
	cfg := Config{
		HeartbeatInterval: 10 * time.Millisecond,
		TimeoutFactor:     3,
		SweepInterval:     5 * time.Millisecond,
		AllowSupersede:    true,
	}
	obs := &recordingObserver{}
	r := NewRegistry(cfg)
	r.Observe(obs)

	_, _ = r.Join(testOperator("silent", types.RoleUser))
	lively, _ := r.Join(testOperator("lively", types.RoleUser))

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer func() { _ = r.Stop() }()

	// Keep one connection alive past the other's eviction horizon.
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := r.Heartbeat(lively); err != nil {
			t.Fatalf("heartbeat failed: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if r.IsOnline("silent") {
		t.Error("silent connection was not evicted")
	}
	if !r.IsOnline("lively") {
		t.Error("heartbeating connection was evicted")
	}

	found := false
	for _, d := range obs.departures() {
		if d == "silent:"+types.DepartureTimeout {
			found = true
		}
		if d == "lively:"+types.DepartureTimeout {
			t.Error("lively connection got a timeout departure")
		}
	}
	if !found {
		t.Error("no timeout departure published for silent connection")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	r := NewRegistry(DefaultConfig())

	if err := r.Stop(); !errors.Is(err, ErrRegistryNotRunning) {
		t.Errorf("stop before start: got %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := r.Start(context.Background()); !errors.Is(err, ErrRegistryRunning) {
		t.Errorf("double start: got %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Errorf("stop failed: %v", err)
	}
}

func TestStats(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	_, _ = r.Join(testOperator("a1", types.RoleAdmin))
	_, _ = r.Join(testOperator("u1", types.RoleUser))
	_, _ = r.Join(testOperator("u2", types.RoleUser))

	stats := r.Stats()
	if stats["online_total"] != 3 || stats["online_admins"] != 1 || stats["online_users"] != 2 {
		t.Errorf("unexpected stats: %v", stats)
	}
}
