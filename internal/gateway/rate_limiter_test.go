package gateway

import "testing"

func TestRateLimiterEnforcesLimit(t *testing.T) {
	rl := NewRateLimiter(5)

	for i := 0; i < 5; i++ {
		if !rl.Allow("bob") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if rl.Allow("bob") {
		t.Error("sixth request within the window should be rejected")
	}

	// Limits are per operator.
	if !rl.Allow("alice") {
		t.Error("other operator must not share bob's window")
	}
}

func TestRateLimiterDefaultLimit(t *testing.T) {
	rl := NewRateLimiter(0)
	for i := 0; i < DefaultWriteLimit; i++ {
		if !rl.Allow("bob") {
			t.Fatalf("request %d should be allowed under default limit", i)
		}
	}
	if rl.Allow("bob") {
		t.Error("request beyond default limit should be rejected")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(1)
	rl.Allow("bob")
	rl.Cleanup()

	rl.mu.Lock()
	_, ok := rl.clients["bob"]
	rl.mu.Unlock()
	if !ok {
		t.Error("fresh window must survive cleanup")
	}
}
