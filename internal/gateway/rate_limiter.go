package gateway

import (
	"sync"
	"time"
)

// DefaultWriteLimit caps state mutations per operator per minute. Read-style
// frames (heartbeat, list_online) are never limited.
const DefaultWriteLimit = 120

// RateLimiter applies a per-operator fixed window over mutation frames.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	clients map[string]*clientWindow
}

type clientWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a limiter allowing limit mutations per minute per
// operator. A non-positive limit falls back to DefaultWriteLimit.
func NewRateLimiter(limit int) *RateLimiter {
	if limit <= 0 {
		limit = DefaultWriteLimit
	}
	return &RateLimiter{
		limit:   limit,
		clients: make(map[string]*clientWindow),
	}
}

// Allow reports whether operatorID may send another mutation frame now.
func (rl *RateLimiter) Allow(operatorID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	w, ok := rl.clients[operatorID]
	if !ok || now.Sub(w.windowStart) >= time.Minute {
		rl.clients[operatorID] = &clientWindow{count: 1, windowStart: now}
		return true
	}

	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Cleanup drops windows idle for over five minutes. Call periodically.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for id, w := range rl.clients {
		if now.Sub(w.windowStart) > 5*time.Minute {
			delete(rl.clients, id)
		}
	}
}
