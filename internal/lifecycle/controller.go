package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"shadowboard/internal/lease"
	"shadowboard/internal/mirror"
	"shadowboard/internal/presence"
	"shadowboard/internal/store"
	"shadowboard/pkg/interfaces"
	"shadowboard/pkg/types"
)

// RetryConfig bounds the backoff applied to transient backend failures.
// Only ErrBackendUnavailable is retried; action-rejected errors (already
// leased, not lease holder, target offline) surface immediately because a
// blind retry could race another admin's legitimate lease.
type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryConfig returns the standard write/heartbeat retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, BaseDelay: 100 * time.Millisecond}
}

// Controller is the façade sequencing presence, state, lease, and mirror
// operations for one connected operator. The gateway holds one
// OperatorSession per live connection.
type Controller struct {
	presence *presence.Registry
	store    *store.Store
	leases   *lease.Manager
	mirror   *mirror.Manager
	retry    RetryConfig
}

// NewController wires the façade. Observer registration between the
// components (lease→presence, mirror→lease) is the application's job; the
// controller only sequences calls.
func NewController(reg *presence.Registry, st *store.Store, lm *lease.Manager, mm *mirror.Manager, retry RetryConfig) *Controller {
	if retry.Attempts <= 0 {
		retry = DefaultRetryConfig()
	}
	return &Controller{
		presence: reg,
		store:    st,
		leases:   lm,
		mirror:   mm,
		retry:    retry,
	}
}

// Connect joins presence and, for users, ensures a session state record
// exists (created with the initial payload when absent).
func (c *Controller) Connect(ctx context.Context, op types.Operator, initial map[string]interface{}) (*OperatorSession, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}

	handle, err := c.presence.Join(op)
	if err != nil {
		return nil, err
	}

	sess := &OperatorSession{
		ctrl:     c,
		op:       op,
		handle:   handle,
		degraded: make(chan string, 4),
		closed:   make(chan struct{}),
	}

	if op.Role == types.RoleUser {
		if initial == nil {
			initial = map[string]interface{}{}
		}
		err := c.withRetry(ctx, sess, func() error {
			_, err := c.store.Read(ctx, op.ID)
			if errors.Is(err, interfaces.ErrNoSuchSession) {
				_, err = c.store.CreateSession(ctx, op.ID, initial)
				if errors.Is(err, interfaces.ErrSessionExists) {
					// Lost a create race with our own reconnect; the record
					// is there, which is all Connect guarantees.
					return nil
				}
			}
			return err
		})
		if err != nil {
			c.presence.Leave(handle)
			return nil, fmt.Errorf("failed to ensure session state: %w", err)
		}
	}

	return sess, nil
}

// ListOnline returns the current presence snapshot.
func (c *Controller) ListOnline() []types.PresenceRecord {
	return c.presence.ListOnline()
}

// withRetry retries fn with exponential backoff while it fails with
// ErrBackendUnavailable. After exhaustion the session is flagged degraded
// and the last error is returned.
func (c *Controller) withRetry(ctx context.Context, sess *OperatorSession, fn func() error) error {
	delay := c.retry.BaseDelay
	var err error

	for attempt := 0; attempt < c.retry.Attempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, interfaces.ErrBackendUnavailable) {
			return err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}

	sess.markDegraded(err)
	return err
}

// OperatorSession is one operator's live connection to the dashboard core.
// Methods are safe for concurrent use; a disconnected session rejects
// further operations.
type OperatorSession struct {
	ctrl      *Controller
	op        types.Operator
	handle    *presence.Handle
	degraded  chan string
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *OperatorSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Operator returns the connected identity.
func (s *OperatorSession) Operator() types.Operator {
	return s.op
}

// Heartbeat refreshes this connection's presence record.
func (s *OperatorSession) Heartbeat() error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.ctrl.presence.Heartbeat(s.handle)
}

// WriteState mutates the operator's own session document. Owner writes never
// require a lease check: a user always controls their own session. Transient
// backend failures are retried with backoff.
func (s *OperatorSession) WriteState(ctx context.Context, payload map[string]interface{}) (*types.SessionState, error) {
	if s.op.Role != types.RoleUser {
		return nil, ErrNotSessionOwner
	}
	if s.isClosed() {
		return nil, ErrSessionClosed
	}

	var state *types.SessionState
	err := s.ctrl.withRetry(ctx, s, func() error {
		var writeErr error
		state, writeErr = s.ctrl.store.Write(ctx, s.op.ID, s.op.ID, payload)
		return writeErr
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// SubscribeState opens the user's own update stream, so the owning UI
// observes admin-pushed mutations the same way the admin mirror does.
func (s *OperatorSession) SubscribeState() (*store.Subscription, error) {
	if s.op.Role != types.RoleUser {
		return nil, ErrNotSessionOwner
	}
	return s.ctrl.store.Subscribe(s.op.ID)
}

// ListOnline returns the current presence snapshot.
func (s *OperatorSession) ListOnline() []types.PresenceRecord {
	return s.ctrl.presence.ListOnline()
}

// TakeControl acquires the control lease on a target user and opens the
// mirrored downstream feed. Admin role required.
func (s *OperatorSession) TakeControl(targetUserID string) (*mirror.Feed, error) {
	if s.op.Role != types.RoleAdmin {
		return nil, ErrNotAdmin
	}
	if s.isClosed() {
		return nil, ErrSessionClosed
	}

	if _, err := s.ctrl.leases.Acquire(targetUserID, s.op.ID); err != nil {
		return nil, err
	}

	feed, err := s.ctrl.mirror.Open(targetUserID, s.op.ID)
	if err != nil {
		// The lease is useless without its feed; give it back.
		if relErr := s.ctrl.leases.Release(targetUserID, s.op.ID); relErr != nil {
			log.Printf("lifecycle: failed to release lease after feed open failure target=%s admin=%s: %v",
				targetUserID, s.op.ID, relErr)
		}
		return nil, err
	}

	return feed, nil
}

// PushMutation writes an admin-driven change into the leased target session.
func (s *OperatorSession) PushMutation(ctx context.Context, targetUserID string, payload map[string]interface{}) (*types.SessionState, error) {
	if s.op.Role != types.RoleAdmin {
		return nil, ErrNotAdmin
	}
	if s.isClosed() {
		return nil, ErrSessionClosed
	}

	var state *types.SessionState
	err := s.ctrl.withRetry(ctx, s, func() error {
		var pushErr error
		state, pushErr = s.ctrl.mirror.PushMutation(ctx, targetUserID, s.op.ID, payload)
		return pushErr
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// ReleaseControl gives up the lease on a target. The revocation cascade
// closes the downstream feed.
func (s *OperatorSession) ReleaseControl(targetUserID string) error {
	if s.op.Role != types.RoleAdmin {
		return ErrNotAdmin
	}
	return s.ctrl.leases.Release(targetUserID, s.op.ID)
}

// Disconnect leaves presence, which revokes any leases this operator
// participates in and closes derived feeds. A user's session record is
// destroyed along with its subscriptions, but only when this connection
// still owns the presence record: a superseded connection must not tear
// down the session its replacement is live on. Idempotent.
func (s *OperatorSession) Disconnect(ctx context.Context) {
	s.closeOnce.Do(func() {
		close(s.closed)
		left := s.ctrl.presence.Leave(s.handle)

		if left && s.op.Role == types.RoleUser {
			if err := s.ctrl.store.DestroySession(ctx, s.op.ID); err != nil {
				log.Printf("lifecycle: failed to destroy session owner=%s: %v", s.op.ID, err)
			}
		}
	})
}

// Degraded reports connectivity-degraded episodes: a value arrives each time
// backend retries are exhausted. The stream is advisory, like the staleness
// signal; it never tears down the session.
func (s *OperatorSession) Degraded() <-chan string {
	return s.degraded
}

func (s *OperatorSession) markDegraded(err error) {
	msg := "backend connectivity degraded"
	if err != nil {
		msg = fmt.Sprintf("backend connectivity degraded: %v", err)
	}
	select {
	case s.degraded <- msg:
	default:
	}
}
