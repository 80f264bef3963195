package mirror

import (
	"sync"
	"time"

	"shadowboard/internal/store"
	"shadowboard/pkg/types"
)

// Status is the advisory liveness signal on the admin-side feed.
type Status string

const (
	// StatusLive means a version increment arrived within the threshold.
	StatusLive Status = "live"
	// StatusPossiblyStale means no version increment has been observed for
	// longer than the staleness threshold while the lease remains active.
	// Advisory only; the lease is unaffected.
	StatusPossiblyStale Status = "possibly_stale"
)

// Feed is one admin's live view of a leased target session. Updates carry
// strictly increasing versions; a lower or equal version is never delivered
// after a higher one, even under upstream redelivery.
type Feed struct {
	target string
	admin  string

	sub       *store.Subscription
	updates   chan *types.SessionState
	status    chan Status
	threshold time.Duration

	done      chan struct{}
	closeOnce sync.Once

	lastVersion int64
}

func newFeed(target, admin string, sub *store.Subscription, cfg Config) *Feed {
	return &Feed{
		target:      target,
		admin:       admin,
		sub:         sub,
		updates:     make(chan *types.SessionState, cfg.FeedBuffer),
		status:      make(chan Status, 4),
		threshold:   cfg.StalenessThreshold,
		done:        make(chan struct{}),
		lastVersion: -1,
	}
}

// TargetUserID returns the mirrored session owner.
func (f *Feed) TargetUserID() string { return f.target }

// AdminID returns the lease holder this feed serves.
func (f *Feed) AdminID() string { return f.admin }

// Updates returns the state stream. Closed when the feed closes.
func (f *Feed) Updates() <-chan *types.SessionState { return f.updates }

// Status returns the advisory staleness stream. Closed when the feed closes.
func (f *Feed) Status() <-chan Status { return f.status }

// Close stops the pump and the underlying subscription. Safe to call more
// than once and from any goroutine.
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		close(f.done)
		f.sub.Close()
	})
}

// pump republishes subscription updates onto the feed, tracking staleness.
// It is the only writer to the updates and status channels and closes both
// on exit.
func (f *Feed) pump() {
	defer close(f.updates)
	defer close(f.status)

	timer := time.NewTimer(f.threshold)
	defer timer.Stop()
	stale := false

	for {
		select {
		case state, ok := <-f.sub.Updates():
			if !ok {
				// Session destroyed or store shut down.
				return
			}
			if state.Version <= f.lastVersion {
				continue
			}
			f.lastVersion = state.Version

			f.deliver(state)

			if stale {
				stale = false
				f.emitStatus(StatusLive)
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(f.threshold)

		case <-timer.C:
			if !stale {
				stale = true
				f.emitStatus(StatusPossiblyStale)
			}
			// The advisory holds until the next version arrives; the timer
			// stays quiet until then.

		case <-f.done:
			return
		}
	}
}

// deliver enqueues with drop-oldest, mirroring the store's subscriber
// policy: a slow admin UI loses intermediate frames, never the newest.
func (f *Feed) deliver(state *types.SessionState) {
	select {
	case f.updates <- state:
		return
	default:
	}
	select {
	case <-f.updates:
	default:
	}
	select {
	case f.updates <- state:
	default:
	}
}

func (f *Feed) emitStatus(s Status) {
	select {
	case f.status <- s:
	default:
	}
}
