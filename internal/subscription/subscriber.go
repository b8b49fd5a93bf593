package subscription

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/campushub/chatcore/internal/model"
)

// Subscription is one listener's view of a channel scope: the snapshot
// taken at subscribe time plus the live delta feed. Feed is closed on
// Close or broker teardown; a closed feed with no prior Close call means
// the subscription was lost and the client should resubscribe.
type Subscription struct {
	ID       string
	Scope    model.ChannelScope
	Snapshot []*model.Message

	feed    chan *Event
	gapped  atomic.Bool
	close   func()
	closeMu sync.Once
}

func newSubscription(scope model.ChannelScope, bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Subscription{
		ID:    uuid.New().String(),
		Scope: scope,
		feed:  make(chan *Event, bufferSize),
	}
}

// Feed returns the live delta stream.
func (s *Subscription) Feed() <-chan *Event {
	return s.feed
}

// Gapped reports whether deltas were dropped because this subscriber
// consumed too slowly. A gapped subscriber must resync via a fresh
// snapshot; the feed keeps flowing either way.
func (s *Subscription) Gapped() bool {
	return s.gapped.Load()
}

// ClearGap resets the gap marker after the subscriber has resynced.
func (s *Subscription) ClearGap() {
	s.gapped.Store(false)
}

// markGapped flags the subscriber for resync when a delta was lost
// before it ever reached the feed.
func (s *Subscription) markGapped() {
	s.gapped.Store(true)
}

// Close releases the registration. Idempotent; safe to call
// concurrently with feed consumption.
func (s *Subscription) Close() {
	s.closeMu.Do(func() {
		if s.close != nil {
			s.close()
		}
	})
}

// offer enqueues an event without ever blocking the caller. When the
// buffer is full the oldest event is dropped to make room and the
// subscriber is marked gapped. Only the owning broker goroutine calls
// offer, so the drop-then-push sequence cannot race another producer.
func (s *Subscription) offer(ev *Event) {
	select {
	case s.feed <- ev:
		return
	default:
	}

	// Full: evict the oldest delta, then try once more. The second
	// attempt can still lose to a concurrent reader draining the
	// channel, in which case the send succeeds trivially on retry.
	select {
	case <-s.feed:
	default:
	}
	s.markGapped()
	select {
	case s.feed <- ev:
	default:
	}
}
