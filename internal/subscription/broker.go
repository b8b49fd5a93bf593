package subscription

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/campushub/chatcore/internal/model"
	logger "github.com/campushub/chatcore/middleware/log"
)

// defaultFlushDelay bounds how long a created event waits for a missing
// predecessor. A gap that outlives the delay is treated as an aborted
// append (its sequence number was consumed but no row was committed).
const defaultFlushDelay = 200 * time.Millisecond

type registerCmd struct {
	sub *Subscription
}

type unregisterCmd struct {
	id string
}

type publishCmd struct {
	ev *Event
}

type stopCmd struct{}

// broker owns the subscriber set for one channel scope. All access goes
// through its inbox; nothing outside the run loop touches the set, the
// reorder buffer, or the delivery cursor.
//
// Created events are delivered in sequence order: an event arriving
// ahead of a missing predecessor parks in a min-heap until the gap fills
// or the flush delay expires. Reaction and thread events have no
// ordering constraint and pass straight through.
type broker struct {
	scope model.ChannelScope
	inbox chan any

	mu     sync.Mutex
	closed bool

	subs    map[string]*Subscription
	lastSeq int64
	pending eventHeap
	dropped atomic.Bool

	flushDelay time.Duration
	onExit     func(*broker)
	log        *logger.Logger
}

func newBroker(scope model.ChannelScope, flushDelay time.Duration, onExit func(*broker), log *logger.Logger) *broker {
	if flushDelay <= 0 {
		flushDelay = defaultFlushDelay
	}
	b := &broker{
		scope:      scope,
		inbox:      make(chan any, 1024),
		subs:       make(map[string]*Subscription),
		flushDelay: flushDelay,
		onExit:     onExit,
		log:        log,
	}
	go b.run()
	return b
}

// enqueue delivers a command to the run loop. It returns false when the
// broker has already shut down; the hub then retries against a fresh
// broker.
func (b *broker) enqueue(cmd any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.inbox <- cmd
	return true
}

// offer is the non-blocking variant used on the publish path so a busy
// broker can never stall an append.
func (b *broker) offer(ev *Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	select {
	case b.inbox <- publishCmd{ev: ev}:
		return true
	default:
		// The lost delta could have been for anyone on the scope; flag
		// every subscriber so the resync path engages.
		b.dropped.Store(true)
		b.log.Warn("broker inbox full, dropping event",
			zap.String("scope", b.scope.Key()),
			zap.String("event", string(ev.Type)))
		return true
	}
}

func (b *broker) run() {
	flush := time.NewTimer(b.flushDelay)
	if !flush.Stop() {
		<-flush.C
	}
	timerArmed := false

	for {
		select {
		case cmd := <-b.inbox:
			switch c := cmd.(type) {
			case registerCmd:
				b.subs[c.sub.ID] = c.sub

			case unregisterCmd:
				if sub, ok := b.subs[c.id]; ok {
					delete(b.subs, c.id)
					close(sub.feed)
				}
				if len(b.subs) == 0 && b.tryClose() {
					if timerArmed {
						flush.Stop()
					}
					b.onExit(b)
					return
				}

			case publishCmd:
				b.handleEvent(c.ev)

			case stopCmd:
				b.mu.Lock()
				b.closed = true
				b.mu.Unlock()
				for id, sub := range b.subs {
					delete(b.subs, id)
					close(sub.feed)
				}
				if timerArmed {
					flush.Stop()
				}
				return
			}

		case <-flush.C:
			timerArmed = false
			if len(b.pending) > 0 {
				ev := heap.Pop(&b.pending).(*Event)
				b.deliver(ev)
				b.lastSeq = ev.SeqID()
				b.drainPending()
			}
		}

		if b.dropped.Swap(false) {
			for _, sub := range b.subs {
				sub.markGapped()
			}
		}

		// Keep the flush timer armed exactly when something is parked.
		if len(b.pending) > 0 && !timerArmed {
			flush.Reset(b.flushDelay)
			timerArmed = true
		} else if len(b.pending) == 0 && timerArmed {
			if !flush.Stop() {
				select {
				case <-flush.C:
				default:
				}
			}
			timerArmed = false
		}
	}
}

// tryClose marks the broker closed unless a command is already queued
// behind the one being handled. enqueue holds the same mutex while it
// pushes, so the length check and the closed flag cannot race.
func (b *broker) tryClose() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.inbox) > 0 {
		return false
	}
	b.closed = true
	return true
}

func (b *broker) handleEvent(ev *Event) {
	if ev.Type != EventCreated {
		b.deliver(ev)
		return
	}

	seq := ev.SeqID()
	switch {
	case seq == b.lastSeq+1:
		b.deliver(ev)
		b.lastSeq = seq
		b.drainPending()

	case seq <= b.lastSeq:
		// Late or duplicate delivery. Pass it through; consumers
		// de-duplicate by (id, type, version).
		b.deliver(ev)

	default:
		// Ahead of the cursor, or a fresh broker that has no cursor yet.
		// Park until the predecessor lands or the flush timer fires and
		// establishes the base, so a burst arriving inverted still goes
		// out in store order.
		heap.Push(&b.pending, ev)
	}
}

func (b *broker) drainPending() {
	for len(b.pending) > 0 && b.pending[0].SeqID() <= b.lastSeq+1 {
		ev := heap.Pop(&b.pending).(*Event)
		if ev.SeqID() > b.lastSeq {
			b.lastSeq = ev.SeqID()
		}
		b.deliver(ev)
	}
}

func (b *broker) deliver(ev *Event) {
	for _, sub := range b.subs {
		sub.offer(ev)
	}
}

// eventHeap orders parked created events by sequence number.
type eventHeap []*Event

func (h eventHeap) Len() int           { return len(h) }
func (h eventHeap) Less(i, j int) bool { return h[i].SeqID() < h[j].SeqID() }
func (h eventHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)        { *h = append(*h, x.(*Event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return ev
}
