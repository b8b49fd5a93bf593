package subscription

import (
	"sync"
	"time"

	"github.com/campushub/chatcore/config"
	"github.com/campushub/chatcore/internal/model"
	logger "github.com/campushub/chatcore/middleware/log"
)

// Hub routes events to per-scope brokers and hands out subscriptions.
// The hub itself only owns the scope→broker map; each broker privately
// owns its subscriber set, so no subscriber collection is ever shared
// across goroutines.
type Hub struct {
	mu      sync.Mutex
	brokers map[string]*broker

	bufferSize int
	flushDelay time.Duration
	log        *logger.Logger
}

func NewHub(cfg *config.SubscriptionConfig, log *logger.Logger) *Hub {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Hub{
		brokers:    make(map[string]*broker),
		bufferSize: bufferSize,
		flushDelay: defaultFlushDelay,
		log:        log,
	}
}

// Register attaches a new subscriber to the scope's broker, creating the
// broker on first use. The caller fills in the snapshot afterwards;
// deltas racing the snapshot query are buffered on the subscription and
// de-duplicated downstream.
func (h *Hub) Register(scope model.ChannelScope) *Subscription {
	sub := newSubscription(scope, h.bufferSize)

	for {
		b := h.getOrCreate(scope)
		if b.enqueue(registerCmd{sub: sub}) {
			sub.close = func() {
				b.enqueue(unregisterCmd{id: sub.ID})
			}
			return sub
		}
		// The broker shut down between lookup and enqueue; drop it and
		// try again with a fresh one.
		h.drop(scope, b)
	}
}

// Publish fans an event out to the scope's local subscribers. It never
// blocks: scopes without a broker have no local listeners and the event
// is simply not delivered here (the ledger remains the source of truth).
func (h *Hub) Publish(ev *Event) {
	h.mu.Lock()
	b, ok := h.brokers[ev.Scope.Key()]
	h.mu.Unlock()
	if !ok {
		return
	}
	if !b.offer(ev) {
		// Broker exited after lookup; no subscribers remain.
		h.drop(ev.Scope, b)
	}
}

// ActiveScopes returns the scopes that currently have a broker. Used by
// tests and for observability.
func (h *Hub) ActiveScopes() []model.ChannelScope {
	h.mu.Lock()
	defer h.mu.Unlock()
	scopes := make([]model.ChannelScope, 0, len(h.brokers))
	for _, b := range h.brokers {
		scopes = append(scopes, b.scope)
	}
	return scopes
}

// Shutdown tears down every broker and closes all feeds.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	brokers := make([]*broker, 0, len(h.brokers))
	for _, b := range h.brokers {
		brokers = append(brokers, b)
	}
	h.brokers = make(map[string]*broker)
	h.mu.Unlock()

	for _, b := range brokers {
		b.enqueue(stopCmd{})
	}
}

func (h *Hub) getOrCreate(scope model.ChannelScope) *broker {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := scope.Key()
	if b, ok := h.brokers[key]; ok {
		return b
	}
	b := newBroker(scope, h.flushDelay, h.brokerExited, h.log)
	h.brokers[key] = b
	return b
}

func (h *Hub) drop(scope model.ChannelScope, b *broker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.brokers[scope.Key()]; ok && cur == b {
		delete(h.brokers, scope.Key())
	}
}

// brokerExited is the idle-teardown callback: the last unsubscribe
// shuts the broker down and it removes itself from the map.
func (h *Hub) brokerExited(b *broker) {
	h.drop(b.scope, b)
}
