package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/campushub/chatcore/internal/subscription"
	logger "github.com/campushub/chatcore/middleware/log"
)

// EventPublisher receives every committed channel event. Publishing is
// decoupled from the append path: implementations must not block the
// caller on any subscriber's consumption speed.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev *subscription.Event)
}

// EventTransport carries events to other nodes (kafka). nil-able in
// single-node deployments.
type EventTransport interface {
	PublishEvent(ctx context.Context, ev *subscription.Event) error
}

// FanoutPublisher delivers events to the local hub synchronously (the
// hub itself never blocks) and to the cross-node transport in the
// background. A transport failure is logged, not surfaced: the ledger
// already holds the message, and a reconnecting subscriber reconciles
// from a fresh snapshot.
type FanoutPublisher struct {
	hub       *subscription.Hub
	transport EventTransport
	nodeID    string
	log       *logger.Logger
}

func NewFanoutPublisher(hub *subscription.Hub, transport EventTransport, nodeID string, log *logger.Logger) *FanoutPublisher {
	return &FanoutPublisher{
		hub:       hub,
		transport: transport,
		nodeID:    nodeID,
		log:       log,
	}
}

func (p *FanoutPublisher) PublishEvent(ctx context.Context, ev *subscription.Event) {
	ev.Origin = p.nodeID
	p.hub.Publish(ev)

	if p.transport == nil {
		return
	}
	go func() {
		// Detach from the request context; the send already succeeded.
		if err := p.transport.PublishEvent(context.Background(), ev); err != nil {
			p.log.Error("failed to publish event to transport",
				zap.String("event", string(ev.Type)),
				zap.String("scope", ev.Scope.Key()),
				zap.Error(err))
		}
	}()
}

var _ EventPublisher = (*FanoutPublisher)(nil)
