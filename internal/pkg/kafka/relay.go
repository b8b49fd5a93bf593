package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/campushub/chatcore/config"
	"github.com/campushub/chatcore/internal/subscription"
	logger "github.com/campushub/chatcore/middleware/log"
)

// Relay joins the event-topic consumer group and injects events produced
// on other nodes into the local hub, so a subscriber connected anywhere
// sees the full stream. Delivery from Kafka is at-least-once; a bloom
// de-dup filter drops redeliveries, and events originating on this node
// are skipped because the local hub already fanned them out.
type Relay struct {
	consumerGroup sarama.ConsumerGroup
	dlqProducer   *Producer
	config        *config.KafkaConfig
	hub           *subscription.Hub
	dedup         *subscription.Dedup
	nodeID        string
	log           *logger.Logger

	ready  chan bool
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewRelay(cfg *config.KafkaConfig, hub *subscription.Hub, nodeID string, log *logger.Logger) (*Relay, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V2_6_0_0
	saramaConfig.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	saramaConfig.Net.DialTimeout = 10 * time.Second
	saramaConfig.Net.ReadTimeout = 10 * time.Second
	saramaConfig.Net.WriteTimeout = 10 * time.Second
	saramaConfig.Metadata.Retry.Max = 3
	saramaConfig.Metadata.Retry.Backoff = 250 * time.Millisecond
	saramaConfig.Metadata.Timeout = 10 * time.Second

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}

	// DLQ producer for events that cannot be decoded.
	dlqProducer, err := NewProducer(cfg)
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("failed to create DLQ producer: %w", err)
	}

	return &Relay{
		consumerGroup: consumerGroup,
		dlqProducer:   dlqProducer,
		config:        cfg,
		hub:           hub,
		dedup:         subscription.NewDedup(1 << 16),
		nodeID:        nodeID,
		log:           log,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming. It returns once the consumer group session is
// established.
func (r *Relay) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		handler := &relayHandler{relay: r}
		for {
			if ctx.Err() != nil {
				return
			}
			if err := r.consumerGroup.Consume(ctx, []string{r.config.EventTopic}, handler); err != nil {
				r.log.Error("event relay consume error", zap.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
			r.ready = make(chan bool)
		}
	}()

	<-r.ready
	return nil
}

func (r *Relay) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	if err := r.consumerGroup.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer group: %w", err)
	}
	if err := r.dlqProducer.Close(); err != nil {
		return fmt.Errorf("failed to close DLQ producer: %w", err)
	}
	return nil
}

type relayHandler struct {
	relay *Relay
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (h *relayHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.relay.ready)
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited.
func (h *relayHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes events from one partition. Poison messages go
// to the DLQ; everything else is either a duplicate, our own echo, or a
// foreign event to inject.
func (h *relayHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	r := h.relay
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			ev, err := subscription.DecodeEvent(message.Value)
			if err != nil {
				if dlqErr := r.dlqProducer.Produce(session.Context(), r.config.DLQTopic, message.Key, message.Value); dlqErr != nil {
					r.log.Error("failed to send event to DLQ", zap.Error(dlqErr))
				}
				session.MarkMessage(message, "")
				continue
			}

			if ev.Origin != r.nodeID && !r.dedup.Seen(ev.DedupKey()) {
				r.hub.Publish(ev)
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
