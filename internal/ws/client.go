package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/campushub/chatcore/internal/model"
	"github.com/campushub/chatcore/internal/service"
	"github.com/campushub/chatcore/internal/subscription"
	logger "github.com/campushub/chatcore/middleware/log"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Clients only send control
	// traffic on this connection.
	maxMessageSize = 512
)

// Frame is one server→client websocket message.
type Frame struct {
	Type     string              `json:"type"`
	Messages []*model.Message    `json:"messages,omitempty"`
	Event    *subscription.Event `json:"event,omitempty"`
}

// Client pumps one subscriber's snapshot and live feed over a websocket
// connection. Teardown is deterministic: whichever pump exits first
// closes the subscription and the connection, and the other follows.
type Client struct {
	conn     *websocket.Conn
	sub      *subscription.Subscription
	messages service.IMessageService
	dedup    *subscription.Dedup
	log      *logger.Logger
}

func NewClient(conn *websocket.Conn, sub *subscription.Subscription, messages service.IMessageService, log *logger.Logger) *Client {
	return &Client{
		conn:     conn,
		sub:      sub,
		messages: messages,
		dedup:    subscription.NewDedup(4096),
		log:      log,
	}
}

// Run serves the connection until the peer disconnects or the feed
// closes. It blocks.
func (c *Client) Run() {
	go c.readPump()
	c.writePump()
}

// readPump discards inbound frames (mutations travel over HTTP) and
// keeps the pong deadline fresh. Its exit tears the client down.
func (c *Client) readPump() {
	defer func() {
		c.sub.Close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump sends the snapshot, then relays deltas. Events already seen
// under at-least-once delivery are dropped here, so the peer observes
// each logical event exactly once. A gapped subscriber gets a fresh
// snapshot as a resync frame before the feed continues.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sub.Close()
		c.conn.Close()
	}()

	if err := c.writeFrame(&Frame{Type: "snapshot", Messages: c.sub.Snapshot}); err != nil {
		return
	}
	// Snapshot contents count as delivered.
	for _, m := range c.sub.Snapshot {
		c.dedup.Seen(snapshotKey(m))
	}

	for {
		select {
		case ev, ok := <-c.sub.Feed():
			if !ok {
				// Feed closed underneath us: subscription lost. The
				// peer notices the close and resubscribes.
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, service.ErrSubscriptionLost.Error()))
				return
			}

			if c.sub.Gapped() {
				if err := c.resync(); err != nil {
					return
				}
			}

			if c.dedup.Seen(ev.DedupKey()) {
				continue
			}
			if err := c.writeFrame(&Frame{Type: string(ev.Type), Event: ev}); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) resync() error {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	snapshot, err := c.messages.Resync(ctx, c.sub)
	if err != nil {
		c.log.Error("resync failed", zap.String("scope", c.sub.Scope.Key()), zap.Error(err))
		return err
	}
	return c.writeFrame(&Frame{Type: "resync", Messages: snapshot})
}

func (c *Client) writeFrame(f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func snapshotKey(m *model.Message) string {
	return fmt.Sprintf("%s|%s|%d", m.ID, subscription.EventCreated, m.SeqID)
}
