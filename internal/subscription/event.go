package subscription

import (
	"encoding/json"
	"fmt"

	"github.com/campushub/chatcore/internal/model"
)

// EventType discriminates the three live-feed deltas.
type EventType string

const (
	EventCreated         EventType = "created"
	EventReactionUpdated EventType = "reactionUpdated"
	EventThreadUpdated   EventType = "threadUpdated"
)

// Event is one live-feed delta. Each variant carries enough payload for
// a subscriber to apply a local diff without re-fetching:
// created carries the whole message, reactionUpdated the fresh per-emoji
// counts, threadUpdated the new parent→child edge.
type Event struct {
	Type  EventType          `json:"type"`
	Scope model.ChannelScope `json:"scope"`

	// Version disambiguates retried deliveries of the same logical
	// event. For created events it equals the message SeqID.
	Version int64 `json:"version"`

	// Origin is the node that produced the event; the kafka relay uses
	// it to skip events that already went through the local hub.
	Origin string `json:"origin,omitempty"`

	Message *model.Message `json:"message,omitempty"`

	MessageID string         `json:"message_id,omitempty"`
	Emoji     string         `json:"emoji,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Present   bool           `json:"present,omitempty"`
	Counts    map[string]int `json:"counts,omitempty"`

	ParentID string `json:"parent_id,omitempty"`
	ChildID  string `json:"child_id,omitempty"`
}

// SeqID returns the ordering key component for created events, 0 for
// the other variants.
func (e *Event) SeqID() int64 {
	if e.Type == EventCreated && e.Message != nil {
		return e.Message.SeqID
	}
	return 0
}

// DedupKey identifies the logical event under at-least-once delivery.
func (e *Event) DedupKey() string {
	id := e.MessageID
	if e.Message != nil {
		id = e.Message.ID
	}
	return fmt.Sprintf("%s|%s|%d", id, e.Type, e.Version)
}

// Encode serializes the event for the wire (redis pub/sub, kafka).
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a wire-format event.
func DecodeEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return &ev, nil
}
