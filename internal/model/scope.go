package model

import "fmt"

// ChannelScope identifies the (server, channel) pair a message belongs to.
// It is the ordering and authorization boundary: sequence numbers are
// assigned per scope and membership is checked per scope.
type ChannelScope struct {
	ServerID  string `json:"server_id"`
	ChannelID string `json:"channel_id"`
}

// Key returns the canonical string form used for redis keys, kafka
// message keys and broker lookups.
func (s ChannelScope) Key() string {
	return fmt.Sprintf("%s:%s", s.ServerID, s.ChannelID)
}

func (s ChannelScope) IsZero() bool {
	return s.ServerID == "" || s.ChannelID == ""
}
