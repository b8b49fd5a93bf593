package model

import (
	"time"
)

// Attachment kinds, inferred from the MIME type at upload time.
const (
	AttachmentImage = "image"
	AttachmentFile  = "file"
)

// Message 消息模型
//
// Body and attachments are immutable once the row exists; reactions and
// reply links live in their own tables and are the only things that
// change after creation. (SeqID, ID) is the per-scope ordering key,
// assigned inside the append transaction, never from a client clock.
type Message struct {
	ID         string  `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ServerID   string  `gorm:"index:idx_messages_scope_seq,priority:1;not null;type:varchar(64)" json:"server_id"`
	ChannelID  string  `gorm:"index:idx_messages_scope_seq,priority:2;not null;type:varchar(64)" json:"channel_id"`
	SenderID   string  `gorm:"index;not null;type:varchar(64)" json:"sender_id"`
	SenderName string  `gorm:"type:varchar(128)" json:"sender_name"`
	Avatar     string  `gorm:"type:text" json:"avatar"`
	Body       string  `gorm:"type:text" json:"body"`
	SeqID      int64   `gorm:"index:idx_messages_scope_seq,priority:3;not null" json:"seq_id"`
	ParentID   *string `gorm:"index;type:varchar(64)" json:"parent_id,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`

	Attachments []Attachment `gorm:"foreignKey:MessageID" json:"attachments"`

	// Hydrated from message_reactions / message_replies on read; not columns.
	Reactions map[string][]string `gorm:"-" json:"reactions"`
	Replies   []string            `gorm:"-" json:"replies"`
}

func (Message) TableName() string {
	return "messages"
}

// Scope returns the message's channel scope.
func (m *Message) Scope() ChannelScope {
	return ChannelScope{ServerID: m.ServerID, ChannelID: m.ChannelID}
}

// Attachment 附件模型
type Attachment struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	MessageID string `gorm:"index;not null;type:varchar(64)" json:"-"`
	Kind      string `gorm:"not null;type:varchar(16)" json:"kind"`
	BlobRef   string `gorm:"not null;type:text" json:"url"`
	Name      string `gorm:"type:varchar(255)" json:"name"`
}

func (Attachment) TableName() string {
	return "message_attachments"
}

// Reaction is one user's reaction with one emoji on one message. The
// unique index is what gives the emoji's user set its set semantics:
// a retried add is a conflict no-op, a retried remove deletes nothing.
type Reaction struct {
	MessageID string    `gorm:"primaryKey;type:varchar(64)" json:"message_id"`
	Emoji     string    `gorm:"primaryKey;type:varchar(32)" json:"emoji"`
	UserID    string    `gorm:"primaryKey;type:varchar(64)" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (Reaction) TableName() string {
	return "message_reactions"
}

// ReplyLink is one edge of the parent/child thread graph. Append-only;
// Position records arrival order within the parent's child list.
type ReplyLink struct {
	ParentID  string    `gorm:"primaryKey;type:varchar(64)" json:"parent_id"`
	ChildID   string    `gorm:"primaryKey;type:varchar(64)" json:"child_id"`
	Position  int64     `gorm:"autoIncrement;uniqueIndex" json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

func (ReplyLink) TableName() string {
	return "message_replies"
}

// Membership mirrors the membership set owned by server management.
// This core only ever reads it.
type Membership struct {
	ServerID string `gorm:"primaryKey;type:varchar(64)" json:"server_id"`
	UserID   string `gorm:"primaryKey;type:varchar(64)" json:"user_id"`
}

func (Membership) TableName() string {
	return "server_members"
}
