package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/campushub/chatcore/internal/model"
)

// ErrNotFound is returned when a referenced message does not exist.
var ErrNotFound = errors.New("message not found")

// Sequencer hands out the per-scope ordering sequence. The redis client
// implements it with an atomic INCR.
type Sequencer interface {
	NextSeq(ctx context.Context, scope model.ChannelScope) (int64, error)
}

// Cursor addresses a position in a scope's ledger. Query returns
// messages strictly after it.
type Cursor struct {
	SeqID int64
}

// IMessageRepository is the append-only message ledger plus the two
// set-valued side tables (reactions, reply links) that mutate after
// creation.
type IMessageRepository interface {
	Append(ctx context.Context, message *model.Message) error
	Query(ctx context.Context, scope model.ChannelScope, after Cursor, limit int) ([]*model.Message, error)
	FindByID(ctx context.Context, id string) (*model.Message, error)

	AddReaction(ctx context.Context, messageID, emoji, userID string) error
	RemoveReaction(ctx context.Context, messageID, emoji, userID string) error
	ReactionCounts(ctx context.Context, messageID string) (map[string]int, error)

	LinkReply(ctx context.Context, parentID, childID string) error
	ChildIDs(ctx context.Context, parentID string) ([]string, error)
}

type MessageRepository struct {
	db  *gorm.DB
	seq Sequencer
}

func NewMessageRepository(db *gorm.DB, seq Sequencer) IMessageRepository {
	return &MessageRepository{db: db, seq: seq}
}

// Append assigns the ordering key and persists the message with its
// attachment rows in one transaction. The sequence INCR is the only
// serialization point; on any persistence error the transaction rolls
// back and no record remains.
func (r *MessageRepository) Append(ctx context.Context, message *model.Message) error {
	seqID, err := r.seq.NextSeq(ctx, message.Scope())
	if err != nil {
		return fmt.Errorf("failed to assign ordering key: %w", err)
	}
	message.SeqID = seqID
	message.CreatedAt = time.Now().UTC()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Attachments").Create(message).Error; err != nil {
			return err
		}
		for i := range message.Attachments {
			message.Attachments[i].MessageID = message.ID
		}
		if len(message.Attachments) > 0 {
			if err := tx.Create(&message.Attachments).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Query returns messages for a scope strictly after the cursor, in
// strictly increasing (seq_id, id) order, with attachments, reactions
// and reply lists hydrated.
func (r *MessageRepository) Query(ctx context.Context, scope model.ChannelScope, after Cursor, limit int) ([]*model.Message, error) {
	var messages []*model.Message

	query := r.db.WithContext(ctx).
		Preload("Attachments").
		Where("server_id = ? AND channel_id = ?", scope.ServerID, scope.ChannelID)
	if after.SeqID > 0 {
		query = query.Where("seq_id > ?", after.SeqID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Order("seq_id ASC, id ASC").Find(&messages).Error; err != nil {
		return nil, err
	}

	if err := r.hydrate(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *MessageRepository) FindByID(ctx context.Context, id string) (*model.Message, error) {
	var message model.Message
	err := r.db.WithContext(ctx).Preload("Attachments").Where("id = ?", id).First(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := r.hydrate(ctx, []*model.Message{&message}); err != nil {
		return nil, err
	}
	return &message, nil
}

// hydrate fills the reaction map and reply list for a page of messages.
func (r *MessageRepository) hydrate(ctx context.Context, messages []*model.Message) error {
	if len(messages) == 0 {
		return nil
	}
	ids := make([]string, 0, len(messages))
	byID := make(map[string]*model.Message, len(messages))
	for _, m := range messages {
		m.Reactions = make(map[string][]string)
		m.Replies = []string{}
		ids = append(ids, m.ID)
		byID[m.ID] = m
	}

	var reactions []model.Reaction
	if err := r.db.WithContext(ctx).
		Where("message_id IN ?", ids).
		Order("created_at ASC").
		Find(&reactions).Error; err != nil {
		return err
	}
	for _, re := range reactions {
		m := byID[re.MessageID]
		m.Reactions[re.Emoji] = append(m.Reactions[re.Emoji], re.UserID)
	}

	var links []model.ReplyLink
	if err := r.db.WithContext(ctx).
		Where("parent_id IN ?", ids).
		Order("position ASC").
		Find(&links).Error; err != nil {
		return err
	}
	for _, l := range links {
		m := byID[l.ParentID]
		m.Replies = append(m.Replies, l.ChildID)
	}
	return nil
}

// AddReaction inserts the (message, emoji, user) row if absent. The
// conflict clause makes a retried add a no-op rather than a duplicate,
// and concurrent adds on the same message never clobber each other.
func (r *MessageRepository) AddReaction(ctx context.Context, messageID, emoji, userID string) error {
	reaction := model.Reaction{
		MessageID: messageID,
		Emoji:     emoji,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&reaction).Error
}

// RemoveReaction deletes the row if present; deleting a missing row is a
// no-op.
func (r *MessageRepository) RemoveReaction(ctx context.Context, messageID, emoji, userID string) error {
	return r.db.WithContext(ctx).
		Where("message_id = ? AND emoji = ? AND user_id = ?", messageID, emoji, userID).
		Delete(&model.Reaction{}).Error
}

func (r *MessageRepository) ReactionCounts(ctx context.Context, messageID string) (map[string]int, error) {
	type row struct {
		Emoji string
		Count int
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&model.Reaction{}).
		Select("emoji, count(*) as count").
		Where("message_id = ?", messageID).
		Group("emoji").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Emoji] = r.Count
	}
	return counts, nil
}

// LinkReply atomically inserts the child into the parent's reply set.
// Insert-if-absent at the row level, so concurrent replies to the same
// parent never lose an entry.
func (r *MessageRepository) LinkReply(ctx context.Context, parentID, childID string) error {
	link := model.ReplyLink{
		ParentID:  parentID,
		ChildID:   childID,
		CreatedAt: time.Now().UTC(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&link).Error
}

// ChildIDs returns the parent's reply ids in arrival order.
func (r *MessageRepository) ChildIDs(ctx context.Context, parentID string) ([]string, error) {
	var links []model.ReplyLink
	err := r.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("position ASC").
		Find(&links).Error
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(links))
	for _, l := range links {
		ids = append(ids, l.ChildID)
	}
	return ids, nil
}
