package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/campushub/chatcore/internal/repository"
	"github.com/campushub/chatcore/internal/subscription"
	logger "github.com/campushub/chatcore/middleware/log"
	"github.com/campushub/chatcore/utils/snowflake"
)

const maxEmojiLength = 32

// IReactionService maintains the per-message, per-emoji reacting-user
// sets. The operation is an explicit set/unset, not a toggle, so a
// retried delivery converges on the same state.
type IReactionService interface {
	SetReaction(ctx context.Context, messageID, userID, emoji string, present bool) (map[string]int, error)
}

type ReactionService struct {
	repo      repository.IMessageRepository
	gate      IAuthorizationGate
	publisher EventPublisher
	idGen     *snowflake.Generator
	log       *logger.Logger
}

func NewReactionService(
	repo repository.IMessageRepository,
	gate IAuthorizationGate,
	publisher EventPublisher,
	idGen *snowflake.Generator,
	log *logger.Logger,
) IReactionService {
	return &ReactionService{
		repo:      repo,
		gate:      gate,
		publisher: publisher,
		idGen:     idGen,
		log:       log,
	}
}

// SetReaction makes userID's membership in the emoji's set match the
// requested presence. Adding an existing member or removing a missing
// one is a no-op; a failed mutation leaves the prior state unchanged.
// Returns the fresh per-emoji counts for the message.
func (s *ReactionService) SetReaction(ctx context.Context, messageID, userID, emoji string, present bool) (map[string]int, error) {
	if emoji == "" || len(emoji) > maxEmojiLength {
		return nil, fmt.Errorf("%w: invalid emoji", ErrValidation)
	}

	message, err := s.repo.FindByID(ctx, messageID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: message %s does not exist", ErrInvalidReference, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve message: %w", err)
	}

	if err := s.gate.Authorize(ctx, userID, message.Scope()); err != nil {
		return nil, err
	}

	if present {
		err = s.repo.AddReaction(ctx, messageID, emoji, userID)
	} else {
		err = s.repo.RemoveReaction(ctx, messageID, emoji, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update reaction: %w", err)
	}

	counts, err := s.repo.ReactionCounts(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to read reaction counts: %w", err)
	}

	version, verr := s.idGen.NextID()
	if verr != nil {
		version = message.SeqID
	}
	s.publisher.PublishEvent(ctx, &subscription.Event{
		Type:      subscription.EventReactionUpdated,
		Scope:     message.Scope(),
		Version:   version,
		MessageID: messageID,
		Emoji:     emoji,
		UserID:    userID,
		Present:   present,
		Counts:    counts,
	})

	return counts, nil
}
