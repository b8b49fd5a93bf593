package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/campushub/chatcore/internal/model"
	"github.com/campushub/chatcore/internal/pkg/blob"
	"github.com/campushub/chatcore/internal/repository"
	"github.com/campushub/chatcore/internal/subscription"
	logger "github.com/campushub/chatcore/middleware/log"
	"github.com/campushub/chatcore/utils/snowflake"
)

const maxBodyLength = 2000

// AttachmentUpload is a pending attachment payload. DeclaredSize is
// checked against the ceiling before any transfer begins.
type AttachmentUpload struct {
	Name         string
	MIMEType     string
	DeclaredSize int64
	Payload      []byte
	OnProgress   blob.ProgressFunc
}

// SendMessageRequest carries one send operation.
type SendMessageRequest struct {
	Scope      model.ChannelScope
	Sender     Sender
	Body       string
	ReplyTo    string
	Attachment *AttachmentUpload
}

// Sender is the authenticated identity echoed onto the message.
type Sender struct {
	ID     string
	Name   string
	Avatar string
}

// IMessageService is the caller-facing surface of the messaging core.
type IMessageService interface {
	SendMessage(ctx context.Context, req SendMessageRequest) (*model.Message, error)
	GetMessages(ctx context.Context, scope model.ChannelScope, afterSeq int64, limit int) ([]*model.Message, bool, error)
	Subscribe(ctx context.Context, userID string, scope model.ChannelScope) (*subscription.Subscription, error)
	Resync(ctx context.Context, sub *subscription.Subscription) ([]*model.Message, error)
	Thread(ctx context.Context, rootID string) ([]*model.Message, error)
}

type MessageService struct {
	repo      repository.IMessageRepository
	gate      IAuthorizationGate
	pipeline  *blob.Pipeline
	hub       *subscription.Hub
	publisher EventPublisher
	idGen     *snowflake.Generator
	log       *logger.Logger
}

func NewMessageService(
	repo repository.IMessageRepository,
	gate IAuthorizationGate,
	pipeline *blob.Pipeline,
	hub *subscription.Hub,
	publisher EventPublisher,
	idGen *snowflake.Generator,
	log *logger.Logger,
) IMessageService {
	return &MessageService{
		repo:      repo,
		gate:      gate,
		pipeline:  pipeline,
		hub:       hub,
		publisher: publisher,
		idGen:     idGen,
		log:       log,
	}
}

// SendMessage runs the full ingestion saga: validate, authorize, upload
// the attachment if any, append to the ledger, link the reply, publish.
// There is no transaction spanning the blob store and the ledger; a
// failed append after a successful upload triggers a compensating blob
// delete so no orphaned attachment stays reachable.
func (s *MessageService) SendMessage(ctx context.Context, req SendMessageRequest) (*model.Message, error) {
	if err := s.validateSend(&req); err != nil {
		return nil, err
	}

	if err := s.gate.Authorize(ctx, req.Sender.ID, req.Scope); err != nil {
		return nil, err
	}

	// Resolve the parent before spending any effort on the upload, so a
	// bad reference fails with zero side effects.
	if req.ReplyTo != "" {
		parent, err := s.repo.FindByID(ctx, req.ReplyTo)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: parent %s does not exist", ErrInvalidReference, req.ReplyTo)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve parent message: %w", err)
		}
		if parent.Scope() != req.Scope {
			return nil, fmt.Errorf("%w: parent %s belongs to another channel", ErrInvalidReference, req.ReplyTo)
		}
	}

	id, err := s.idGen.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate message ID: %w", err)
	}
	messageID := strconv.FormatInt(id, 10)

	message := &model.Message{
		ID:         messageID,
		ServerID:   req.Scope.ServerID,
		ChannelID:  req.Scope.ChannelID,
		SenderID:   req.Sender.ID,
		SenderName: req.Sender.Name,
		Avatar:     req.Sender.Avatar,
		Body:       req.Body,
		Reactions:  map[string][]string{},
		Replies:    []string{},
	}
	if req.ReplyTo != "" {
		parentID := req.ReplyTo
		message.ParentID = &parentID
	}

	if req.Attachment != nil {
		att, err := s.uploadAttachment(ctx, req.Scope, messageID, req.Attachment)
		if err != nil {
			return nil, err
		}
		message.Attachments = []model.Attachment{att}
	}

	if err := s.repo.Append(ctx, message); err != nil {
		// Compensation: the upload succeeded but the append did not, so
		// the blob must not stay reachable.
		s.cleanupAttachments(message)
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	s.publisher.PublishEvent(ctx, &subscription.Event{
		Type:    subscription.EventCreated,
		Scope:   req.Scope,
		Version: message.SeqID,
		Message: message,
	})

	if req.ReplyTo != "" {
		if err := s.linkReply(ctx, req.ReplyTo, message); err != nil {
			// The child message is durable; the link is retryable by the
			// caller. Surface nothing but leave a trace.
			s.log.ErrorContext(ctx, "failed to link reply",
				zap.String("parent_id", req.ReplyTo),
				zap.String("child_id", messageID),
				zap.Error(err))
		}
	}

	return message, nil
}

func (s *MessageService) validateSend(req *SendMessageRequest) error {
	if req.Scope.IsZero() {
		return fmt.Errorf("%w: missing channel scope", ErrValidation)
	}
	if req.Sender.ID == "" {
		return fmt.Errorf("%w: missing sender", ErrValidation)
	}
	req.Body = strings.TrimSpace(req.Body)
	if req.Body == "" && req.Attachment == nil {
		return fmt.Errorf("%w: empty message", ErrValidation)
	}
	if len(req.Body) > maxBodyLength {
		return fmt.Errorf("%w: body exceeds %d characters", ErrValidation, maxBodyLength)
	}
	if req.Attachment != nil {
		size := req.Attachment.DeclaredSize
		if size == 0 {
			size = int64(len(req.Attachment.Payload))
		}
		if err := s.pipeline.CheckSize(size); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return nil
}

func (s *MessageService) uploadAttachment(ctx context.Context, scope model.ChannelScope, messageID string, up *AttachmentUpload) (model.Attachment, error) {
	path := fmt.Sprintf("attachments/%s/%s/%s/%s", scope.ServerID, scope.ChannelID, messageID, up.Name)
	att, err := s.pipeline.Upload(ctx, path, up.Name, up.MIMEType, up.Payload, up.OnProgress)
	if err != nil {
		if errors.Is(err, blob.ErrTooLarge) {
			return model.Attachment{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if ctx.Err() != nil {
			return model.Attachment{}, ctx.Err()
		}
		return model.Attachment{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	return att, nil
}

// cleanupAttachments deletes blobs whose owning append failed.
func (s *MessageService) cleanupAttachments(message *model.Message) {
	for _, att := range message.Attachments {
		// The request context may already be canceled; cleanup must
		// still run.
		if err := s.pipeline.Remove(context.Background(), att.BlobRef); err != nil {
			s.log.Error("failed to delete orphaned blob",
				zap.String("blob_ref", att.BlobRef),
				zap.Error(err))
		}
	}
}

func (s *MessageService) linkReply(ctx context.Context, parentID string, child *model.Message) error {
	if err := s.repo.LinkReply(ctx, parentID, child.ID); err != nil {
		return err
	}

	version, err := s.idGen.NextID()
	if err != nil {
		version = child.SeqID
	}
	s.publisher.PublishEvent(ctx, &subscription.Event{
		Type:      subscription.EventThreadUpdated,
		Scope:     child.Scope(),
		Version:   version,
		MessageID: parentID,
		ParentID:  parentID,
		ChildID:   child.ID,
	})
	return nil
}

// GetMessages returns one ordered page of a scope's ledger, newest page
// boundaries expressed by the exclusive afterSeq cursor.
func (s *MessageService) GetMessages(ctx context.Context, scope model.ChannelScope, afterSeq int64, limit int) ([]*model.Message, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	messages, err := s.repo.Query(ctx, scope, repository.Cursor{SeqID: afterSeq}, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("failed to retrieve messages: %w", err)
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	return messages, hasMore, nil
}

// Subscribe registers a live-feed listener and takes the snapshot. The
// registration happens first so no delta between snapshot and
// registration can be missed; overlap is resolved by de-duplication.
func (s *MessageService) Subscribe(ctx context.Context, userID string, scope model.ChannelScope) (*subscription.Subscription, error) {
	if scope.IsZero() {
		return nil, fmt.Errorf("%w: missing channel scope", ErrValidation)
	}
	if err := s.gate.Authorize(ctx, userID, scope); err != nil {
		return nil, err
	}

	sub := s.hub.Register(scope)

	snapshot, err := s.repo.Query(ctx, scope, repository.Cursor{}, 0)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	sub.Snapshot = snapshot
	return sub, nil
}

// Resync re-reads the scope's full ordered state for a subscriber that
// dropped deltas, and clears its gap marker.
func (s *MessageService) Resync(ctx context.Context, sub *subscription.Subscription) ([]*model.Message, error) {
	snapshot, err := s.repo.Query(ctx, sub.Scope, repository.Cursor{}, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read resync snapshot: %w", err)
	}
	sub.ClearGap()
	return snapshot, nil
}

// Thread returns the root message and every descendant reply,
// breadth-first. Traversal is an explicit work list: thread depth is
// unbounded and must not consume call stack.
func (s *MessageService) Thread(ctx context.Context, rootID string) ([]*model.Message, error) {
	root, err := s.repo.FindByID(ctx, rootID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: message %s does not exist", ErrInvalidReference, rootID)
	}
	if err != nil {
		return nil, err
	}

	result := []*model.Message{root}
	seen := map[string]bool{rootID: true}
	worklist := append([]string(nil), root.Replies...)

	for len(worklist) > 0 {
		id := worklist[0]
		worklist = worklist[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		msg, err := s.repo.FindByID(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
		worklist = append(worklist, msg.Replies...)
	}
	return result, nil
}
