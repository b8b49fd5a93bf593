package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/campushub/chatcore/internal/model"
	"github.com/campushub/chatcore/internal/service"
)

type MessageHandler struct {
	messages  service.IMessageService
	reactions service.IReactionService
}

func NewMessageHandler(messages service.IMessageService, reactions service.IReactionService) *MessageHandler {
	return &MessageHandler{
		messages:  messages,
		reactions: reactions,
	}
}

// SendMessage handles POST /api/v1/messages. The request is multipart
// when an attachment rides along, plain form otherwise.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	sender, ok := senderFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	req := service.SendMessageRequest{
		Scope: model.ChannelScope{
			ServerID:  c.PostForm("server_id"),
			ChannelID: c.PostForm("channel_id"),
		},
		Sender:  sender,
		Body:    c.PostForm("body"),
		ReplyTo: c.PostForm("reply_to"),
	}

	if file, header, err := c.Request.FormFile("attachment"); err == nil {
		defer file.Close()

		payload, err := io.ReadAll(file)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read attachment"})
			return
		}
		req.Attachment = &service.AttachmentUpload{
			Name:         header.Filename,
			MIMEType:     header.Header.Get("Content-Type"),
			DeclaredSize: header.Size,
			Payload:      payload,
		}
	}

	msg, err := h.messages.SendMessage(c.Request.Context(), req)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, msg)
}

// GetMessages handles GET /api/v1/messages.
func (h *MessageHandler) GetMessages(c *gin.Context) {
	scope := model.ChannelScope{
		ServerID:  c.Query("server_id"),
		ChannelID: c.Query("channel_id"),
	}
	if scope.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "server_id and channel_id are required"})
		return
	}

	var afterSeq int64
	if v := c.Query("after_seq"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after_seq"})
			return
		}
		afterSeq = parsed
	}

	limit := 0
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	messages, hasMore, err := h.messages.GetMessages(c.Request.Context(), scope, afterSeq, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": messages,
		"has_more": hasMore,
	})
}

// SetReactionRequest is the body of PUT /api/v1/messages/:id/reactions.
type SetReactionRequest struct {
	Emoji   string `json:"emoji" binding:"required"`
	Present *bool  `json:"present" binding:"required"`
}

// SetReaction handles PUT /api/v1/messages/:id/reactions.
func (h *MessageHandler) SetReaction(c *gin.Context) {
	sender, ok := senderFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req SetReactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	counts, err := h.reactions.SetReaction(c.Request.Context(), c.Param("id"), sender.ID, req.Emoji, *req.Present)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"counts": counts})
}

// GetThread handles GET /api/v1/messages/:id/thread.
func (h *MessageHandler) GetThread(c *gin.Context) {
	messages, err := h.messages.Thread(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func senderFrom(c *gin.Context) (service.Sender, bool) {
	userID := c.GetString("user_id")
	if userID == "" {
		return service.Sender{}, false
	}
	return service.Sender{
		ID:     userID,
		Name:   c.GetString("user_name"),
		Avatar: c.GetString("avatar"),
	}, true
}

func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidReference):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrUploadFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
