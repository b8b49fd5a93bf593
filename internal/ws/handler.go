package ws

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/campushub/chatcore/internal/model"
	"github.com/campushub/chatcore/internal/service"
	logger "github.com/campushub/chatcore/middleware/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades authenticated subscribe requests and serves the
// snapshot-then-deltas stream.
type Handler struct {
	messages service.IMessageService
	log      *logger.Logger
}

func NewHandler(messages service.IMessageService, log *logger.Logger) *Handler {
	return &Handler{messages: messages, log: log}
}

// Subscribe handles GET /api/v1/ws?server_id=...&channel_id=...
func (h *Handler) Subscribe(c *gin.Context) {
	scope := model.ChannelScope{
		ServerID:  c.Query("server_id"),
		ChannelID: c.Query("channel_id"),
	}
	if scope.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "server_id and channel_id are required"})
		return
	}

	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	// Authorize and take the subscription before the upgrade so a
	// denial is still a plain HTTP response.
	sub, err := h.messages.Subscribe(c.Request.Context(), userID, scope)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPermissionDenied):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to subscribe"})
		}
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Close()
		h.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(conn, sub, h.messages, h.log)
	client.Run()
}
