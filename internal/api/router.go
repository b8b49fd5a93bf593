package api

import (
	"github.com/gin-gonic/gin"

	"github.com/campushub/chatcore/internal/handler"
	"github.com/campushub/chatcore/internal/ws"
	"github.com/campushub/chatcore/middleware/jwt"
	logger "github.com/campushub/chatcore/middleware/log"
)

// RegisterRoutes registers the messaging API and the websocket feed.
func RegisterRoutes(
	r *gin.Engine,
	tokenManager *jwt.TokenManager,
	messageHandler *handler.MessageHandler,
	wsHandler *ws.Handler,
	log *logger.Logger,
) {
	r.Use(TraceMiddleware())
	r.Use(RequestLogMiddleware(log))

	protected := r.Group("/api/v1")
	protected.Use(AuthMiddleware(tokenManager))
	{
		messages := protected.Group("/messages")
		{
			messages.POST("", messageHandler.SendMessage)
			messages.GET("", messageHandler.GetMessages)
			messages.PUT("/:id/reactions", messageHandler.SetReaction)
			messages.GET("/:id/thread", messageHandler.GetThread)
		}

		protected.GET("/ws", wsHandler.Subscribe)
	}
}
