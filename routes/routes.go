package routes

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"workbench/controllers"
	"workbench/middlewares"
)

func SetupRouter(chat *controllers.ChatController, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middlewares.Logger(logger))
	r.Use(middlewares.CORS())

	r.POST("/chat/ask", chat.HandleAsk)
	r.POST("/chat/agent", chat.HandleAgent)

	r.GET("/chat/conversations", chat.GetConversations)
	r.GET("/chat/conversations/:id/messages", chat.GetMessages)
	r.PATCH("/chat/conversations/:id", chat.RenameConversation)
	r.DELETE("/chat/conversations/:id", chat.DeleteConversation)

	return r
}
