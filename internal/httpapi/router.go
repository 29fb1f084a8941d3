package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zennooo/blue-orca-ai/internal/common"
	"github.com/zennooo/blue-orca-ai/internal/config"
	"github.com/zennooo/blue-orca-ai/internal/httpapi/handlers"
	"github.com/zennooo/blue-orca-ai/internal/httpapi/middleware"
)

func NewRouter(cfg config.Config, h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	// one-time codes + registration + login
	r.POST("/captcha", h.SendCaptcha)
	r.POST("/users", h.CreateUser)
	r.GET("/users/:id", h.GetUserByID)
	r.POST("/login", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	// sessions
	authGroup.POST("/chat/sessions", h.CreateChatSession)
	authGroup.GET("/sessions", h.ListSessions)
	authGroup.PATCH("/sessions/:session_id", h.RenameSession)
	authGroup.GET("/sessions/:session_id/messages", h.ListSessionMessages)

	// chat turns
	authGroup.POST("/chat-turn", h.ChatTurn)
	authGroup.POST("/chat/messages", h.SendChatMessage)
	authGroup.GET("/chat/sessions/:session_id/messages", h.ListChatMessages)
	authGroup.POST("/chat/messages/stream", h.SendChatMessageStream)
	authGroup.POST("/chat/messages/async", h.SendChatMessageAsync)
	authGroup.GET("/chat/jobs/:job_id", h.GetChatJob)

	return r
}
