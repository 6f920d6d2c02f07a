package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/suPer8Hu/polychat/internal/common"
	"github.com/suPer8Hu/polychat/internal/httpapi/handlers"
	"github.com/suPer8Hu/polychat/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler, jwtSecret string) *gin.Engine {
	if err := handlers.RegisterValidators(h.ChatSvc.HasProvider); err != nil {
		h.Logger.Error().Err(err).Msg("register validators")
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(h.Logger))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/models", h.ListModels)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(jwtSecret))
	authGroup.GET("/me", h.Me)
	authGroup.POST("/me/api-keys", h.StoreAPIKey)
	authGroup.PUT("/me/api-keys/:id/default", h.SetDefaultAPIKey)

	// Chat (JWT required)
	authGroup.POST("/chat/chats", h.CreateChat)
	authGroup.GET("/chat/chats/:chat_id/messages", h.ListChatMessages)
	authGroup.POST("/chat/messages", h.SendChatMessage)
	authGroup.POST("/chat/messages/stream", h.SendChatMessageStream)
	authGroup.POST("/chat/messages/async", h.SendChatMessageAsync)
	authGroup.GET("/chat/streams/:stream_id", h.ResumeStream)
	authGroup.GET("/chat/jobs/:job_id", h.GetChatJob)
	return r
}
