package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/polychat/internal/chat"
	"github.com/suPer8Hu/polychat/internal/common"
	"github.com/suPer8Hu/polychat/internal/httpapi/middleware"
)

// JobPublisher enqueues async chat jobs.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Handler struct {
	ChatSvc   *chat.Service
	Rabbit    JobPublisher
	Heartbeat time.Duration
	Logger    zerolog.Logger
}

// NewHandler wires the HTTP handlers. rabbit may be nil, which disables the
// async endpoint.
func NewHandler(svc *chat.Service, rabbit JobPublisher, heartbeat time.Duration, logger zerolog.Logger) *Handler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Handler{ChatSvc: svc, Rabbit: rabbit, Heartbeat: heartbeat, Logger: logger}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	return middleware.UserID(c)
}

// writeError maps service errors onto the response envelope.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrValidation):
		common.Fail(c, http.StatusBadRequest, 40001, err.Error())
	case errors.Is(err, chat.ErrMissingCredential):
		common.Fail(c, http.StatusBadRequest, 40002, "no api key configured for this provider")
	case errors.Is(err, chat.ErrChatNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "chat not found")
	case errors.Is(err, chat.ErrStreamNotFound):
		common.Fail(c, http.StatusNotFound, 40402, "stream not found")
	case errors.Is(err, chat.ErrJobNotFound):
		common.Fail(c, http.StatusNotFound, 40403, "job not found")
	case errors.Is(err, chat.ErrCredentialNotFound):
		common.Fail(c, http.StatusNotFound, 40404, "api key not found")
	case errors.Is(err, chat.ErrMessageNotFound):
		common.Fail(c, http.StatusNotFound, 40405, "message not found")
	case errors.Is(err, chat.ErrUpstreamUnavailable):
		h.Logger.Warn().Err(err).Str("request_id", c.GetString(middleware.RequestIDKey)).Msg("upstream unavailable")
		common.Fail(c, http.StatusBadGateway, 50201, "upstream provider unavailable")
	default:
		h.Logger.Error().Err(err).Str("request_id", c.GetString(middleware.RequestIDKey)).Str("path", c.FullPath()).Msg("internal error")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

func (h *Handler) Me(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	common.OK(c, gin.H{"user_id": uid})
}
