package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/polychat/internal/common"
	"github.com/suPer8Hu/polychat/internal/stream"
)

func (h *Handler) SendChatMessageStream(c *gin.Context) {
	req, okk := h.bindSend(c)
	if !okk {
		return
	}

	// failures before the upstream accepts the request are plain JSON errors
	handle, err := h.ChatSvc.SendMessageStream(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer handle.Sub.Close()

	h.serveSSE(c, stream.StartPayload{
		StreamID:      handle.StreamID,
		ChatID:        handle.ChatID,
		UserMessageID: handle.UserMessage.ID,
	}, handle.Sub)
}

// ResumeStream reattaches to a running stream over SSE, or returns the stored
// result of a finished one as JSON.
func (h *Handler) ResumeStream(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	res, err := h.ChatSvc.Resume(c.Request.Context(), uid, c.Param("stream_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	snap := res.Snapshot
	if res.Sub != nil {
		defer res.Sub.Close()
		h.serveSSE(c, stream.StartPayload{
			StreamID:      snap.ID,
			ChatID:        snap.ChatID,
			UserMessageID: snap.UserMessageID,
		}, res.Sub)
		return
	}

	common.OK(c, gin.H{
		"stream_id":     snap.ID,
		"chat_id":       snap.ChatID,
		"status":        snap.Status,
		"finish_reason": snap.Outcome.FinishReason,
		"error":         snap.Outcome.Error,
		"message":       res.Message,
	})
}

func (h *Handler) serveSSE(c *gin.Context, start stream.StartPayload, sub *stream.Subscription) {
	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	w := stream.NewWriter(c.Writer)
	if err := w.Start(start); err != nil {
		return
	}

	// a client disconnect only detaches this writer; the generation goes on
	_, err := stream.Forward(c.Request.Context(), sub, w, h.Heartbeat)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.Logger.Debug().Err(err).Str("stream_id", start.StreamID).Msg("stream writer stopped")
	}
}
