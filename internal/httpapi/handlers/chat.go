package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/polychat/internal/chat"
	"github.com/suPer8Hu/polychat/internal/common"
)

type createChatReq struct {
	Title    string `json:"title" binding:"max=255"`
	Provider string `json:"provider" binding:"omitempty,provider"`
	Model    string `json:"model" binding:"max=128"`
}

func (h *Handler) CreateChat(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid request: "+err.Error())
		return
	}

	ch, err := h.ChatSvc.CreateChat(c.Request.Context(), uid, req.Title, req.Provider, req.Model)
	if err != nil {
		h.writeError(c, err)
		return
	}
	common.OK(c, ch)
}

type sendMessageReq struct {
	ChatID          string   `json:"chat_id" binding:"required"`
	Content         string   `json:"content" binding:"required"`
	Provider        string   `json:"provider" binding:"omitempty,provider"`
	Model           string   `json:"model" binding:"max=128"`
	ParentMessageID *string  `json:"parent_message_id"`
	Temperature     *float64 `json:"temperature" binding:"omitempty,gte=0,lte=2"`
	MaxTokens       *int     `json:"max_tokens" binding:"omitempty,gte=1"`
}

func (r sendMessageReq) toSend(uid uint64) chat.SendRequest {
	return chat.SendRequest{
		UserID:          uid,
		ChatID:          r.ChatID,
		Content:         r.Content,
		Provider:        r.Provider,
		Model:           r.Model,
		ParentMessageID: r.ParentMessageID,
		Temperature:     r.Temperature,
		MaxTokens:       r.MaxTokens,
	}
}

func (h *Handler) bindSend(c *gin.Context) (chat.SendRequest, bool) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return chat.SendRequest{}, false
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid request: "+err.Error())
		return chat.SendRequest{}, false
	}
	return req.toSend(uid), true
}

func (h *Handler) SendChatMessage(c *gin.Context) {
	req, okk := h.bindSend(c)
	if !okk {
		return
	}
	msg, err := h.ChatSvc.SendMessage(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	common.OK(c, gin.H{"chat_id": req.ChatID, "message": msg})
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	chatID := c.Param("chat_id")
	limit, _ := strconv.Atoi(c.Query("limit"))
	afterSeq := int64(-1)
	if s := c.Query("after_seq"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			common.Fail(c, http.StatusBadRequest, 10002, "after_seq must be an integer")
			return
		}
		afterSeq = n
	}

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, chatID, afterSeq, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	next := afterSeq
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].SequenceNumber
	}
	common.OK(c, gin.H{
		"messages":       msgs,
		"next_after_seq": next,
	})
}

func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	if h.Rabbit == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "async messaging is disabled")
		return
	}
	req, okk := h.bindSend(c)
	if !okk {
		return
	}

	// read idempotency key
	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}

	j, created, err := h.ChatSvc.EnqueueJob(c.Request.Context(), req, idempoKey)
	if err != nil {
		h.writeError(c, err)
		return
	}

	// Enqueue only when a new job was created
	if created {
		if err := h.Rabbit.PublishJob(c.Request.Context(), j.ID); err != nil {
			h.Logger.Error().Err(err).Str("job_id", j.ID).Uint64("user_id", req.UserID).Msg("publish job")
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.OK(c, gin.H{"job_id": j.ID, "status": j.Status, "created": created})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.ChatSvc.GetJob(c.Request.Context(), uid, jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	common.OK(c, gin.H{"job": j})
}
