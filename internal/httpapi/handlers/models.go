package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/polychat/internal/common"
)

func (h *Handler) ListModels(c *gin.Context) {
	models, err := h.ChatSvc.ListModels(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	common.OK(c, gin.H{"models": models})
}
