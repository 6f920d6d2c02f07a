package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/polychat/internal/common"
)

type storeKeyReq struct {
	Provider  string `json:"provider" binding:"required,provider"`
	Name      string `json:"name" binding:"max=64"`
	APIKey    string `json:"api_key" binding:"required,max=512"`
	IsDefault bool   `json:"is_default"`
}

func (h *Handler) StoreAPIKey(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	var req storeKeyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid request: "+err.Error())
		return
	}

	cred, err := h.ChatSvc.StoreCredential(c.Request.Context(), uid, req.Provider, req.Name, req.APIKey, req.IsDefault)
	if err != nil {
		h.writeError(c, err)
		return
	}
	common.OK(c, cred)
}

func (h *Handler) SetDefaultAPIKey(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "invalid id")
		return
	}

	cred, err := h.ChatSvc.SetDefaultCredential(c.Request.Context(), uid, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	common.OK(c, cred)
}
