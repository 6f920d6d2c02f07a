package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/polychat/internal/chat"
	"github.com/suPer8Hu/polychat/internal/common"
)

func init() { gin.SetMode(gin.TestMode) }

func TestWriteError_Mapping(t *testing.T) {
	h := NewHandler(nil, nil, 0, zerolog.Nop())

	cases := []struct {
		err    error
		status int
		code   int
	}{
		{fmt.Errorf("%w: content is empty", chat.ErrValidation), http.StatusBadRequest, 40001},
		{fmt.Errorf("%w for provider openai", chat.ErrMissingCredential), http.StatusBadRequest, 40002},
		{chat.ErrChatNotFound, http.StatusNotFound, 40401},
		{chat.ErrStreamNotFound, http.StatusNotFound, 40402},
		{chat.ErrJobNotFound, http.StatusNotFound, 40403},
		{chat.ErrCredentialNotFound, http.StatusNotFound, 40404},
		{fmt.Errorf("%w: %w", chat.ErrUpstreamUnavailable, errors.New("503")), http.StatusBadGateway, 50201},
		{errors.New("disk full"), http.StatusInternalServerError, 50001},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		h.writeError(c, tc.err)

		assert.Equal(t, tc.status, w.Code, tc.err.Error())
		var resp common.Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, tc.code, resp.Code, tc.err.Error())
	}
}

func TestNewHandler_DefaultHeartbeat(t *testing.T) {
	h := NewHandler(nil, nil, 0, zerolog.Nop())
	assert.Positive(t, h.Heartbeat)
	assert.Nil(t, h.Rabbit)
}

func TestInternalErrorDoesNotLeakDetails(t *testing.T) {
	h := NewHandler(nil, nil, 0, zerolog.Nop())
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	h.writeError(c, errors.New("dial tcp 10.0.0.5:3306: refused"))
	assert.NotContains(t, w.Body.String(), "10.0.0.5")
}
