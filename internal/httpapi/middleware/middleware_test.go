package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/polychat/internal/auth"
)

func init() { gin.SetMode(gin.TestMode) }

func newEngine(secret string, logOut *bytes.Buffer) *gin.Engine {
	r := gin.New()
	r.Use(Recovery(), RequestID(), Logger(zerolog.New(logOut)))
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	g := r.Group("/", AuthRequired(secret))
	g.GET("/me", func(c *gin.Context) {
		uid, _ := UserID(c)
		c.JSON(http.StatusOK, gin.H{"uid": uid})
	})
	return r
}

func TestAuthRequired(t *testing.T) {
	var logs bytes.Buffer
	r := newEngine("sec", &logs)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	tok, err := auth.SignToken("sec", 7, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"uid":7}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	assert.Contains(t, logs.String(), `"path":"/me"`)
}

func TestRecovery(t *testing.T) {
	var logs bytes.Buffer
	r := newEngine("sec", &logs)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal server error")
}

func TestRequestID_KeepsIncoming(t *testing.T) {
	var logs bytes.Buffer
	r := newEngine("sec", &logs)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
}
