package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/polychat/internal/auth"
	"github.com/suPer8Hu/polychat/internal/bootstrap"
	"github.com/suPer8Hu/polychat/internal/config"
	"github.com/suPer8Hu/polychat/internal/httpapi/handlers"
	"github.com/suPer8Hu/polychat/internal/stream"
)

func init() { gin.SetMode(gin.TestMode) }

const vendorStream = `data: {"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":null}]}

data: {"id":"c1","choices":[{"index":0,"delta":{"content":"Hi "},"finish_reason":null}]}

data: {"id":"c1","choices":[{"index":0,"delta":{"content":"there!"},"finish_reason":null}]}

data: {"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}

data: {"id":"c1","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":3,"total_tokens":12}}

data: [DONE]

`

const jwtSecret = "test-secret"

type vendor struct {
	mu       sync.Mutex
	lastAuth string
}

func (v *vendor) auth() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastAuth
}

func (v *vendor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/tags":
		_, _ = io.WriteString(w, `{"models":[]}`)
	case "/chat/completions":
		v.mu.Lock()
		v.lastAuth = r.Header.Get("Authorization")
		v.mu.Unlock()

		var body struct {
			Stream bool `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, vendorStream)
			return
		}
		_, _ = io.WriteString(w, `{"model":"gpt-4","choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{"total_tokens":5}}`)
	default:
		http.NotFound(w, r)
	}
}

type fakePublisher struct {
	mu  sync.Mutex
	ids []string
}

func (p *fakePublisher) PublishJob(ctx context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, jobID)
	return nil
}

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

type testServer struct {
	r      *gin.Engine
	vendor *vendor
	pub    *fakePublisher
}

func newTestServer(t *testing.T, withPublisher bool) *testServer {
	t.Helper()
	v := &vendor{}
	srv := httptest.NewServer(v)
	t.Cleanup(srv.Close)

	cfg := config.Config{
		DBDriver:          "sqlite",
		DBDSN:             "file:" + t.Name() + "?mode=memory&cache=shared",
		StreamCache:       "memory",
		StreamIdleTimeout: 5 * time.Second,
		OpenAIBaseURL:     srv.URL,
		OpenAIAPIKey:      "sk-env",
		OllamaBaseURL:     srv.URL,
		OllamaModel:       "llama3:latest",
	}
	app, err := bootstrap.New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	_, err = app.Service.SyncModelCatalog(context.Background())
	require.NoError(t, err)

	ts := &testServer{vendor: v}
	var pub handlers.JobPublisher
	if withPublisher {
		ts.pub = &fakePublisher{}
		pub = ts.pub
	}
	h := handlers.NewHandler(app.Service, pub, time.Second, zerolog.Nop())
	ts.r = NewRouter(h, jwtSecret)
	return ts
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (ts *testServer) do(t *testing.T, method, path string, uid uint64, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if uid != 0 {
		tok, err := auth.SignToken(jwtSecret, uid, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.r.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, out any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	if out != nil {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
	return env
}

func (ts *testServer) createChat(t *testing.T, uid uint64) string {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/chat/chats", uid, gin.H{"title": "t", "provider": "openai", "model": "gpt-4"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var c struct {
		ID string `json:"id"`
	}
	decodeData(t, w, &c)
	require.NotEmpty(t, c.ID)
	return c.ID
}

func TestRouter_PublicRoutes(t *testing.T) {
	ts := newTestServer(t, false)

	w := ts.do(t, http.MethodGet, "/ping", 0, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/nope", 0, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40400, decodeData(t, w, nil).Code)

	w = ts.do(t, http.MethodDelete, "/ping", 0, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = ts.do(t, http.MethodGet, "/metrics", 0, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/models", 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Models []struct {
			Provider string `json:"provider"`
			ModelID  string `json:"model_id"`
		} `json:"models"`
	}
	decodeData(t, w, &out)
	assert.Contains(t, out.Models, struct {
		Provider string `json:"provider"`
		ModelID  string `json:"model_id"`
	}{"openai", "gpt-4"})
}

func TestRouter_AuthRequired(t *testing.T) {
	ts := newTestServer(t, false)
	w := ts.do(t, http.MethodPost, "/chat/chats", 0, gin.H{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodGet, "/me", 9, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":9}`, string(decodeData(t, w, nil).Data))
}

func TestCreateChat_Validation(t *testing.T) {
	ts := newTestServer(t, false)

	w := ts.do(t, http.MethodPost, "/chat/chats", 1, gin.H{"provider": "mistral"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 10001, decodeData(t, w, nil).Code)

	w = ts.do(t, http.MethodPost, "/chat/chats", 1, gin.H{"provider": "openai", "model": "gpt-9"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40001, decodeData(t, w, nil).Code)
}

func TestStreamThenResume(t *testing.T) {
	ts := newTestServer(t, false)
	chatID := ts.createChat(t, 1)

	w := ts.do(t, http.MethodPost, "/chat/messages/stream", 1, gin.H{"chat_id": chatID, "content": "Hi"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	tr, err := stream.Decode(w.Body)
	require.NoError(t, err)
	require.NotNil(t, tr.Start)
	assert.Equal(t, chatID, tr.Start.ChatID)
	assert.Equal(t, "Hi there!", tr.Content)
	require.NotNil(t, tr.End)
	assert.Equal(t, "stop", string(tr.End.FinishReason))
	require.NotNil(t, tr.End.TokensUsed)
	assert.Equal(t, 12, *tr.End.TokensUsed)
	assert.True(t, tr.Done)
	assert.Nil(t, tr.Err)
	assert.Equal(t, "Bearer sk-env", ts.vendor.auth())

	// history is ordered and complete
	w = ts.do(t, http.MethodGet, "/chat/chats/"+chatID+"/messages", 1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Messages []struct {
			ID             string `json:"id"`
			Role           string `json:"role"`
			Content        string `json:"content"`
			SequenceNumber int64  `json:"sequence_number"`
		} `json:"messages"`
		NextAfterSeq int64 `json:"next_after_seq"`
	}
	decodeData(t, w, &page)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "user", page.Messages[0].Role)
	assert.Equal(t, "Hi there!", page.Messages[1].Content)
	assert.Equal(t, int64(1), page.NextAfterSeq)
	assert.Equal(t, tr.End.MessageID, page.Messages[1].ID)

	// a finished stream resumes as JSON, the same answer each time
	for i := 0; i < 2; i++ {
		w = ts.do(t, http.MethodGet, "/chat/streams/"+tr.Start.StreamID, 1, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var res struct {
			Status  string `json:"status"`
			Message struct {
				ID      string `json:"id"`
				Content string `json:"content"`
			} `json:"message"`
		}
		decodeData(t, w, &res)
		assert.Equal(t, "completed", res.Status)
		assert.Equal(t, tr.End.MessageID, res.Message.ID)
		assert.Equal(t, "Hi there!", res.Message.Content)
	}

	// other users cannot see it
	w = ts.do(t, http.MethodGet, "/chat/streams/"+tr.Start.StreamID, 2, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = ts.do(t, http.MethodGet, "/chat/chats/"+chatID+"/messages", 2, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStream_RejectedBeforeUpstream(t *testing.T) {
	ts := newTestServer(t, false)
	chatID := ts.createChat(t, 1)

	w := ts.do(t, http.MethodPost, "/chat/messages/stream", 1, gin.H{"chat_id": chatID, "content": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	w = ts.do(t, http.MethodPost, "/chat/messages/stream", 1, gin.H{"chat_id": "01UNKNOWN", "content": "Hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/chat/messages/stream", 1, gin.H{"chat_id": chatID, "content": "Hi", "provider": "anthropic", "model": "claude-3-haiku-20240307"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40002, decodeData(t, w, nil).Code)
}

func TestSendMessage_UsesStoredKey(t *testing.T) {
	ts := newTestServer(t, false)
	chatID := ts.createChat(t, 1)

	w := ts.do(t, http.MethodPost, "/me/api-keys", 1, gin.H{"provider": "openai", "name": "mine", "api_key": "sk-user"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cred struct {
		ID        uint64 `json:"id"`
		IsDefault bool   `json:"is_default"`
	}
	decodeData(t, w, &cred)
	assert.True(t, cred.IsDefault)
	assert.NotContains(t, w.Body.String(), "sk-user")

	w = ts.do(t, http.MethodPost, "/chat/messages", 1, gin.H{"chat_id": chatID, "content": "Hi"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		Message struct {
			Content    string `json:"content"`
			TokensUsed *int   `json:"tokens_used"`
		} `json:"message"`
	}
	decodeData(t, w, &out)
	assert.Equal(t, "ok", out.Message.Content)
	assert.Equal(t, "Bearer sk-user", ts.vendor.auth())

	w = ts.do(t, http.MethodPut, "/me/api-keys/999/default", 1, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = ts.do(t, http.MethodPut, "/me/api-keys/abc/default", 1, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAsync_DisabledWithoutPublisher(t *testing.T) {
	ts := newTestServer(t, false)
	chatID := ts.createChat(t, 1)
	w := ts.do(t, http.MethodPost, "/chat/messages/async", 1, gin.H{"chat_id": chatID, "content": "Hi"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAsync_IdempotentEnqueue(t *testing.T) {
	ts := newTestServer(t, true)
	chatID := ts.createChat(t, 1)

	var first, second struct {
		JobID   string `json:"job_id"`
		Status  string `json:"status"`
		Created bool   `json:"created"`
	}
	w := ts.do(t, http.MethodPost, "/chat/messages/async", 1, gin.H{"chat_id": chatID, "content": "Hi"}, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeData(t, w, &first)
	assert.True(t, first.Created)
	assert.Equal(t, "queued", first.Status)

	w = ts.do(t, http.MethodPost, "/chat/messages/async", 1, gin.H{"chat_id": chatID, "content": "Hi"}, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &second)
	assert.False(t, second.Created)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, []string{first.JobID}, ts.pub.published())

	w = ts.do(t, http.MethodGet, "/chat/jobs/"+first.JobID, 1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var job struct {
		Job struct {
			JobID  string `json:"job_id"`
			Status string `json:"status"`
		} `json:"job"`
	}
	decodeData(t, w, &job)
	assert.Equal(t, first.JobID, job.Job.JobID)

	w = ts.do(t, http.MethodGet, "/chat/jobs/"+first.JobID, 2, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	long := make([]byte, 129)
	for i := range long {
		long[i] = 'k'
	}
	w = ts.do(t, http.MethodPost, "/chat/messages/async", 1, gin.H{"chat_id": chatID, "content": "Hi"}, "Idempotency-Key", string(long))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
