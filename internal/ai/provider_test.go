package ai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(f float64) *float64 { return &f }

func TestOpenAIProvider_StreamChat(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, openAIFixture)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL+"/v1", "sk-test")
	st, err := p.StreamChat(context.Background(), ChatRequest{
		Model:       "gpt-4",
		Messages:    []Message{{Role: RoleUser, Content: "Hi"}},
		Temperature: floatPtr(0.2),
	})
	require.NoError(t, err)
	defer st.Close()

	raw, err := io.ReadAll(st.Body)
	require.NoError(t, err)
	got := decodeFixture(t, st.Decoder, string(raw))
	assert.Equal(t, "Hi there!", got.text)
	assert.Equal(t, "openai", st.Provider)

	assert.Equal(t, "gpt-4", gotBody["model"])
	assert.Equal(t, true, gotBody["stream"])
	assert.Equal(t, 0.2, gotBody["temperature"])
	assert.NotContains(t, gotBody, "max_tokens")
	assert.Equal(t, map[string]any{"include_usage": true}, gotBody["stream_options"])
}

func TestOpenAIProvider_RetriesServerErrorsBeforeStreaming(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"error":{"message":"busy"}}`)
			return
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewDeepSeekProvider(srv.URL, "sk-test")
	p.t.backoffBase = time.Millisecond

	st, err := p.StreamChat(context.Background(), ChatRequest{Model: "deepseek-chat"})
	require.NoError(t, err)
	_ = st.Close()
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestOpenAIProvider_ClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"invalid api key"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "sk-bad")
	_, err := p.StreamChat(context.Background(), ChatRequest{Model: "gpt-4"})

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusUnauthorized, ue.StatusCode)
	assert.Equal(t, "invalid api key", ue.Message)
	assert.False(t, ue.Retryable())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestOpenAIProvider_RequiresKey(t *testing.T) {
	_, err := NewOpenAIProvider("", "").StreamChat(context.Background(), ChatRequest{Model: "gpt-4"})
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestOpenAIProvider_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"model":"gpt-4-0613","choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{"total_tokens":5}}`)
	}))
	defer srv.Close()

	resp, err := NewOpenAIProvider(srv.URL, "k").Chat(context.Background(), ChatRequest{Model: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, "gpt-4-0613", resp.Model)
	assert.Equal(t, FinishStop, resp.FinishReason)
	require.NotNil(t, resp.TokensUsed)
	assert.Equal(t, 5, *resp.TokensUsed)
}

func TestOpenRouterProvider_AttributionHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://example.com", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "polychat", r.Header.Get("X-Title"))
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	st, err := NewOpenRouterProvider(srv.URL, "k", "https://example.com", "polychat").
		StreamChat(context.Background(), ChatRequest{Model: "openrouter/auto"})
	require.NoError(t, err)
	_ = st.Close()
}

func TestAnthropicProvider_BuildRequest(t *testing.T) {
	p := NewAnthropicProvider("", "k")

	req := p.buildRequest(ChatRequest{
		Model: "claude-3-haiku-20240307",
		Messages: []Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "Hi"},
			{Role: RoleAssistant, Content: "Hello"},
			{Role: RoleUser, Content: "again"},
		},
	}, true)

	assert.Equal(t, "be brief", req.System)
	assert.Equal(t, anthropicDefaultMaxTokens, req.MaxTokens)
	assert.True(t, req.Stream)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, RoleUser, req.Messages[0].Role)
	assert.Equal(t, RoleAssistant, req.Messages[1].Role)
}

func TestAnthropicProvider_StreamChatHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		_, _ = io.WriteString(w, anthropicFixture)
	}))
	defer srv.Close()

	st, err := NewAnthropicProvider(srv.URL, "k").StreamChat(context.Background(), ChatRequest{
		Model:    "claude-3-haiku-20240307",
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	require.NoError(t, err)
	defer st.Close()

	raw, err := io.ReadAll(st.Body)
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", decodeFixture(t, st.Decoder, string(raw)).text)
}

func TestGoogleProvider_BuildRequestAndURL(t *testing.T) {
	var gotBody geminiReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-pro:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		assert.Equal(t, "gk", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = io.WriteString(w, googleFixture)
	}))
	defer srv.Close()

	maxTokens := 64
	st, err := NewGoogleProvider(srv.URL, "gk").StreamChat(context.Background(), ChatRequest{
		Model: "gemini-pro",
		Messages: []Message{
			{Role: RoleSystem, Content: "sys"},
			{Role: RoleUser, Content: "Hi"},
			{Role: RoleAssistant, Content: "Hello"},
		},
		MaxTokens: &maxTokens,
	})
	require.NoError(t, err)
	_ = st.Close()

	require.Len(t, gotBody.Contents, 2)
	assert.Equal(t, "user", gotBody.Contents[0].Role)
	assert.Equal(t, "model", gotBody.Contents[1].Role)
	require.NotNil(t, gotBody.SystemInstruction)
	assert.Equal(t, "sys", gotBody.SystemInstruction.Parts[0].Text)
	require.NotNil(t, gotBody.GenerationConfig)
	assert.Equal(t, 64, *gotBody.GenerationConfig.MaxOutputTokens)
}

func TestOllamaProvider_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_, _ = io.WriteString(w, `{"models":[{"name":"llama3:latest"},{"name":"qwen2:7b"}]}`)
	}))
	defer srv.Close()

	models, err := NewOllamaProvider(srv.URL, "").ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "ollama", models[0].Provider)
	assert.Equal(t, "qwen2:7b", models[1].ID)
}

func TestOllamaProvider_StreamChatUsesDefaultModel(t *testing.T) {
	var gotBody ollamaChatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = io.WriteString(w, ollamaFixture)
	}))
	defer srv.Close()

	st, err := NewOllamaProvider(srv.URL, "llama3:latest").StreamChat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	require.NoError(t, err)
	_ = st.Close()

	assert.Equal(t, "llama3:latest", gotBody.Model)
	assert.True(t, gotBody.Stream)
	assert.Equal(t, "llama3:latest", st.Model)
}
