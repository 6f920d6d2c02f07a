package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// OpenAIProvider speaks the OpenAI chat completions wire format. DeepSeek and
// OpenRouter reuse it with a different base URL and catalog.
type OpenAIProvider struct {
	name    string
	BaseURL string
	apiKey  string
	models  []ModelInfo
	t       transport
}

type openAIMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIChatReq struct {
	Model         string               `json:"model"`
	Messages      []openAIMsg          `json:"messages"`
	Stream        bool                 `json:"stream"`
	Temperature   *float64             `json:"temperature,omitempty"`
	MaxTokens     *int                 `json:"max_tokens,omitempty"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
}

type openAIUsage struct {
	TotalTokens int `json:"total_tokens"`
}

type openAIChatResp struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMsg `json:"message"`
		FinishReason string    `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage,omitempty"`
}

type openAIStreamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewOpenAIProvider(baseURL, apiKey string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return newOpenAICompatible("openai", baseURL, apiKey, nil, openAIModels)
}

func NewDeepSeekProvider(baseURL, apiKey string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.deepseek.com/v1"
	}
	return newOpenAICompatible("deepseek", baseURL, apiKey, nil, deepSeekModels)
}

func newOpenAICompatible(name, baseURL, apiKey string, extra map[string]string, models []ModelInfo) *OpenAIProvider {
	headers := map[string]string{}
	if apiKey != "" {
		headers["Authorization"] = "Bearer " + apiKey
	}
	for k, v := range extra {
		headers[k] = v
	}
	return &OpenAIProvider{
		name:    name,
		BaseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		models:  models,
		t:       newTransport(name, headers),
	}
}

var _ Provider = (*OpenAIProvider)(nil)

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) buildRequest(req ChatRequest, stream bool) openAIChatReq {
	out := openAIChatReq{
		Model:       strings.TrimSpace(req.Model),
		Stream:      stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages:    make([]openAIMsg, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, openAIMsg{Role: m.Role, Content: m.Content})
	}
	if stream {
		out.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}
	return out
}

func (p *OpenAIProvider) checkReady(model string) error {
	if err := requireKey(p.name, p.apiKey); err != nil {
		return err
	}
	return requireModel(p.name, model)
}

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := p.checkReady(req.Model); err != nil {
		return nil, err
	}

	var decoded openAIChatResp
	if err := p.t.postJSON(ctx, p.BaseURL+"/chat/completions", p.buildRequest(req, false), &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty response", p.name)
	}
	out := &ChatResponse{
		Content:      decoded.Choices[0].Message.Content,
		Model:        decoded.Model,
		FinishReason: normalizeFinish(decoded.Choices[0].FinishReason),
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	if decoded.Usage != nil {
		out.TokensUsed = intPtr(decoded.Usage.TotalTokens)
	}
	return out, nil
}

// StreamChat opens an SSE stream of chat.completion.chunk events.
func (p *OpenAIProvider) StreamChat(ctx context.Context, req ChatRequest) (*Stream, error) {
	if err := p.checkReady(req.Model); err != nil {
		return nil, err
	}
	resp, err := p.t.post(ctx, p.BaseURL+"/chat/completions", p.buildRequest(req, true), "text/event-stream")
	if err != nil {
		return nil, err
	}
	return newStream(p.name, req.Model, resp, &openAIDecoder{provider: p.name}), nil
}

func (p *OpenAIProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	_ = ctx
	return withProvider(p.name, p.models), nil
}

type openAIDecoder struct {
	provider string
	finish   FinishReason
}

func (d *openAIDecoder) Decode(line []byte) (ChatChunk, error) {
	data, ok := sseData(line)
	if !ok {
		return ChatChunk{}, ErrSkipLine
	}
	if string(data) == "[DONE]" {
		return ChatChunk{Done: true, FinishReason: d.finish}, nil
	}

	var decoded openAIStreamResp
	if err := json.Unmarshal(data, &decoded); err != nil {
		return ChatChunk{}, malformed(d.provider, err)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return ChatChunk{}, &UpstreamError{Provider: d.provider, Message: decoded.Error.Message}
	}

	var chunk ChatChunk
	if decoded.Usage != nil {
		chunk.TokensUsed = intPtr(decoded.Usage.TotalTokens)
	}
	if len(decoded.Choices) > 0 {
		c := decoded.Choices[0]
		chunk.DeltaText = c.Delta.Content
		if c.FinishReason != nil && *c.FinishReason != "" {
			d.finish = normalizeFinish(*c.FinishReason)
			chunk.FinishReason = d.finish
		}
	}
	if chunk.DeltaText == "" && chunk.FinishReason == "" && chunk.TokensUsed == nil {
		return ChatChunk{}, ErrSkipLine
	}
	return chunk, nil
}
