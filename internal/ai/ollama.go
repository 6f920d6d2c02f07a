package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// OllamaProvider talks to a local Ollama server. It needs no credential.
type OllamaProvider struct {
	BaseURL string
	// DefaultModel is reported by ListModels when /api/tags is unreachable.
	DefaultModel string
	t            transport
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

type ollamaChatReq struct {
	Model    string         `json:"model"`
	Messages []ollamaMsg    `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

// ollamaChatResp is both the non-streaming body and one NDJSON stream line.
type ollamaChatResp struct {
	Model           string    `json:"model"`
	Message         ollamaMsg `json:"message"`
	Done            bool      `json:"done"`
	DoneReason      string    `json:"done_reason,omitempty"`
	PromptEvalCount int       `json:"prompt_eval_count,omitempty"`
	EvalCount       int       `json:"eval_count,omitempty"`
	Error           string    `json:"error,omitempty"`
}

type ollamaTagsResp struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func NewOllamaProvider(baseURL, defaultModel string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if defaultModel == "" {
		defaultModel = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		DefaultModel: defaultModel,
		t:            newTransport("ollama", nil),
	}
}

var _ Provider = (*OllamaProvider)(nil)

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) buildRequest(req ChatRequest, stream bool) ollamaChatReq {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.DefaultModel
	}
	out := ollamaChatReq{
		Model:    model,
		Stream:   stream,
		Messages: make([]ollamaMsg, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, ollamaMsg{Role: m.Role, Content: m.Content})
	}
	if req.Temperature != nil || req.MaxTokens != nil {
		out.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}
	return out
}

func (p *OllamaProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := p.buildRequest(req, false)

	var decoded ollamaChatResp
	if err := p.t.postJSON(ctx, p.BaseURL+"/api/chat", body, &decoded); err != nil {
		return nil, err
	}
	if decoded.Error != "" {
		return nil, &UpstreamError{Provider: "ollama", Message: decoded.Error}
	}
	out := &ChatResponse{
		Content:      decoded.Message.Content,
		Model:        body.Model,
		FinishReason: normalizeFinish(decoded.DoneReason),
	}
	if out.FinishReason == "" {
		out.FinishReason = FinishStop
	}
	if decoded.EvalCount > 0 {
		out.TokensUsed = intPtr(decoded.PromptEvalCount + decoded.EvalCount)
	}
	return out, nil
}

// StreamChat streams NDJSON objects, one per line, until done=true.
func (p *OllamaProvider) StreamChat(ctx context.Context, req ChatRequest) (*Stream, error) {
	body := p.buildRequest(req, true)
	resp, err := p.t.post(ctx, p.BaseURL+"/api/chat", body, "application/x-ndjson")
	if err != nil {
		return nil, err
	}
	return newStream("ollama", body.Model, resp, ollamaDecoder{}), nil
}

func (p *OllamaProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var tags ollamaTagsResp
	if err := p.t.get(ctx, p.BaseURL+"/api/tags", &tags); err != nil {
		return []ModelInfo{p.modelInfo(p.DefaultModel)}, fmt.Errorf("ollama: list models: %w", err)
	}
	out := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		out = append(out, p.modelInfo(m.Name))
	}
	return out, nil
}

func (p *OllamaProvider) modelInfo(name string) ModelInfo {
	return ModelInfo{Provider: "ollama", ID: name, DisplayName: name, ContextWindow: 8192, SupportsStreaming: true}
}

type ollamaDecoder struct{}

func (ollamaDecoder) Decode(line []byte) (ChatChunk, error) {
	if len(strings.TrimSpace(string(line))) == 0 {
		return ChatChunk{}, ErrSkipLine
	}
	var decoded ollamaChatResp
	if err := json.Unmarshal(line, &decoded); err != nil {
		return ChatChunk{}, malformed("ollama", err)
	}
	if decoded.Error != "" {
		return ChatChunk{}, &UpstreamError{Provider: "ollama", Message: decoded.Error}
	}
	chunk := ChatChunk{DeltaText: decoded.Message.Content}
	if decoded.Done {
		chunk.Done = true
		chunk.FinishReason = normalizeFinish(decoded.DoneReason)
		if chunk.FinishReason == "" {
			chunk.FinishReason = FinishStop
		}
		if decoded.EvalCount > 0 {
			chunk.TokensUsed = intPtr(decoded.PromptEvalCount + decoded.EvalCount)
		}
	}
	if chunk.DeltaText == "" && !chunk.Done {
		return ChatChunk{}, ErrSkipLine
	}
	return chunk, nil
}
