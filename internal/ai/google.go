package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

type GoogleProvider struct {
	BaseURL string
	apiKey  string
	t       transport
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiReq struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResp struct {
	Candidates []struct {
		Content      *geminiContent `json:"content,omitempty"`
		FinishReason string         `json:"finishReason,omitempty"`
	} `json:"candidates"`
	UsageMetadata *struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
	ModelVersion string `json:"modelVersion,omitempty"`
	Error        *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewGoogleProvider(baseURL, apiKey string) *GoogleProvider {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GoogleProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		t:       newTransport("google", map[string]string{"x-goog-api-key": apiKey}),
	}
}

var _ Provider = (*GoogleProvider)(nil)

func (p *GoogleProvider) Name() string { return "google" }

// buildRequest maps assistant turns to role "model" and system turns to the
// system instruction.
func (p *GoogleProvider) buildRequest(req ChatRequest) geminiReq {
	var out geminiReq
	var system []geminiPart
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, geminiPart{Text: m.Content})
		case RoleAssistant:
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: system}
	}
	if req.Temperature != nil || req.MaxTokens != nil {
		out.GenerationConfig = &geminiGenerationConfig{Temperature: req.Temperature, MaxOutputTokens: req.MaxTokens}
	}
	return out
}

func (p *GoogleProvider) modelURL(model, method string) string {
	return fmt.Sprintf("%s/models/%s:%s", p.BaseURL, url.PathEscape(strings.TrimSpace(model)), method)
}

func (p *GoogleProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := requireKey("google", p.apiKey); err != nil {
		return nil, err
	}
	if err := requireModel("google", req.Model); err != nil {
		return nil, err
	}

	var decoded geminiResp
	if err := p.t.postJSON(ctx, p.modelURL(req.Model, "generateContent"), p.buildRequest(req), &decoded); err != nil {
		return nil, err
	}
	if decoded.Error != nil {
		return nil, &UpstreamError{Provider: "google", StatusCode: decoded.Error.Code, Message: decoded.Error.Message}
	}
	if len(decoded.Candidates) == 0 {
		return nil, fmt.Errorf("google: empty response")
	}
	out := &ChatResponse{
		Content:      geminiText(decoded.Candidates[0].Content),
		Model:        req.Model,
		FinishReason: normalizeFinish(decoded.Candidates[0].FinishReason),
	}
	if decoded.UsageMetadata != nil {
		out.TokensUsed = intPtr(decoded.UsageMetadata.TotalTokenCount)
	}
	return out, nil
}

// StreamChat uses streamGenerateContent with alt=sse. Each event carries the
// next text increment; there is no terminal marker, the stream ends at EOF.
func (p *GoogleProvider) StreamChat(ctx context.Context, req ChatRequest) (*Stream, error) {
	if err := requireKey("google", p.apiKey); err != nil {
		return nil, err
	}
	if err := requireModel("google", req.Model); err != nil {
		return nil, err
	}
	resp, err := p.t.post(ctx, p.modelURL(req.Model, "streamGenerateContent")+"?alt=sse", p.buildRequest(req), "text/event-stream")
	if err != nil {
		return nil, err
	}
	return newStream("google", req.Model, resp, googleDecoder{}), nil
}

func (p *GoogleProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	_ = ctx
	return withProvider("google", googleModels), nil
}

type googleDecoder struct{}

func (googleDecoder) Decode(line []byte) (ChatChunk, error) {
	data, ok := sseData(line)
	if !ok {
		return ChatChunk{}, ErrSkipLine
	}
	var decoded geminiResp
	if err := json.Unmarshal(data, &decoded); err != nil {
		return ChatChunk{}, malformed("google", err)
	}
	if decoded.Error != nil {
		return ChatChunk{}, &UpstreamError{Provider: "google", StatusCode: decoded.Error.Code, Message: decoded.Error.Message}
	}

	var chunk ChatChunk
	if len(decoded.Candidates) > 0 {
		c := decoded.Candidates[0]
		chunk.DeltaText = geminiText(c.Content)
		chunk.FinishReason = normalizeFinish(c.FinishReason)
	}
	if decoded.UsageMetadata != nil {
		chunk.TokensUsed = intPtr(decoded.UsageMetadata.TotalTokenCount)
	}
	if chunk.DeltaText == "" && chunk.FinishReason == "" && chunk.TokensUsed == nil {
		return ChatChunk{}, ErrSkipLine
	}
	return chunk, nil
}

func geminiText(c *geminiContent) string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range c.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}
