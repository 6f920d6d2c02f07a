package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 1024
)

type AnthropicProvider struct {
	BaseURL string
	apiKey  string
	t       transport
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicReq struct {
	Model       string         `json:"model"`
	Messages    []anthropicMsg `json:"messages"`
	System      string         `json:"system,omitempty"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature *float64       `json:"temperature,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResp struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      *anthropicUsage `json:"usage,omitempty"`
}

// anthropicEvent is the envelope of every SSE data payload; Type selects
// which of the optional fields are set.
type anthropicEvent struct {
	Type    string         `json:"type"`
	Message *anthropicResp `json:"message,omitempty"`
	Delta   *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewAnthropicProvider(baseURL, apiKey string) *AnthropicProvider {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		t: newTransport("anthropic", map[string]string{
			"x-api-key":         apiKey,
			"anthropic-version": anthropicVersion,
		}),
	}
}

var _ Provider = (*AnthropicProvider)(nil)

func (p *AnthropicProvider) Name() string { return "anthropic" }

// buildRequest lifts system messages into the top-level system prompt;
// the messages array only accepts user and assistant turns.
func (p *AnthropicProvider) buildRequest(req ChatRequest, stream bool) anthropicReq {
	out := anthropicReq{
		Model:       strings.TrimSpace(req.Model),
		MaxTokens:   anthropicDefaultMaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		out.MaxTokens = *req.MaxTokens
	}
	var system []string
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		out.Messages = append(out.Messages, anthropicMsg{Role: m.Role, Content: m.Content})
	}
	out.System = strings.Join(system, "\n\n")
	return out
}

func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := requireKey("anthropic", p.apiKey); err != nil {
		return nil, err
	}
	if err := requireModel("anthropic", req.Model); err != nil {
		return nil, err
	}

	var decoded anthropicResp
	if err := p.t.postJSON(ctx, p.BaseURL+"/v1/messages", p.buildRequest(req, false), &decoded); err != nil {
		return nil, err
	}

	var b strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	out := &ChatResponse{
		Content:      b.String(),
		Model:        decoded.Model,
		FinishReason: normalizeFinish(decoded.StopReason),
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	if decoded.Usage != nil {
		out.TokensUsed = intPtr(decoded.Usage.InputTokens + decoded.Usage.OutputTokens)
	}
	return out, nil
}

func (p *AnthropicProvider) StreamChat(ctx context.Context, req ChatRequest) (*Stream, error) {
	if err := requireKey("anthropic", p.apiKey); err != nil {
		return nil, err
	}
	if err := requireModel("anthropic", req.Model); err != nil {
		return nil, err
	}
	resp, err := p.t.post(ctx, p.BaseURL+"/v1/messages", p.buildRequest(req, true), "text/event-stream")
	if err != nil {
		return nil, err
	}
	return newStream("anthropic", req.Model, resp, &anthropicDecoder{}), nil
}

func (p *AnthropicProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	_ = ctx
	return withProvider("anthropic", anthropicModels), nil
}

// anthropicDecoder follows message_start, content_block_delta, message_delta
// and message_stop. Token usage is split across message_start (input) and
// message_delta (output).
type anthropicDecoder struct {
	inputTokens  int
	outputTokens int
	sawUsage     bool
	finish       FinishReason
}

func (d *anthropicDecoder) Decode(line []byte) (ChatChunk, error) {
	data, ok := sseData(line)
	if !ok {
		return ChatChunk{}, ErrSkipLine
	}

	var ev anthropicEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ChatChunk{}, malformed("anthropic", err)
	}

	switch ev.Type {
	case "message_start":
		if ev.Message != nil && ev.Message.Usage != nil {
			d.inputTokens = ev.Message.Usage.InputTokens
			d.sawUsage = true
		}
		return ChatChunk{}, ErrSkipLine
	case "content_block_delta":
		if ev.Delta == nil || (ev.Delta.Type != "text_delta" && ev.Delta.Type != "text") || ev.Delta.Text == "" {
			return ChatChunk{}, ErrSkipLine
		}
		return ChatChunk{DeltaText: ev.Delta.Text}, nil
	case "message_delta":
		var chunk ChatChunk
		if ev.Usage != nil {
			d.outputTokens = ev.Usage.OutputTokens
			d.sawUsage = true
		}
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			d.finish = normalizeFinish(ev.Delta.StopReason)
			chunk.FinishReason = d.finish
		}
		if chunk.FinishReason == "" {
			return ChatChunk{}, ErrSkipLine
		}
		return chunk, nil
	case "message_stop":
		chunk := ChatChunk{Done: true, FinishReason: d.finish}
		if d.sawUsage {
			chunk.TokensUsed = intPtr(d.inputTokens + d.outputTokens)
		}
		return chunk, nil
	case "error":
		msg := "stream error"
		if ev.Error != nil {
			msg = fmt.Sprintf("%s: %s", ev.Error.Type, ev.Error.Message)
		}
		return ChatChunk{}, &UpstreamError{Provider: "anthropic", Message: msg}
	default:
		// ping, content_block_start, content_block_stop
		return ChatChunk{}, ErrSkipLine
	}
}
