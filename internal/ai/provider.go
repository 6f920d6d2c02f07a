package ai

import (
	"context"
	"errors"
	"fmt"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the vendor-independent request every adapter accepts.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   *int
}

type ChatResponse struct {
	Content      string
	Model        string
	TokensUsed   *int
	FinishReason FinishReason
}

// ModelInfo describes a model's capabilities. It is used for validation only.
type ModelInfo struct {
	Provider          string `json:"provider"`
	ID                string `json:"id"`
	DisplayName       string `json:"display_name"`
	Description       string `json:"description,omitempty"`
	ContextWindow     int    `json:"context_window"`
	SupportsStreaming bool   `json:"supports_streaming"`
	SupportsImages    bool   `json:"supports_images"`
	SupportsFunctions bool   `json:"supports_functions"`
}

// Provider is implemented by every vendor adapter.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// StreamChat opens the upstream stream. A nil error means the vendor accepted
	// the request; chunks are read from the returned Stream.
	StreamChat(ctx context.Context, req ChatRequest) (*Stream, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrUnknownProvider   = errors.New("unknown ai provider")
	ErrMalformedChunk    = errors.New("malformed stream chunk")
	// ErrSkipLine is returned by a Decoder for framing lines that carry no chunk.
	ErrSkipLine = errors.New("no chunk in line")
)

// UpstreamError is a failure reported by the vendor, either as a non-2xx
// response or as an error event inside the stream.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Retryable reports whether the request may succeed if sent again.
func (e *UpstreamError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
