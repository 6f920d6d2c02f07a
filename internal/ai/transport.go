package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultRequestTimeout = 90 * time.Second
	defaultBackoffBase    = 400 * time.Millisecond
)

// transport is shared by the adapters: JSON POSTs, vendor error extraction and
// retry with exponential backoff for requests that have not produced a body yet.
type transport struct {
	provider    string
	client      *http.Client
	headers     map[string]string
	maxRetries  int
	backoffBase time.Duration
}

func newTransport(provider string, headers map[string]string) transport {
	return transport{
		provider: provider,
		// no client-wide timeout: streams are bounded by ctx and the relay idle timer
		client:      &http.Client{},
		headers:     headers,
		maxRetries:  2,
		backoffBase: defaultBackoffBase,
	}
}

// post sends body as JSON and returns the response for any 2xx status.
// The caller closes the body.
func (t *transport) post(ctx context.Context, url string, body any, accept string) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", t.provider, err)
	}

	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		resp, retry, err := t.postOnce(ctx, url, b, accept)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retry || attempt == t.maxRetries {
			break
		}
		backoff := t.backoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func (t *transport) postOnce(ctx context.Context, url string, body []byte, accept string) (*http.Response, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("%s: build request: %w", t.provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	for k, v := range t.headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, err
		}
		return nil, true, fmt.Errorf("%s: request failed: %w", t.provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		ue := t.errorFromBody(resp.StatusCode, resp.Body)
		return nil, ue.Retryable(), ue
	}
	return resp, false, nil
}

func (t *transport) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	for k, v := range t.headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", t.provider, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return t.errorFromBody(resp.StatusCode, resp.Body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// postJSON is the non-streaming round trip used by Chat.
func (t *transport) postJSON(ctx context.Context, url string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	resp, err := t.post(ctx, url, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", t.provider, err)
	}
	return nil
}

func (t *transport) errorFromBody(status int, body io.Reader) *UpstreamError {
	raw, _ := io.ReadAll(io.LimitReader(body, 4*1024))
	msg := vendorErrorMessage(raw)
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &UpstreamError{Provider: t.provider, StatusCode: status, Message: msg}
}

// vendorErrorMessage understands {"error":{"message":..}}, {"error":".."} and
// plain text bodies.
func vendorErrorMessage(raw []byte) string {
	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Error) > 0 {
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(env.Error, &obj); err == nil && obj.Message != "" {
			return obj.Message
		}
		var s string
		if err := json.Unmarshal(env.Error, &s); err == nil {
			return s
		}
	}
	return strings.TrimSpace(string(raw))
}

func newStream(provider, model string, resp *http.Response, dec Decoder) *Stream {
	return &Stream{Provider: provider, Model: model, Body: resp.Body, Decoder: dec}
}

func malformed(provider string, err error) error {
	return fmt.Errorf("%s: %w: %v", provider, ErrMalformedChunk, err)
}

func requireKey(provider, key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%s: %w", provider, ErrMissingCredential)
	}
	return nil
}

func requireModel(provider, model string) error {
	if strings.TrimSpace(model) == "" {
		return errors.New(provider + ": model is required")
	}
	return nil
}

// SetMaxRetries bounds how many times opening a request is retried.
func (p *OpenAIProvider) SetMaxRetries(n int)    { p.t.maxRetries = n }
func (p *AnthropicProvider) SetMaxRetries(n int) { p.t.maxRetries = n }
func (p *GoogleProvider) SetMaxRetries(n int)    { p.t.maxRetries = n }
func (p *OllamaProvider) SetMaxRetries(n int)    { p.t.maxRetries = n }
