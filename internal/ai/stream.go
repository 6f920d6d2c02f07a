package ai

import (
	"bytes"
	"io"
	"strings"
)

type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
	FinishTimeout       FinishReason = "timeout"
)

// ChatChunk is one canonical streaming event.
type ChatChunk struct {
	DeltaText    string
	FinishReason FinishReason
	TokensUsed   *int
	// Done marks the vendor's explicit end-of-stream event.
	Done bool
}

// Decoder turns one line of a vendor stream into a canonical chunk. It returns
// ErrSkipLine for framing-only lines, an error wrapping ErrMalformedChunk for
// fragments it cannot parse, and *UpstreamError for vendor error events.
// Decoders may keep state across lines and are used by a single stream.
type Decoder interface {
	Decode(line []byte) (ChatChunk, error)
}

// Stream is an open upstream response. Body is line-framed (SSE or NDJSON).
type Stream struct {
	Provider string
	Model    string
	Body     io.ReadCloser
	Decoder  Decoder
}

func (s *Stream) Close() error {
	if s == nil || s.Body == nil {
		return nil
	}
	return s.Body.Close()
}

// sseData extracts the payload of an SSE "data:" line. Other SSE fields and
// comments yield ok=false.
func sseData(line []byte) (payload []byte, ok bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == ':' {
		return nil, false
	}
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil, false
	}
	return bytes.TrimSpace(line[len("data:"):]), true
}

func intPtr(n int) *int { return &n }

func normalizeFinish(raw string) FinishReason {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return ""
	case "length", "max_tokens":
		return FinishLength
	case "content_filter", "safety", "recitation", "blocklist", "prohibited_content", "spii":
		return FinishContentFilter
	default:
		// stop, end_turn, stop_sequence, tool_use, tool_calls, ...
		return FinishStop
	}
}
