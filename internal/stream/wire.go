package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/suPer8Hu/polychat/internal/ai"
)

const doneSentinel = "[DONE]"

// StartPayload is the data of the leading "stream" event.
type StartPayload struct {
	StreamID      string `json:"stream_id"`
	ChatID        string `json:"chat_id"`
	UserMessageID string `json:"user_message_id,omitempty"`
}

type deltaPayload struct {
	Content string `json:"content"`
	Replay  bool   `json:"replay,omitempty"`
}

type EndPayload struct {
	MessageID    string          `json:"message_id"`
	FinishReason ai.FinishReason `json:"finish_reason"`
	TokensUsed   *int            `json:"tokens_used,omitempty"`
}

type ErrorPayload struct {
	Error        string          `json:"error"`
	FinishReason ai.FinishReason `json:"finish_reason,omitempty"`
	MessageID    string          `json:"message_id,omitempty"`
}

// Writer encodes events as server-sent events and flushes after each one.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

func NewWriter(w io.Writer) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: f}
}

func (w *Writer) write(event string, data any) error {
	var buf bytes.Buffer
	if event != "" {
		fmt.Fprintf(&buf, "event: %s\n", event)
	}
	switch v := data.(type) {
	case string:
		fmt.Fprintf(&buf, "data: %s\n\n", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Fprintf(&buf, "data: %s\n\n", b)
	}
	return w.flush(buf.Bytes())
}

func (w *Writer) flush(b []byte) error {
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

func (w *Writer) Start(p StartPayload) error {
	return w.write("stream", p)
}

func (w *Writer) Delta(content string, replay bool) error {
	return w.write("", deltaPayload{Content: content, Replay: replay})
}

func (w *Writer) End(o Outcome) error {
	if err := w.write("end", EndPayload{
		MessageID:    o.MessageID,
		FinishReason: o.FinishReason,
		TokensUsed:   o.TokensUsed,
	}); err != nil {
		return err
	}
	return w.write("", doneSentinel)
}

func (w *Writer) Error(o Outcome) error {
	msg := o.Error
	if msg == "" {
		msg = "stream failed"
	}
	return w.write("error", ErrorPayload{Error: msg, FinishReason: o.FinishReason, MessageID: o.MessageID})
}

func (w *Writer) Ping() error {
	return w.flush([]byte(": ping\n\n"))
}

func (w *Writer) Event(ev Event) error {
	switch ev.Kind {
	case EventDelta:
		return w.Delta(ev.Content, false)
	case EventCatchUp:
		return w.Delta(ev.Content, true)
	case EventEnd:
		return w.End(*ev.Outcome)
	case EventError:
		return w.Error(*ev.Outcome)
	}
	return nil
}

// Transcript is what a client reconstructs from an event stream.
type Transcript struct {
	Start    *StartPayload
	Content  string
	Deltas   int
	Replayed bool
	Done     bool
	End      *EndPayload
	Err      *ErrorPayload
	Pings    int
}

// Decode reads an event stream produced by Writer. Data lines that cannot be
// parsed are dropped.
func Decode(r io.Reader) (Transcript, error) {
	var (
		tr    Transcript
		event string
		b     strings.Builder
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, scanBufInitial), scanBufMax)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, ":"):
			tr.Pings++
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			decodeData(&tr, &b, event, data)
		}
	}
	tr.Content = b.String()
	return tr, sc.Err()
}

func decodeData(tr *Transcript, b *strings.Builder, event, data string) {
	switch event {
	case "stream":
		var p StartPayload
		if json.Unmarshal([]byte(data), &p) == nil {
			tr.Start = &p
		}
	case "end":
		var p EndPayload
		if json.Unmarshal([]byte(data), &p) == nil {
			tr.End = &p
		}
	case "error":
		var p ErrorPayload
		if json.Unmarshal([]byte(data), &p) == nil {
			tr.Err = &p
		}
	default:
		if data == doneSentinel {
			tr.Done = true
			return
		}
		var p deltaPayload
		if json.Unmarshal([]byte(data), &p) != nil {
			return
		}
		if p.Replay {
			b.Reset()
			tr.Replayed = true
		}
		b.WriteString(p.Content)
		tr.Deltas++
	}
}
