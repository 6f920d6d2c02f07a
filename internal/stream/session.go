package stream

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/suPer8Hu/polychat/internal/ai"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

var (
	ErrStreamNotFound = errors.New("stream not found")
	ErrIdleTimeout    = errors.New("stream idle timeout")
	ErrMaxDuration    = errors.New("stream exceeded max duration")
)

type EventKind int

const (
	EventDelta EventKind = iota
	// EventCatchUp carries everything accumulated before the subscription.
	EventCatchUp
	EventEnd
	EventError
)

type Event struct {
	Kind    EventKind
	Content string
	Outcome *Outcome
}

func (e Event) Terminal() bool { return e.Kind == EventEnd || e.Kind == EventError }

// Outcome is what a finished stream produced.
type Outcome struct {
	MessageID    string          `json:"message_id,omitempty"`
	FinishReason ai.FinishReason `json:"finish_reason,omitempty"`
	TokensUsed   *int            `json:"tokens_used,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Snapshot is a point-in-time copy of a session, safe to serialize.
type Snapshot struct {
	ID            string    `json:"id"`
	ChatID        string    `json:"chat_id"`
	UserID        uint64    `json:"user_id"`
	UserMessageID string    `json:"user_message_id"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	Content       string    `json:"content"`
	ChunkCount    int       `json:"chunk_count"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	LastChunkAt   time.Time `json:"last_chunk_at"`
	Outcome       Outcome   `json:"outcome"`
}

type OpenParams struct {
	ChatID        string
	UserID        uint64
	UserMessageID string
	Provider      string
	Model         string
}

// Session is the live state of one assistant generation.
type Session struct {
	ID            string
	ChatID        string
	UserID        uint64
	UserMessageID string
	Provider      string
	Model         string
	CreatedAt     time.Time

	mu          sync.Mutex
	content     strings.Builder
	chunks      int
	status      Status
	lastChunkAt time.Time
	finishedAt  time.Time
	outcome     Outcome
	subs        map[*Subscription]struct{}
	abort       func(error)
	abortCause  error
	done        chan struct{}
}

func newSession(id string, p OpenParams, now time.Time) *Session {
	return &Session{
		ID:            id,
		ChatID:        p.ChatID,
		UserID:        p.UserID,
		UserMessageID: p.UserMessageID,
		Provider:      p.Provider,
		Model:         p.Model,
		CreatedAt:     now,
		status:        StatusInProgress,
		lastChunkAt:   now,
		subs:          make(map[*Subscription]struct{}),
		done:          make(chan struct{}),
	}
}

// Subscription receives the events of one session in order.
type Subscription struct {
	q *queue
	s *Session
}

// Subscribe registers a subscriber. For an in-progress session with content
// the first event is a catch-up with everything accumulated so far; the
// catch-up and registration happen under the same lock as appends, so no
// delta is lost or duplicated. A terminal session yields only its final event.
func (s *Session) Subscribe() *Subscription {
	sub := &Subscription{q: newQueue(), s: s}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		sub.q.push(s.terminalEvent())
		sub.q.close()
		return sub
	}
	if s.content.Len() > 0 {
		sub.q.push(Event{Kind: EventCatchUp, Content: s.content.String()})
	}
	s.subs[sub] = struct{}{}
	return sub
}

// Close detaches the subscriber. The session keeps running.
func (sub *Subscription) Close() {
	sub.s.mu.Lock()
	delete(sub.s.subs, sub)
	sub.s.mu.Unlock()
	sub.q.close()
}

func (s *Session) append(delta string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.content.WriteString(delta)
	s.chunks++
	s.lastChunkAt = time.Now()
	for sub := range s.subs {
		sub.q.push(Event{Kind: EventDelta, Content: delta})
	}
	return true
}

func (s *Session) terminalEvent() Event {
	out := s.outcome
	if s.status == StatusFailed {
		return Event{Kind: EventError, Outcome: &out}
	}
	return Event{Kind: EventEnd, Outcome: &out}
}

// finish moves the session to a terminal status exactly once.
func (s *Session) finish(status Status, o Outcome, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = status
	s.outcome = o
	s.finishedAt = now
	ev := s.terminalEvent()
	for sub := range s.subs {
		sub.q.push(ev)
		sub.q.close()
	}
	s.subs = nil
	s.abort = nil
	close(s.done)
	return true
}

// Abort stops the relay feeding this session with the given cause.
func (s *Session) Abort(cause error) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	f := s.abort
	if f == nil {
		s.abortCause = cause
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	f(cause)
}

func (s *Session) setAbort(f func(error)) {
	s.mu.Lock()
	s.abort = f
	pending := s.abortCause
	s.mu.Unlock()
	if pending != nil {
		f(pending)
	}
}

// Done is closed once the session is terminal.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content.String()
}

func (s *Session) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:            s.ID,
		ChatID:        s.ChatID,
		UserID:        s.UserID,
		UserMessageID: s.UserMessageID,
		Provider:      s.Provider,
		Model:         s.Model,
		Content:       s.content.String(),
		ChunkCount:    s.chunks,
		Status:        s.status,
		CreatedAt:     s.CreatedAt,
		LastChunkAt:   s.lastChunkAt,
		Outcome:       s.outcome,
	}
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChunkAt
}

func (s *Session) finishedSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedAt, s.status.Terminal()
}
