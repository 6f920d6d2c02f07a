package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/polychat/internal/common"
	"github.com/suPer8Hu/polychat/internal/metrics"
)

// SnapshotCache mirrors terminal sessions so they can be resumed after
// eviction or from another process.
type SnapshotCache interface {
	SaveStream(ctx context.Context, snap Snapshot, ttl time.Duration) error
	// LoadStream returns found=false when no snapshot exists.
	LoadStream(ctx context.Context, id string) (snap Snapshot, found bool, err error)
}

type TrackerConfig struct {
	IdleTimeout time.Duration
	Retention   time.Duration
	Cache       SnapshotCache
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

// Tracker is the in-process registry of stream sessions.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	idleTimeout time.Duration
	retention   time.Duration
	cache       SnapshotCache
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewTracker(cfg TrackerConfig) *Tracker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	return &Tracker{
		sessions:    make(map[string]*Session),
		idleTimeout: cfg.IdleTimeout,
		retention:   cfg.Retention,
		cache:       cfg.Cache,
		logger:      cfg.Logger,
		metrics:     m,
		now:         time.Now,
	}
}

func (t *Tracker) Open(p OpenParams) (*Session, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, fmt.Errorf("stream id: %w", err)
	}
	s := newSession(id, p, t.now())

	t.mu.Lock()
	t.sessions[id] = s
	t.mu.Unlock()

	t.metrics.StreamsStarted.Inc()
	t.metrics.ActiveStreams.Inc()
	t.logger.Debug().Str("stream_id", id).Str("chat_id", p.ChatID).Msg("stream opened")
	return s, nil
}

func (t *Tracker) Get(id string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

// ResumeResult holds a live subscription when the stream is still running.
// Sub is nil when Snapshot is terminal.
type ResumeResult struct {
	Snapshot Snapshot
	Sub      *Subscription
}

// Resume attaches to a stream owned by userID. Streams of other users are
// reported as not found.
func (t *Tracker) Resume(ctx context.Context, userID uint64, id string) (ResumeResult, error) {
	if s, ok := t.Get(id); ok && s.UserID == userID {
		sub := s.Subscribe()
		snap := s.Snapshot()
		if snap.Status.Terminal() {
			sub.Close()
			return ResumeResult{Snapshot: snap}, nil
		}
		return ResumeResult{Snapshot: snap, Sub: sub}, nil
	}

	if t.cache != nil {
		snap, found, err := t.cache.LoadStream(ctx, id)
		if err != nil {
			return ResumeResult{}, fmt.Errorf("load stream snapshot: %w", err)
		}
		if found && snap.UserID == userID && snap.Status.Terminal() {
			return ResumeResult{Snapshot: snap}, nil
		}
	}
	return ResumeResult{}, ErrStreamNotFound
}

func (t *Tracker) Complete(s *Session, o Outcome) {
	t.finish(s, StatusCompleted, o)
}

func (t *Tracker) Fail(s *Session, o Outcome) {
	t.finish(s, StatusFailed, o)
}

func (t *Tracker) finish(s *Session, status Status, o Outcome) {
	if !s.finish(status, o, t.now()) {
		return
	}
	t.metrics.ActiveStreams.Dec()
	t.metrics.StreamsFinished.WithLabelValues(string(o.FinishReason)).Inc()
	t.logger.Info().
		Str("stream_id", s.ID).
		Str("status", string(status)).
		Str("finish_reason", string(o.FinishReason)).
		Str("message_id", o.MessageID).
		Msg("stream finished")

	if t.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := t.cache.SaveStream(ctx, s.Snapshot(), t.retention); err != nil {
		t.logger.Warn().Err(err).Str("stream_id", s.ID).Msg("save stream snapshot")
	}
}

// Sweep aborts in-progress sessions idle longer than the idle timeout and
// evicts terminal sessions older than the retention window.
func (t *Tracker) Sweep() (aborted, evicted int) {
	now := t.now()
	t.mu.Lock()
	var stale []*Session
	for id, s := range t.sessions {
		if at, done := s.finishedSince(); done {
			if now.Sub(at) > t.retention {
				delete(t.sessions, id)
				evicted++
			}
			continue
		}
		if t.idleTimeout > 0 && now.Sub(s.idleSince()) > t.idleTimeout {
			stale = append(stale, s)
		}
	}
	t.mu.Unlock()

	for _, s := range stale {
		t.logger.Warn().Str("stream_id", s.ID).Msg("aborting idle stream")
		s.Abort(ErrIdleTimeout)
	}
	return len(stale), evicted
}

// Run sweeps every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// Active counts in-progress sessions.
func (t *Tracker) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, s := range t.sessions {
		if !s.Status().Terminal() {
			n++
		}
	}
	return n
}
