package stream

import (
	"bufio"
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/polychat/internal/ai"
	"github.com/suPer8Hu/polychat/internal/metrics"
)

const (
	scanBufInitial = 64 * 1024
	scanBufMax     = 2 * 1024 * 1024
)

type RelayConfig struct {
	IdleTimeout time.Duration
	MaxDuration time.Duration
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

// Relay reads an upstream stream into a session.
type Relay struct {
	idleTimeout time.Duration
	maxDuration time.Duration
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

func NewRelay(cfg RelayConfig) *Relay {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Relay{
		idleTimeout: cfg.IdleTimeout,
		maxDuration: cfg.MaxDuration,
		logger:      cfg.Logger,
		metrics:     m,
	}
}

// Result is the accumulated output of one relay run.
type Result struct {
	Content      string
	Chunks       int
	Model        string
	FinishReason ai.FinishReason
	TokensUsed   *int
	// Err is set when the stream ended on a vendor error, transport failure
	// or timeout.
	Err error
}

// Pump decodes st line by line, appending every delta to s, until the vendor
// signals completion, the body ends, an error occurs or the stream is aborted.
// It does not finish the session; the caller persists the result first.
func (r *Relay) Pump(ctx context.Context, s *Session, st *ai.Stream) Result {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if r.maxDuration > 0 {
		var cancelMax context.CancelFunc
		ctx, cancelMax = context.WithTimeoutCause(ctx, r.maxDuration, ErrMaxDuration)
		defer cancelMax()
	}
	defer st.Close()

	s.setAbort(cancel)
	// a blocked Read returns once the body is closed
	stop := context.AfterFunc(ctx, func() { _ = st.Close() })
	defer stop()

	if r.idleTimeout > 0 {
		idle := time.AfterFunc(r.idleTimeout, func() { s.Abort(ErrIdleTimeout) })
		defer idle.Stop()
		return r.scan(ctx, s, st, idle)
	}
	return r.scan(ctx, s, st, nil)
}

func (r *Relay) scan(ctx context.Context, s *Session, st *ai.Stream, idle *time.Timer) Result {
	res := Result{Model: st.Model}
	log := r.logger.With().Str("stream_id", s.ID).Str("provider", st.Provider).Logger()

	sc := bufio.NewScanner(st.Body)
	sc.Buffer(make([]byte, 0, scanBufInitial), scanBufMax)

	done := false
	for !done && sc.Scan() {
		chunk, err := st.Decoder.Decode(sc.Bytes())
		if errors.Is(err, ai.ErrSkipLine) {
			continue
		}
		if errors.Is(err, ai.ErrMalformedChunk) {
			r.metrics.MalformedChunks.WithLabelValues(st.Provider).Inc()
			log.Debug().Err(err).Msg("skipping malformed chunk")
			continue
		}
		if err != nil {
			res.Err = err
			break
		}

		// keep-alives and empty chunks do not count as activity
		if chunk.DeltaText != "" && s.append(chunk.DeltaText) {
			r.metrics.StreamChunks.Inc()
			if idle != nil {
				idle.Reset(r.idleTimeout)
			}
		}
		if chunk.FinishReason != "" {
			res.FinishReason = chunk.FinishReason
		}
		if chunk.TokensUsed != nil {
			res.TokensUsed = chunk.TokensUsed
		}
		done = chunk.Done
	}

	if !done && res.Err == nil {
		if cause := context.Cause(ctx); cause != nil {
			res.Err = cause
		} else if err := sc.Err(); err != nil {
			res.Err = err
		}
	}

	res.Content = s.Content()
	res.Chunks = s.ChunkCount()

	switch {
	case errors.Is(res.Err, ErrIdleTimeout), errors.Is(res.Err, ErrMaxDuration):
		res.FinishReason = ai.FinishTimeout
		log.Warn().Err(res.Err).Int("chunks", res.Chunks).Msg("stream timed out")
	case res.Err != nil:
		res.FinishReason = ai.FinishError
		r.metrics.UpstreamErrors.WithLabelValues(st.Provider).Inc()
		log.Warn().Err(res.Err).Int("chunks", res.Chunks).Msg("stream ended with error")
	case res.FinishReason == "":
		res.FinishReason = ai.FinishStop
	}
	return res
}

// Forward writes the events of sub to w until the terminal event, the end of
// the subscription or ctx is done. Heartbeat comments are written while idle.
// It returns the terminal event when one was written.
func Forward(ctx context.Context, sub *Subscription, w *Writer, heartbeat time.Duration) (*Event, error) {
	var tick <-chan time.Time
	if heartbeat > 0 {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		items, closed := sub.q.drain()
		for i := range items {
			ev := items[i]
			if err := w.Event(ev); err != nil {
				return nil, err
			}
			if ev.Terminal() {
				return &ev, nil
			}
		}
		if closed {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-sub.q.ready:
		case <-tick:
			if err := w.Ping(); err != nil {
				return nil, err
			}
		}
	}
}
