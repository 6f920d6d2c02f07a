package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/polychat/internal/ai"
	"github.com/suPer8Hu/polychat/internal/stream"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewWithClient(rdb), mr
}

func TestStreamSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	require.NoError(t, s.Ping(ctx))

	tokens := 7
	snap := stream.Snapshot{
		ID:        "01STREAM",
		ChatID:    "01CHAT",
		UserID:    3,
		Content:   "Hello",
		Status:    stream.StatusCompleted,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Outcome:   stream.Outcome{MessageID: "01MSG", FinishReason: ai.FinishStop, TokensUsed: &tokens},
	}
	require.NoError(t, s.SaveStream(ctx, snap, time.Minute))

	got, found, err := s.LoadStream(ctx, "01STREAM")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Hello", got.Content)
	assert.Equal(t, stream.StatusCompleted, got.Status)
	assert.Equal(t, "01MSG", got.Outcome.MessageID)
	assert.Equal(t, 7, *got.Outcome.TokensUsed)
	assert.True(t, snap.CreatedAt.Equal(got.CreatedAt))

	mr.FastForward(2 * time.Minute)
	_, found, err = s.LoadStream(ctx, "01STREAM")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLoadStream_Missing(t *testing.T) {
	s, _ := newTestStore(t)
	_, found, err := s.LoadStream(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStoreBacksTrackerResume(t *testing.T) {
	s, _ := newTestStore(t)
	tr := stream.NewTracker(stream.TrackerConfig{Retention: time.Minute, Cache: s})
	sess, err := tr.Open(stream.OpenParams{ChatID: "c", UserID: 1})
	require.NoError(t, err)
	tr.Complete(sess, stream.Outcome{MessageID: "m", FinishReason: ai.FinishStop})

	require.NoError(t, s.DeleteStream(context.Background(), "unrelated"))
	snap, found, err := s.LoadStream(context.Background(), sess.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "m", snap.Outcome.MessageID)
}
