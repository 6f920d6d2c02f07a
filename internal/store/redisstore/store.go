package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/polychat/internal/stream"
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func streamKey(id string) string {
	return "polychat:stream:" + id
}

// SaveStream stores a terminal stream snapshot for ttl.
func (s *Store) SaveStream(ctx context.Context, snap stream.Snapshot, ttl time.Duration) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.rdb.Set(ctx, streamKey(snap.ID), b, ttl).Err(); err != nil {
		return fmt.Errorf("save stream %s: %w", snap.ID, err)
	}
	return nil
}

func (s *Store) LoadStream(ctx context.Context, id string) (stream.Snapshot, bool, error) {
	raw, err := s.rdb.Get(ctx, streamKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return stream.Snapshot{}, false, nil
	}
	if err != nil {
		return stream.Snapshot{}, false, fmt.Errorf("load stream %s: %w", id, err)
	}
	var snap stream.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return stream.Snapshot{}, false, fmt.Errorf("decode stream %s: %w", id, err)
	}
	return snap, true, nil
}

func (s *Store) DeleteStream(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, streamKey(id)).Err()
}
