package secrets

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisSnapshotKey = "alephauto:secrets:snapshot"

// snapshot is the cached view of the upstream secret map.
type snapshot struct {
	Values    map[string]string `json:"values"`
	FetchedAt time.Time         `json:"fetched_at"`
}

// SnapshotStore optionally mirrors the in-memory snapshot so a restarted
// process can keep serving secrets while the source is down.
type SnapshotStore interface {
	Load(ctx context.Context) (*snapshot, error)
	Store(ctx context.Context, s snapshot) error
}

// RedisSnapshotStore persists the snapshot in Redis.
type RedisSnapshotStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisSnapshotStore builds a store over the given client. The snapshot
// is kept for ttl (0 means no expiry).
func NewRedisSnapshotStore(rdb *redis.Client, ttl time.Duration) *RedisSnapshotStore {
	return &RedisSnapshotStore{rdb: rdb, ttl: ttl}
}

// Load reads the persisted snapshot. A missing key yields (nil, nil).
func (s *RedisSnapshotStore) Load(ctx context.Context) (*snapshot, error) {
	raw, err := s.rdb.Get(ctx, redisSnapshotKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Store writes the snapshot. Failures are reported but callers treat the
// mirror as best-effort.
func (s *RedisSnapshotStore) Store(ctx context.Context, snap snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, redisSnapshotKey, raw, s.ttl).Err(); err != nil {
		slog.Warn("secret snapshot mirror write failed", slog.Any("error", err))
		return err
	}
	return nil
}
