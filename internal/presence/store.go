package presence

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LastSeenStore persists the moment each user was last announced offline.
type LastSeenStore interface {
	SetLastSeen(ctx context.Context, userID string, at time.Time) error
	LastSeen(ctx context.Context, userIDs []string) (map[string]time.Time, error)
}

type MemoryStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: map[string]time.Time{}}
}

func (s *MemoryStore) SetLastSeen(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[userID] = at
	return nil
}

func (s *MemoryStore) LastSeen(_ context.Context, userIDs []string) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(userIDs))
	for _, id := range userIDs {
		if at, ok := s.seen[id]; ok {
			out[id] = at
		}
	}
	return out, nil
}

// DefaultLastSeenKey is the Redis hash holding userID -> unix millis.
const DefaultLastSeenKey = "presence:last_seen"

// RedisStore keeps last-seen in a single hash so every API replica agrees.
type RedisStore struct {
	rdb *redis.Client
	key string
}

func NewRedisStore(rdb *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultLastSeenKey
	}
	return &RedisStore{rdb: rdb, key: key}
}

func (s *RedisStore) SetLastSeen(ctx context.Context, userID string, at time.Time) error {
	if err := s.rdb.HSet(ctx, s.key, userID, at.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("presence: set last seen: %w", err)
	}
	return nil
}

func (s *RedisStore) LastSeen(ctx context.Context, userIDs []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	vals, err := s.rdb.HMGet(ctx, s.key, userIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: read last seen: %w", err)
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		out[userIDs[i]] = time.UnixMilli(ms).UTC()
	}
	return out, nil
}
