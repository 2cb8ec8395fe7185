package calls

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"telehealth-rtc/pkg/utils"
)

// Guard claims a room across API replicas. The Service already enforces one
// live call per room in-process; a Guard extends that to every replica.
type Guard interface {
	Acquire(ctx context.Context, roomID string) (bool, error)
	Release(ctx context.Context, roomID string) error
}

// RedisGuard holds a single-slot counter per room. The TTL frees rooms held
// by a replica that died mid-call.
type RedisGuard struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisGuard(rdb *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	return &RedisGuard{rdb: rdb, prefix: "calls:room:", ttl: ttl}
}

func (g *RedisGuard) Acquire(ctx context.Context, roomID string) (bool, error) {
	return utils.AcquireSlot(ctx, g.rdb, g.prefix+roomID, 1, g.ttl)
}

func (g *RedisGuard) Release(ctx context.Context, roomID string) error {
	return utils.ReleaseSlot(ctx, g.rdb, g.prefix+roomID)
}
