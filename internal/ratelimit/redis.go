package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tripchat/realtime/internal/clock"
)

// Redis counts attempts in window-aligned keys, so every process sharing
// the server sees the same window.
type Redis struct {
	client *redis.Client
	clock  clock.Clock
	prefix string
}

var _ Limiter = (*Redis)(nil)

func NewRedis(client *redis.Client, c clock.Clock) *Redis {
	return &Redis{client: client, clock: clock.OrReal(c), prefix: "ratelimit:"}
}

func (r *Redis) windowKey(key string, length time.Duration) string {
	slot := r.clock.Now().UnixMilli() / length.Milliseconds()
	return fmt.Sprintf("%s%s:%d", r.prefix, key, slot)
}

func (r *Redis) CheckLimit(ctx context.Context, key string, max int, length time.Duration) (bool, error) {
	if length < time.Millisecond {
		length = time.Millisecond
	}
	k := r.windowKey(key, length)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.PExpire(ctx, k, length)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit: redis: %w", err)
	}
	return incr.Val() <= int64(max), nil
}
