package ratelimit

import (
	"context"
	"time"

	"github.com/meterline/meterline/internal/cache"
	redis "github.com/redis/go-redis/v9"
)

// RedisStore keeps bucket counters in the fast-path cache. Every call goes
// through the breaker; callers treat cache.ErrUnavailable as fail-open.
type RedisStore struct {
	cache *cache.Cache
}

func NewRedisStore(c *cache.Cache) *RedisStore {
	return &RedisStore{cache: c}
}

func (s *RedisStore) Counts(ctx context.Context, keys []string) ([]int64, error) {
	counts := make([]int64, len(keys))
	err := s.cache.Try(ctx, "ratelimit.counts", func(ctx context.Context, client redis.UniversalClient) error {
		vals, err := client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for i, v := range vals {
			counts[i] = parseCount(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *RedisStore) Increment(ctx context.Context, keys []string, ttls []time.Duration) error {
	return s.cache.Try(ctx, "ratelimit.increment", func(ctx context.Context, client redis.UniversalClient) error {
		pipe := client.Pipeline()
		for i, key := range keys {
			pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, ttls[i])
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

func parseCount(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
