// Package cache wraps the fast-path Redis client. The cache is never the
// source of truth: every caller pairs a fast-path attempt with a store
// fallback, and a process-wide circuit breaker short-circuits the fast path
// after repeated failures.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/metrics"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const opTimeout = 100 * time.Millisecond

// ErrUnavailable is returned when the fast path cannot be used: no client is
// configured, the breaker is open, or the operation itself failed.
var ErrUnavailable = errors.New("fast-path cache unavailable")

type Cache struct {
	client  redis.UniversalClient
	breaker *Breaker
	log     *zap.Logger
	metrics *metrics.Metrics
}

// New builds the fast-path cache from CACHE_URL. An empty URL disables the
// fast path entirely; every consumer then runs its store fallback.
func New(cfg config.Config, log *zap.Logger, m *metrics.Metrics) (*Cache, error) {
	c := &Cache{
		log:     log.Named("cache"),
		metrics: m,
	}
	c.breaker = NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, func(state BreakerState) {
		c.log.Warn("cache breaker state changed", zap.String("state", string(state)))
		if m != nil {
			if state == StateOpen {
				m.BreakerState.Set(1)
			} else {
				m.BreakerState.Set(0)
			}
		}
	})

	if cfg.CacheURL == "" {
		c.log.Info("fast-path cache disabled, all lookups use the store")
		return c, nil
	}

	opts, err := redis.ParseURL(cfg.CacheURL)
	if err != nil {
		return nil, err
	}
	opts.DialTimeout = opTimeout
	opts.ReadTimeout = opTimeout
	opts.WriteTimeout = opTimeout
	c.client = redis.NewClient(opts)
	return c, nil
}

// NewDisabled builds a cache with no client; every Try returns
// ErrUnavailable. Used by tests and cache-less deployments.
func NewDisabled() *Cache {
	return &Cache{
		breaker: NewBreaker(0, 0, nil),
		log:     zap.NewNop(),
	}
}

// Enabled reports whether a cache client is configured at all.
func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil
}

// Try runs fn against the cache client inside the breaker. It returns
// ErrUnavailable when the fast path cannot serve; the caller must then run
// its store fallback. Business errors never come out of Try: fn only talks
// to Redis.
func (c *Cache) Try(ctx context.Context, op string, fn func(ctx context.Context, client redis.UniversalClient) error) error {
	if !c.Enabled() {
		return ErrUnavailable
	}
	if !c.breaker.Allow() {
		c.countFallback(op)
		return ErrUnavailable
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := fn(opCtx, c.client); err != nil {
		c.breaker.Failure()
		c.countFallback(op)
		c.log.Debug("cache operation failed", zap.String("op", op), zap.Error(err))
		return ErrUnavailable
	}
	c.breaker.Success()
	return nil
}

// TryAsync runs a best-effort cache write in the background. Failures only
// feed the breaker.
func (c *Cache) TryAsync(op string, fn func(ctx context.Context, client redis.UniversalClient) error) {
	if !c.Enabled() || !c.breaker.Allow() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := fn(ctx, c.client); err != nil {
			c.breaker.Failure()
			return
		}
		c.breaker.Success()
	}()
}

// BreakerState exposes the current breaker state for health reporting.
func (c *Cache) BreakerState() BreakerState {
	return c.breaker.State()
}

func (c *Cache) countFallback(op string) {
	if c.metrics != nil {
		c.metrics.CacheFallbacks.WithLabelValues(op).Inc()
	}
}
