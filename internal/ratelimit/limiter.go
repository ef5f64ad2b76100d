package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Result is the admission decision for one request.
type Result struct {
	Allowed bool
	// Unbounded marks the no-policy and fail-open cases; Limit and Remaining
	// are meaningless when set.
	Unbounded   bool
	Limit       int64
	Remaining   int64
	ResetAt     time.Time
	RetryAfter  time.Duration
	Granularity Granularity
}

type Limiter struct {
	store   BucketStore
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

type LimiterParams struct {
	fx.In

	Store   BucketStore
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

func NewLimiter(p LimiterParams) *Limiter {
	return &Limiter{
		store:   p.Store,
		clock:   p.Clock,
		log:     p.Log.Named("ratelimit"),
		metrics: p.Metrics,
	}
}

// Admit checks every configured window without consuming capacity, and only
// increments the buckets once all of them pass. A rejected request therefore
// never uses up quota in a wider window.
func (l *Limiter) Admit(ctx context.Context, identifier snowflake.ID, policy *RateLimitPolicy) (*Result, error) {
	if policy == nil {
		return &Result{Allowed: true, Unbounded: true}, nil
	}

	now := l.clock.Now()
	buckets := bucketsFor(policy, now)
	if len(buckets) == 0 {
		return &Result{Allowed: true, Unbounded: true}, nil
	}

	keys := make([]string, len(buckets))
	ttls := make([]time.Duration, len(buckets))
	for i, b := range buckets {
		keys[i] = b.key(identifier)
		ttls[i] = b.ttl()
	}

	counts, err := l.store.Counts(ctx, keys)
	if err != nil {
		// Fail open. The breaker already counted the failure.
		l.log.Debug("bucket read failed, admitting", zap.Error(err))
		return &Result{Allowed: true, Unbounded: true}, nil
	}

	for i, b := range buckets {
		if counts[i] < b.limit {
			continue
		}
		resetAt := b.resetAt()
		retryAfter := time.Duration(math.Ceil(resetAt.Sub(now).Seconds())) * time.Second
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		if l.metrics != nil {
			l.metrics.RateLimitDenied.WithLabelValues(string(b.granularity)).Inc()
		}
		return &Result{
			Allowed:     false,
			Limit:       b.limit,
			Remaining:   0,
			ResetAt:     resetAt,
			RetryAfter:  retryAfter,
			Granularity: b.granularity,
		}, nil
	}

	if err := l.store.Increment(ctx, keys, ttls); err != nil {
		l.log.Debug("bucket increment failed, admitting", zap.Error(err))
		return &Result{Allowed: true, Unbounded: true}, nil
	}

	// Report the most restrictive window after the increment.
	out := &Result{Allowed: true, Remaining: math.MaxInt64}
	for i, b := range buckets {
		remaining := b.limit - counts[i] - 1
		if remaining < 0 {
			remaining = 0
		}
		if remaining < out.Remaining {
			out.Limit = b.limit
			out.Remaining = remaining
			out.ResetAt = b.resetAt()
			out.Granularity = b.granularity
		}
	}
	return out, nil
}
