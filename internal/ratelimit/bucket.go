package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Granularity string

const (
	Second Granularity = "second"
	Minute Granularity = "minute"
	Hour   Granularity = "hour"
)

func (g Granularity) Window() time.Duration {
	switch g {
	case Second:
		return time.Second
	case Minute:
		return time.Minute
	default:
		return time.Hour
	}
}

// bucket is one (identifier, granularity, window) counter to check.
type bucket struct {
	granularity Granularity
	limit       int64
	windowStart time.Time
}

func (b bucket) key(identifier snowflake.ID) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", identifier, b.granularity, b.windowStart.Unix())
}

func (b bucket) resetAt() time.Time {
	return b.windowStart.Add(b.granularity.Window())
}

// ttl keeps the bucket around for the window after it closes so a late
// reader still sees it.
func (b bucket) ttl() time.Duration {
	return 2 * b.granularity.Window()
}

// BucketStore reads and advances sliding-window counters. Counts never
// increments; Increment is only issued after every limit has passed.
type BucketStore interface {
	Counts(ctx context.Context, keys []string) ([]int64, error)
	Increment(ctx context.Context, keys []string, ttls []time.Duration) error
}

func bucketsFor(policy *RateLimitPolicy, now time.Time) []bucket {
	var out []bucket
	if policy.RequestsPerSecond != nil {
		out = append(out, bucket{Second, *policy.RequestsPerSecond, now.Truncate(time.Second)})
	}
	if policy.RequestsPerMinute != nil {
		out = append(out, bucket{Minute, *policy.RequestsPerMinute, now.Truncate(time.Minute)})
	}
	if policy.RequestsPerHour != nil {
		out = append(out, bucket{Hour, *policy.RequestsPerHour, now.Truncate(time.Hour)})
	}
	return out
}
