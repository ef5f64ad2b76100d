package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/cache"
	redis "github.com/redis/go-redis/v9"
)

// rollingCounters keeps hourly and daily totals per (org, tenant, event
// type) in the cache for dashboards. Updates are fire and forget; a lost
// increment is invisible next to the store aggregates.
type rollingCounters struct {
	cache *cache.Cache
}

type counterUpdate struct {
	OrgID     snowflake.ID
	TenantID  snowflake.ID
	EventType string
	Quantity  float64
}

func (c *rollingCounters) record(updates []counterUpdate, now time.Time) {
	if len(updates) == 0 {
		return
	}
	hour := now.UTC().Format("2006010215")
	day := now.UTC().Format("20060102")

	c.cache.TryAsync("counters.record", func(ctx context.Context, client redis.UniversalClient) error {
		pipe := client.Pipeline()
		for _, u := range updates {
			hourKey := fmt.Sprintf("rolling:%s:%s:%s:hour:%s", u.OrgID, u.TenantID, u.EventType, hour)
			dayKey := fmt.Sprintf("rolling:%s:%s:%s:day:%s", u.OrgID, u.TenantID, u.EventType, day)
			pipe.IncrByFloat(ctx, hourKey, u.Quantity)
			pipe.Expire(ctx, hourKey, 2*time.Hour)
			pipe.IncrByFloat(ctx, dayKey, u.Quantity)
			pipe.Expire(ctx, dayKey, 48*time.Hour)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}
