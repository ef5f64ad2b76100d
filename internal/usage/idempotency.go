package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/cache"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// idempotencyFilter classifies keys against seen events: fast-path cache
// first, store for the rest, cache refilled for store-only hits. The store
// unique constraint stays the ultimate guarantor for anything the filter
// misses.
type idempotencyFilter struct {
	db    *gorm.DB
	cache *cache.Cache
	repo  Repository
	ttl   time.Duration
}

func idempotencyKey(orgID snowflake.ID, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", orgID, key)
}

// classify maps each submitted idempotency key to the id of the event that
// already recorded it. Keys absent from the result are fresh.
func (f *idempotencyFilter) classify(ctx context.Context, orgID snowflake.ID, keys []string) (map[string]snowflake.ID, error) {
	out := make(map[string]snowflake.ID, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	missing := f.fromCache(ctx, orgID, keys, out)
	if len(missing) == 0 {
		return out, nil
	}

	events, err := f.repo.FindByIdempotencyKeys(ctx, f.db, orgID, missing)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return out, nil
	}

	storeHits := make(map[string]snowflake.ID, len(events))
	for i := range events {
		if events[i].IdempotencyKey == nil {
			continue
		}
		out[*events[i].IdempotencyKey] = events[i].ID
		storeHits[*events[i].IdempotencyKey] = events[i].ID
	}
	f.fill(orgID, storeHits)
	return out, nil
}

func (f *idempotencyFilter) fromCache(ctx context.Context, orgID snowflake.ID, keys []string, out map[string]snowflake.ID) []string {
	cacheKeys := make([]string, len(keys))
	for i, key := range keys {
		cacheKeys[i] = idempotencyKey(orgID, key)
	}

	var vals []interface{}
	err := f.cache.Try(ctx, "idempotency.classify", func(ctx context.Context, client redis.UniversalClient) error {
		var err error
		vals, err = client.MGet(ctx, cacheKeys...).Result()
		return err
	})
	if err != nil {
		return keys
	}

	var missing []string
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			missing = append(missing, keys[i])
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			missing = append(missing, keys[i])
			continue
		}
		out[keys[i]] = snowflake.ID(id)
	}
	return missing
}

// fill writes key -> event id entries best-effort.
func (f *idempotencyFilter) fill(orgID snowflake.ID, entries map[string]snowflake.ID) {
	if len(entries) == 0 {
		return
	}
	ttl := f.ttl
	f.cache.TryAsync("idempotency.fill", func(ctx context.Context, client redis.UniversalClient) error {
		pipe := client.Pipeline()
		for key, id := range entries {
			pipe.Set(ctx, idempotencyKey(orgID, key), strconv.FormatInt(int64(id), 10), ttl)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}
