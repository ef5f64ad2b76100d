package tenant

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/cache"
	"github.com/meterline/meterline/internal/clock"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const resolverCacheTTL = time.Hour

// Resolver maps caller-supplied external ids to tenant rows, creating
// missing tenants on first sight.
type Resolver interface {
	Resolve(ctx context.Context, orgID snowflake.ID, externalIDs []string) (map[string]snowflake.ID, error)
}

type ResolverParams struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Cache *cache.Cache
	Repo  Repository
}

type resolver struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	cache *cache.Cache
	repo  Repository
}

func NewResolver(p ResolverParams) Resolver {
	return &resolver{
		db:    p.DB,
		log:   p.Log.Named("tenant.resolver"),
		genID: p.GenID,
		clock: p.Clock,
		cache: p.Cache,
		repo:  p.Repo,
	}
}

// Resolve deduplicates the input, answers what it can from the fast-path
// cache, batch-reads the store for the rest, and upserts whatever is still
// missing. Concurrent ingesters converge on one row per (org, external id):
// the insert ignores conflicts and the re-read picks up the winner.
func (r *resolver) Resolve(ctx context.Context, orgID snowflake.ID, externalIDs []string) (map[string]snowflake.ID, error) {
	unique := dedupe(externalIDs)
	out := make(map[string]snowflake.ID, len(unique))
	if len(unique) == 0 {
		return out, nil
	}

	missing := r.fromCache(ctx, orgID, unique, out)
	if len(missing) == 0 {
		return out, nil
	}

	found, err := r.repo.FindByExternalIDs(ctx, r.db, orgID, missing)
	if err != nil {
		return nil, err
	}
	for i := range found {
		out[found[i].ExternalID] = found[i].ID
	}
	r.fillCache(orgID, found)

	missing = missingFrom(missing, out)
	if len(missing) == 0 {
		return out, nil
	}

	now := r.clock.Now()
	fresh := make([]Tenant, 0, len(missing))
	for _, externalID := range missing {
		fresh = append(fresh, Tenant{
			ID:         r.genID.Generate(),
			OrgID:      orgID,
			ExternalID: externalID,
			Name:       externalID,
			Status:     StatusActive,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.repo.InsertIgnoreConflicts(ctx, tx, fresh); err != nil {
			return err
		}
		// Re-read so a row created by a concurrent writer wins over ours.
		created, err := r.repo.FindByExternalIDs(ctx, tx, orgID, missing)
		if err != nil {
			return err
		}
		for i := range created {
			out[created[i].ExternalID] = created[i].ID
		}
		r.fillCache(orgID, created)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(out) != len(unique) {
		return nil, fmt.Errorf("tenant resolution incomplete: want %d, got %d", len(unique), len(out))
	}
	return out, nil
}

func (r *resolver) fromCache(ctx context.Context, orgID snowflake.ID, externalIDs []string, out map[string]snowflake.ID) []string {
	keys := make([]string, len(externalIDs))
	for i, externalID := range externalIDs {
		keys[i] = resolverKey(orgID, externalID)
	}

	var vals []interface{}
	err := r.cache.Try(ctx, "tenant.resolve", func(ctx context.Context, client redis.UniversalClient) error {
		var err error
		vals, err = client.MGet(ctx, keys...).Result()
		return err
	})
	if err != nil {
		return externalIDs
	}

	var missing []string
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			missing = append(missing, externalIDs[i])
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			missing = append(missing, externalIDs[i])
			continue
		}
		out[externalIDs[i]] = snowflake.ID(id)
	}
	return missing
}

func (r *resolver) fillCache(orgID snowflake.ID, tenants []Tenant) {
	if len(tenants) == 0 {
		return
	}
	entries := make(map[string]string, len(tenants))
	for i := range tenants {
		entries[resolverKey(orgID, tenants[i].ExternalID)] = strconv.FormatInt(int64(tenants[i].ID), 10)
	}
	r.cache.TryAsync("tenant.fill", func(ctx context.Context, client redis.UniversalClient) error {
		pipe := client.Pipeline()
		for key, val := range entries {
			pipe.Set(ctx, key, val, resolverCacheTTL)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

func resolverKey(orgID snowflake.ID, externalID string) string {
	return fmt.Sprintf("tenant:%s:%s", orgID, externalID)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func missingFrom(externalIDs []string, resolved map[string]snowflake.ID) []string {
	var missing []string
	for _, externalID := range externalIDs {
		if _, ok := resolved[externalID]; !ok {
			missing = append(missing, externalID)
		}
	}
	return missing
}
