package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/cache"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/metrics"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// consumeScript reads the period counter, decides against the effective
// limit, and increments in the same round trip so two writers cannot both
// pass on the same remaining headroom. limit < 0 means unconditional allow;
// reserve = 0 is a dry run used when collecting additional violations.
const consumeScript = `
local current = tonumber(redis.call("GET", KEYS[1])) or 0
local qty = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local reserve = tonumber(ARGV[4])

if limit >= 0 and current + qty > limit then
  return {0, tostring(current)}
end
if reserve == 1 then
  redis.call("INCRBYFLOAT", KEYS[1], qty)
  redis.call("EXPIRE", KEYS[1], ttl)
end
return {1, tostring(current)}
`

// UsageReader computes persisted usage for the store fallback path.
type UsageReader interface {
	SumSince(ctx context.Context, tenantID snowflake.ID, eventType string, since time.Time) (decimal.Decimal, error)
}

// Check is one pre-summed (tenant, event type) quantity to admit.
type Check struct {
	TenantID  snowflake.ID
	EventType string
	Quantity  decimal.Decimal
}

type Result struct {
	TenantID       snowflake.ID
	EventType      string
	Allowed        bool
	Warning        bool
	Mode           EnforcementMode
	Current        decimal.Decimal
	Limit          decimal.Decimal
	SoftLimit      *decimal.Decimal
	ResetAt        time.Time
	GracePeriodEnd *time.Time
}

type Engine struct {
	db         *gorm.DB
	log        *zap.Logger
	cache      *cache.Cache
	repo       Repository
	usage      UsageReader
	metrics    *metrics.Metrics
	script     *redis.Script
	counterTTL time.Duration
}

type EngineParams struct {
	fx.In

	Config  config.Config
	DB      *gorm.DB
	Log     *zap.Logger
	Cache   *cache.Cache
	Repo    Repository
	Usage   UsageReader
	Metrics *metrics.Metrics `optional:"true"`
}

func NewEngine(p EngineParams) *Engine {
	return &Engine{
		db:         p.DB,
		log:        p.Log.Named("quota.engine"),
		cache:      p.Cache,
		repo:       p.Repo,
		usage:      p.Usage,
		metrics:    p.Metrics,
		script:     redis.NewScript(consumeScript),
		counterTTL: p.Config.QuotaCounterTTL,
	}
}

// CheckBatch admits pre-summed quantities all-or-nothing. Counters move
// only while every pair keeps passing; once a pair is rejected the rest of
// the batch is evaluated dry so all violations are reported, and counters
// already advanced for this batch are rolled back.
func (e *Engine) CheckBatch(ctx context.Context, checks []Check, now time.Time) ([]Result, error) {
	if len(checks) == 0 {
		return nil, nil
	}

	limits, err := e.loadLimits(ctx, checks)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(checks))
	var reserved []Check
	rejected := false

	for _, check := range checks {
		limit, ok := limits[pairKey(check.TenantID, check.EventType)]
		if !ok {
			results = append(results, Result{
				TenantID:  check.TenantID,
				EventType: check.EventType,
				Allowed:   true,
				Mode:      ModeDisabled,
			})
			continue
		}

		res, usedCache, err := e.checkOne(ctx, limit, check, now, !rejected)
		if err != nil {
			e.release(reserved, limits)
			return nil, err
		}
		results = append(results, res)

		if res.Allowed && !rejected && usedCache {
			reserved = append(reserved, check)
		}
		if !res.Allowed {
			rejected = true
			if e.metrics != nil {
				e.metrics.QuotaDenied.WithLabelValues(check.EventType, string(res.Mode)).Inc()
			}
		}
		if res.Warning && e.metrics != nil {
			e.metrics.QuotaWarnings.WithLabelValues(check.EventType).Inc()
		}
	}

	if rejected {
		e.release(reserved, limits)
	}
	return results, nil
}

func (e *Engine) loadLimits(ctx context.Context, checks []Check) (map[string]*QuotaLimit, error) {
	tenantIDs := make([]snowflake.ID, 0, len(checks))
	eventTypes := make([]string, 0, len(checks))
	for _, c := range checks {
		tenantIDs = append(tenantIDs, c.TenantID)
		eventTypes = append(eventTypes, c.EventType)
	}

	rows, err := e.repo.FindForPairs(ctx, e.db, tenantIDs, eventTypes)
	if err != nil {
		return nil, err
	}

	limits := make(map[string]*QuotaLimit, len(rows))
	for i := range rows {
		limits[pairKey(rows[i].TenantID, rows[i].EventType)] = &rows[i]
	}
	return limits, nil
}

// checkOne runs one pair through the decision matrix. It reports whether
// the fast-path counter was advanced so the caller can compensate.
func (e *Engine) checkOne(ctx context.Context, limit *QuotaLimit, check Check, now time.Time, reserve bool) (Result, bool, error) {
	res := Result{
		TenantID:       check.TenantID,
		EventType:      check.EventType,
		Mode:           limit.EnforcementMode,
		Limit:          limit.LimitValue,
		SoftLimit:      limit.SoftLimitValue,
		ResetAt:        limit.ResetAt,
		GracePeriodEnd: limit.GracePeriodEnd,
	}

	effective := effectiveLimit(limit, now)

	allowed, current, err := e.consume(ctx, limit, check.Quantity, effective, reserve)
	usedCache := err == nil
	if err != nil {
		// Store fallback: persisted events are the counter. No increment
		// here; the rows written after admission are the record.
		current, err = e.usage.SumSince(ctx, check.TenantID, check.EventType, limit.ResetAt)
		if err != nil {
			return res, false, err
		}
		allowed = effective.IsNegative() || current.Add(check.Quantity).Cmp(effective) <= 0
	}

	res.Allowed = allowed
	res.Current = current
	if limit.EnforcementMode != ModeDisabled &&
		limit.SoftLimitValue != nil &&
		current.Add(check.Quantity).Cmp(*limit.SoftLimitValue) > 0 {
		res.Warning = true
	}
	return res, usedCache && reserve && allowed, nil
}

// consume is the fast-path read+decide+increment. A cache.ErrUnavailable
// return routes the caller onto the store fallback.
func (e *Engine) consume(ctx context.Context, limit *QuotaLimit, qty, effective decimal.Decimal, reserve bool) (bool, decimal.Decimal, error) {
	var allowed bool
	current := decimal.Zero

	reserveFlag := 0
	if reserve {
		reserveFlag = 1
	}

	err := e.cache.Try(ctx, "quota.consume", func(ctx context.Context, client redis.UniversalClient) error {
		vals, err := e.script.Run(ctx, client,
			[]string{counterKey(limit)},
			qty.String(),
			effective.String(),
			int(e.counterTTL.Seconds()),
			reserveFlag,
		).Slice()
		if err != nil {
			return err
		}
		if len(vals) != 2 {
			return fmt.Errorf("quota script returned %d values", len(vals))
		}
		n, _ := vals[0].(int64)
		allowed = n == 1
		if s, ok := vals[1].(string); ok {
			if parsed, perr := decimal.NewFromString(s); perr == nil {
				current = parsed
			}
		}
		return nil
	})
	return allowed, current, err
}

// release rolls back counters advanced for a batch that was then rejected.
func (e *Engine) release(reserved []Check, limits map[string]*QuotaLimit) {
	for _, check := range reserved {
		limit := limits[pairKey(check.TenantID, check.EventType)]
		if limit == nil {
			continue
		}
		qty := check.Quantity
		e.cache.TryAsync("quota.release", func(ctx context.Context, client redis.UniversalClient) error {
			return client.IncrByFloat(ctx, counterKey(limit), -qty.InexactFloat64()).Err()
		})
	}
}

// effectiveLimit collapses the decision matrix into one number: negative
// means unconditional allow.
func effectiveLimit(limit *QuotaLimit, now time.Time) decimal.Decimal {
	unlimited := decimal.NewFromInt(-1)

	if limit.EnforcementMode == ModeDisabled {
		return unlimited
	}
	if limit.GracePeriodEnd != nil && now.Before(*limit.GracePeriodEnd) {
		return unlimited
	}
	if limit.EnforcementMode == ModeSoft && limit.OverageAllowed != nil {
		return limit.LimitValue.Add(*limit.OverageAllowed)
	}
	return limit.LimitValue
}

func counterKey(limit *QuotaLimit) string {
	return fmt.Sprintf("quota:%s:%s:%s", limit.TenantID, limit.EventType, limit.Period())
}

func pairKey(tenantID snowflake.ID, eventType string) string {
	return fmt.Sprintf("%s:%s", tenantID, eventType)
}
