package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/cache"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/metrics"
	"github.com/meterline/meterline/internal/quota"
	"github.com/meterline/meterline/internal/tenant"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// QuotaError rejects a whole batch on any quota violation; nothing is
// persisted and no counter moves.
type QuotaError struct {
	Violations []quota.Result
	// TenantExternalIDs maps violation tenant ids back to the identifiers
	// the caller submitted.
	TenantExternalIDs map[snowflake.ID]string
}

func (e *QuotaError) Error() string {
	return "quota exceeded"
}

type ListParams struct {
	TenantExternalID string
	EventType        string
	StartDate        *time.Time
	EndDate          *time.Time
	Limit            int
}

type UsageParams struct {
	TenantExternalID string
	GroupBy          GroupBy
	StartDate        time.Time
	EndDate          time.Time
}

type Service interface {
	// Ingest runs the full admission pipeline for one batch. Outcomes are
	// positionally aligned with the inputs.
	Ingest(ctx context.Context, orgID snowflake.ID, inputs []EventInput) ([]EventOutcome, error)
	List(ctx context.Context, orgID snowflake.ID, params ListParams) ([]UsageEvent, error)
	Usage(ctx context.Context, orgID snowflake.ID, params UsageParams) ([]AggregateRow, error)
}

type Params struct {
	fx.In

	Config     config.Config
	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cache      *cache.Cache
	Repo       Repository
	Resolver   tenant.Resolver
	TenantRepo tenant.Repository
	Quota      *quota.Engine
	Metrics    *metrics.Metrics `optional:"true"`
}

type service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       Repository
	resolver   tenant.Resolver
	tenantRepo tenant.Repository
	quota      *quota.Engine
	metrics    *metrics.Metrics
	filter     *idempotencyFilter
	counters   *rollingCounters
	maxSkew    time.Duration
}

func New(p Params) Service {
	return &service{
		db:         p.DB,
		log:        p.Log.Named("usage.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		resolver:   p.Resolver,
		tenantRepo: p.TenantRepo,
		quota:      p.Quota,
		metrics:    p.Metrics,
		filter: &idempotencyFilter{
			db:    p.DB,
			cache: p.Cache,
			repo:  p.Repo,
			ttl:   p.Config.IdempotencyTTL,
		},
		counters: &rollingCounters{cache: p.Cache},
		maxSkew:  p.Config.MaxClockSkew,
	}
}

func (s *service) Ingest(ctx context.Context, orgID snowflake.ID, inputs []EventInput) ([]EventOutcome, error) {
	now := s.clock.Now()
	if err := s.validate(inputs, now); err != nil {
		return nil, err
	}

	externalIDs := make([]string, 0, len(inputs))
	keySet := make(map[string]struct{})
	var keys []string
	for _, in := range inputs {
		externalIDs = append(externalIDs, in.TenantExternalID)
		if in.IdempotencyKey != nil {
			if _, ok := keySet[*in.IdempotencyKey]; !ok {
				keySet[*in.IdempotencyKey] = struct{}{}
				keys = append(keys, *in.IdempotencyKey)
			}
		}
	}

	// Tenant resolution and idempotency classification hit independent
	// tables; run them concurrently.
	var (
		tenants map[string]snowflake.ID
		seen    map[string]snowflake.ID
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tenants, err = s.resolver.Resolve(gctx, orgID, externalIDs)
		return err
	})
	g.Go(func() error {
		var err error
		seen, err = s.filter.classify(gctx, orgID, keys)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Split duplicates from fresh. A key repeated inside the batch only
	// produces one candidate row; the post-insert re-read settles the rest.
	fresh := make([]UsageEvent, 0, len(inputs))
	inBatch := make(map[string]struct{})
	generated := make([]snowflake.ID, len(inputs))
	for i, in := range inputs {
		if in.IdempotencyKey != nil {
			if _, dup := seen[*in.IdempotencyKey]; dup {
				continue
			}
			if _, dup := inBatch[*in.IdempotencyKey]; dup {
				continue
			}
			inBatch[*in.IdempotencyKey] = struct{}{}
		}

		ts := now
		if in.Timestamp != nil {
			ts = in.Timestamp.UTC()
		}
		event := UsageEvent{
			ID:             s.genID.Generate(),
			OrgID:          orgID,
			TenantID:       tenants[in.TenantExternalID],
			EventType:      in.EventType,
			Quantity:       in.Quantity,
			Metadata:       in.Metadata,
			Timestamp:      ts,
			IdempotencyKey: in.IdempotencyKey,
			CreatedAt:      now,
		}
		generated[i] = event.ID
		fresh = append(fresh, event)
	}

	if err := s.checkQuota(ctx, fresh, tenants, now); err != nil {
		return nil, err
	}

	winners, err := s.persist(ctx, orgID, fresh, keys)
	if err != nil {
		return nil, err
	}
	for key, id := range seen {
		winners[key] = id
	}
	s.filter.fill(orgID, winners)

	return s.outcomes(orgID, inputs, tenants, generated, winners, now), nil
}

func (s *service) validate(inputs []EventInput, now time.Time) error {
	if len(inputs) == 0 {
		return ErrEmptyBatch
	}
	if len(inputs) > MaxBatchSize {
		return ErrBatchTooLarge
	}

	var fields []FieldError
	add := func(i int, field, reason string) {
		fields = append(fields, FieldError{Index: i, Field: field, Reason: reason})
	}

	horizon := now.Add(s.maxSkew)
	for i, in := range inputs {
		if l := len(strings.TrimSpace(in.TenantExternalID)); l == 0 || l > MaxTenantIDLen {
			add(i, "tenant_id", fmt.Sprintf("must be 1-%d characters", MaxTenantIDLen))
		}
		if l := len(strings.TrimSpace(in.EventType)); l == 0 || l > MaxEventTypeLen {
			add(i, "event_type", fmt.Sprintf("must be 1-%d characters", MaxEventTypeLen))
		}
		if in.Quantity.Sign() <= 0 {
			add(i, "quantity", "must be positive")
		}
		if in.IdempotencyKey != nil && (len(*in.IdempotencyKey) == 0 || len(*in.IdempotencyKey) > MaxIdempotencyKeyLen) {
			add(i, "idempotency_key", fmt.Sprintf("must be 1-%d characters", MaxIdempotencyKeyLen))
		}
		if in.Timestamp != nil && in.Timestamp.After(horizon) {
			add(i, "timestamp", "too far in the future")
		}
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// checkQuota pre-sums fresh quantities per (tenant, event type) and admits
// the batch all-or-nothing.
func (s *service) checkQuota(ctx context.Context, fresh []UsageEvent, tenants map[string]snowflake.ID, now time.Time) error {
	if len(fresh) == 0 {
		return nil
	}

	sums := make(map[string]*quota.Check)
	order := make([]string, 0)
	for i := range fresh {
		key := fmt.Sprintf("%s:%s", fresh[i].TenantID, fresh[i].EventType)
		if c, ok := sums[key]; ok {
			c.Quantity = c.Quantity.Add(fresh[i].Quantity)
			continue
		}
		sums[key] = &quota.Check{
			TenantID:  fresh[i].TenantID,
			EventType: fresh[i].EventType,
			Quantity:  fresh[i].Quantity,
		}
		order = append(order, key)
	}

	checks := make([]quota.Check, 0, len(order))
	for _, key := range order {
		checks = append(checks, *sums[key])
	}

	results, err := s.quota.CheckBatch(ctx, checks, now)
	if err != nil {
		return err
	}

	var violations []quota.Result
	for _, res := range results {
		if !res.Allowed {
			violations = append(violations, res)
		}
	}
	if len(violations) > 0 {
		externals := make(map[snowflake.ID]string, len(tenants))
		for external, id := range tenants {
			externals[id] = external
		}
		return &QuotaError{Violations: violations, TenantExternalIDs: externals}
	}
	return nil
}

// persist writes the fresh rows in one transaction and re-reads keyed rows
// so duplicates that slipped past the filter resolve to the winning event.
func (s *service) persist(ctx context.Context, orgID snowflake.ID, fresh []UsageEvent, keys []string) (map[string]snowflake.ID, error) {
	winners := make(map[string]snowflake.ID)
	if len(fresh) == 0 {
		return winners, nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertIgnoreDuplicates(ctx, tx, fresh); err != nil {
			return err
		}
		persisted, err := s.repo.FindByIdempotencyKeys(ctx, tx, orgID, keys)
		if err != nil {
			return err
		}
		for i := range persisted {
			if persisted[i].IdempotencyKey != nil {
				winners[*persisted[i].IdempotencyKey] = persisted[i].ID
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return winners, nil
}

// outcomes aligns results positionally with the inputs and fires the
// best-effort counter updates for rows that actually landed.
func (s *service) outcomes(orgID snowflake.ID, inputs []EventInput, tenants map[string]snowflake.ID, generated []snowflake.ID, winners map[string]snowflake.ID, now time.Time) []EventOutcome {
	out := make([]EventOutcome, len(inputs))
	var updates []counterUpdate
	for i, in := range inputs {
		if in.IdempotencyKey == nil {
			out[i] = EventOutcome{EventID: generated[i]}
		} else {
			winner := winners[*in.IdempotencyKey]
			out[i] = EventOutcome{
				EventID:      winner,
				Deduplicated: winner != generated[i],
			}
		}

		if out[i].Deduplicated {
			if s.metrics != nil {
				s.metrics.EventsDeduped.WithLabelValues(in.EventType).Inc()
			}
			continue
		}
		if s.metrics != nil {
			s.metrics.EventsIngested.WithLabelValues(in.EventType).Inc()
		}
		updates = append(updates, counterUpdate{
			OrgID:     orgID,
			TenantID:  tenants[in.TenantExternalID],
			EventType: in.EventType,
			Quantity:  in.Quantity.InexactFloat64(),
		})
	}
	s.counters.record(updates, now)
	return out
}

func (s *service) List(ctx context.Context, orgID snowflake.ID, params ListParams) ([]UsageEvent, error) {
	q := ListQuery{
		OrgID:     orgID,
		EventType: params.EventType,
		StartDate: params.StartDate,
		EndDate:   params.EndDate,
		Limit:     params.Limit,
	}

	if params.TenantExternalID != "" {
		id, ok, err := s.lookupTenant(ctx, orgID, params.TenantExternalID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return []UsageEvent{}, nil
		}
		q.TenantID = &id
	}

	return s.repo.List(ctx, s.db, q)
}

func (s *service) Usage(ctx context.Context, orgID snowflake.ID, params UsageParams) ([]AggregateRow, error) {
	q := AggregateQuery{
		OrgID:     orgID,
		GroupBy:   params.GroupBy,
		StartDate: params.StartDate,
		EndDate:   params.EndDate,
	}

	if params.TenantExternalID != "" {
		id, ok, err := s.lookupTenant(ctx, orgID, params.TenantExternalID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return []AggregateRow{}, nil
		}
		q.TenantID = &id
	}

	rows, err := s.repo.Aggregate(ctx, s.db, q)
	if err != nil {
		return nil, err
	}
	if params.GroupBy == GroupByTenant {
		if err := s.renameTenantKeys(ctx, rows); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (s *service) lookupTenant(ctx context.Context, orgID snowflake.ID, externalID string) (snowflake.ID, bool, error) {
	found, err := s.tenantRepo.FindByExternalIDs(ctx, s.db, orgID, []string{externalID})
	if err != nil {
		return 0, false, err
	}
	if len(found) == 0 {
		return 0, false, nil
	}
	return found[0].ID, true, nil
}

// renameTenantKeys swaps internal tenant ids for the caller-facing
// external ids in grouped results.
func (s *service) renameTenantKeys(ctx context.Context, rows []AggregateRow) error {
	ids := make([]snowflake.ID, 0, len(rows))
	for _, row := range rows {
		var id int64
		if _, err := fmt.Sscanf(row.GroupKey, "%d", &id); err == nil {
			ids = append(ids, snowflake.ID(id))
		}
	}

	tenants, err := s.tenantRepo.FindByIDs(ctx, s.db, ids)
	if err != nil {
		return err
	}

	names := make(map[string]string, len(tenants))
	for i := range tenants {
		names[tenants[i].ID.String()] = tenants[i].ExternalID
	}
	for i := range rows {
		if external, ok := names[rows[i].GroupKey]; ok {
			rows[i].GroupKey = external
		}
	}
	return nil
}
