package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/meterline/meterline/internal/cache"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/quota"
	"github.com/meterline/meterline/internal/tenant"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	svc   Service
	clock *clock.FakeClock
	orgID snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&tenant.Tenant{}, &UsageEvent{}, &UsageSnapshot{}, &quota.QuotaLimit{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC))
	disabled := cache.NewDisabled()
	repo := ProvideRepository()
	tenantRepo := tenant.ProvideRepository()

	resolver := tenant.NewResolver(tenant.ResolverParams{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Cache: disabled,
		Repo:  tenantRepo,
	})

	engine := quota.NewEngine(quota.EngineParams{
		Config: config.Config{QuotaCounterTTL: 35 * 24 * time.Hour},
		DB:     db,
		Log:    zap.NewNop(),
		Cache:  disabled,
		Repo:   quota.ProvideRepository(),
		Usage:  &sumReader{db: db, repo: repo},
	})

	svc := New(Params{
		Config:     config.Config{IdempotencyTTL: 24 * time.Hour, MaxClockSkew: 24 * time.Hour},
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Cache:      disabled,
		Repo:       repo,
		Resolver:   resolver,
		TenantRepo: tenantRepo,
		Quota:      engine,
	})

	return &fixture{db: db, svc: svc, clock: clk, orgID: snowflake.ID(1000)}
}

func strptr(s string) *string { return &s }

func TestIngestSingleEvent(t *testing.T) {
	f := newFixture(t)

	outcomes, err := f.svc.Ingest(context.Background(), f.orgID, []EventInput{
		{TenantExternalID: "t1", EventType: "api_request", Quantity: dec("1")},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.NotZero(t, outcomes[0].EventID)
	assert.False(t, outcomes[0].Deduplicated)

	var event UsageEvent
	require.NoError(t, f.db.First(&event, "id = ?", outcomes[0].EventID).Error)
	assert.Equal(t, f.orgID, event.OrgID)
	assert.Equal(t, "api_request", event.EventType)
	assert.True(t, event.Timestamp.UTC().Equal(f.clock.Now()))
	assert.Nil(t, event.InvoiceID)
	assert.Nil(t, event.BilledAt)
}

func TestIngestDeduplicates(t *testing.T) {
	f := newFixture(t)
	in := []EventInput{
		{TenantExternalID: "t1", EventType: "api_request", Quantity: dec("1"), IdempotencyKey: strptr("k1")},
	}

	first, err := f.svc.Ingest(context.Background(), f.orgID, in)
	require.NoError(t, err)
	require.False(t, first[0].Deduplicated)

	second, err := f.svc.Ingest(context.Background(), f.orgID, in)
	require.NoError(t, err)
	assert.True(t, second[0].Deduplicated)
	assert.Equal(t, first[0].EventID, second[0].EventID)

	var count int64
	require.NoError(t, f.db.Model(&UsageEvent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestIngestDuplicateKeyWithinBatch(t *testing.T) {
	f := newFixture(t)

	outcomes, err := f.svc.Ingest(context.Background(), f.orgID, []EventInput{
		{TenantExternalID: "t1", EventType: "api_request", Quantity: dec("1"), IdempotencyKey: strptr("k1")},
		{TenantExternalID: "t1", EventType: "api_request", Quantity: dec("1"), IdempotencyKey: strptr("k1")},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, outcomes[0].EventID, outcomes[1].EventID)
	assert.False(t, outcomes[0].Deduplicated)
	assert.True(t, outcomes[1].Deduplicated)

	var count int64
	require.NoError(t, f.db.Model(&UsageEvent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestIngestConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	in := []EventInput{
		{TenantExternalID: "t1", EventType: "api_request", Quantity: dec("1"), IdempotencyKey: strptr("k1")},
	}

	var wg sync.WaitGroup
	outcomes := make([][]EventOutcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.svc.Ingest(context.Background(), f.orgID, in)
			if assert.NoError(t, err) {
				outcomes[i] = out
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, outcomes[0], 1)
	require.Len(t, outcomes[1], 1)
	assert.Equal(t, outcomes[0][0].EventID, outcomes[1][0].EventID)

	fresh := 0
	for i := range outcomes {
		if !outcomes[i][0].Deduplicated {
			fresh++
		}
	}
	assert.LessOrEqual(t, fresh, 1)

	var count int64
	require.NoError(t, f.db.Model(&UsageEvent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestIngestBatchQuotaRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Seed a tenant with usage 9 against a hard limit of 10.
	seed, err := f.svc.Ingest(ctx, f.orgID, []EventInput{
		{TenantExternalID: "t1", EventType: "api_request", Quantity: dec("9")},
	})
	require.NoError(t, err)

	var seeded UsageEvent
	require.NoError(t, f.db.First(&seeded, "id = ?", seed[0].EventID).Error)
	require.NoError(t, f.db.Create(&quota.QuotaLimit{
		ID:              1,
		TenantID:        seeded.TenantID,
		EventType:       "api_request",
		LimitValue:      dec("10"),
		EnforcementMode: quota.ModeHard,
		ResetAt:         time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}).Error)

	_, err = f.svc.Ingest(ctx, f.orgID, []EventInput{
		{TenantExternalID: "t1", EventType: "api_request", Quantity: dec("1")},
		{TenantExternalID: "t1", EventType: "api_request", Quantity: dec("1")},
	})
	var qerr *QuotaError
	require.ErrorAs(t, err, &qerr)
	require.Len(t, qerr.Violations, 1)
	assert.Equal(t, "api_request", qerr.Violations[0].EventType)
	assert.True(t, qerr.Violations[0].Current.Equal(dec("9")))

	// All-or-nothing: the store is untouched.
	var count int64
	require.NoError(t, f.db.Model(&UsageEvent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestIngestValidation(t *testing.T) {
	f := newFixture(t)
	future := f.clock.Now().Add(48 * time.Hour)

	_, err := f.svc.Ingest(context.Background(), f.orgID, []EventInput{
		{TenantExternalID: "", EventType: "api_request", Quantity: dec("1")},
		{TenantExternalID: "t1", EventType: "api_request", Quantity: dec("-1")},
		{TenantExternalID: "t1", EventType: "api_request", Quantity: dec("1"), Timestamp: &future},
	})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Fields, 3)
	assert.Equal(t, 0, verr.Fields[0].Index)
	assert.Equal(t, "tenant_id", verr.Fields[0].Field)
	assert.Equal(t, "quantity", verr.Fields[1].Field)
	assert.Equal(t, "timestamp", verr.Fields[2].Field)

	_, err = f.svc.Ingest(context.Background(), f.orgID, nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	big := make([]EventInput, MaxBatchSize+1)
	for i := range big {
		big[i] = EventInput{TenantExternalID: "t1", EventType: "api_request", Quantity: dec("1")}
	}
	_, err = f.svc.Ingest(context.Background(), f.orgID, big)
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestIngestPreservesInputOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Ingest(ctx, f.orgID, []EventInput{
		{TenantExternalID: "t1", EventType: "api_request", Quantity: dec("1"), IdempotencyKey: strptr("dup")},
	})
	require.NoError(t, err)

	outcomes, err := f.svc.Ingest(ctx, f.orgID, []EventInput{
		{TenantExternalID: "t1", EventType: "api_request", Quantity: dec("1")},
		{TenantExternalID: "t1", EventType: "api_request", Quantity: dec("1"), IdempotencyKey: strptr("dup")},
		{TenantExternalID: "t2", EventType: "storage_gb", Quantity: dec("5"), IdempotencyKey: strptr("fresh")},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.False(t, outcomes[0].Deduplicated)
	assert.True(t, outcomes[1].Deduplicated)
	assert.Equal(t, first[0].EventID, outcomes[1].EventID)
	assert.False(t, outcomes[2].Deduplicated)
}

func TestUsageAggregates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, f.orgID, []EventInput{
		{TenantExternalID: "t1", EventType: "api_request", Quantity: dec("3")},
		{TenantExternalID: "t1", EventType: "storage_gb", Quantity: dec("2")},
		{TenantExternalID: "t2", EventType: "api_request", Quantity: dec("4")},
	})
	require.NoError(t, err)

	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 2, 28, 23, 59, 59, 0, time.UTC)

	rows, err := f.svc.Usage(ctx, f.orgID, UsageParams{GroupBy: GroupByEventType, StartDate: start, EndDate: end})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "api_request", rows[0].GroupKey)
	assert.True(t, rows[0].Total.Equal(dec("7")))
	assert.Equal(t, "storage_gb", rows[1].GroupKey)
	assert.True(t, rows[1].Total.Equal(dec("2")))

	rows, err = f.svc.Usage(ctx, f.orgID, UsageParams{GroupBy: GroupByTenant, StartDate: start, EndDate: end})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	keys := map[string]string{rows[0].GroupKey: rows[0].Total.String(), rows[1].GroupKey: rows[1].Total.String()}
	assert.Equal(t, "5", keys["t1"])
	assert.Equal(t, "4", keys["t2"])

	rows, err = f.svc.Usage(ctx, f.orgID, UsageParams{GroupBy: GroupByDay, StartDate: start, EndDate: end})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2026-02-10", rows[0].GroupKey)
	assert.True(t, rows[0].Total.Equal(dec("9")))
}

func TestListEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, f.orgID, []EventInput{
		{TenantExternalID: "t1", EventType: "api_request", Quantity: dec("1")},
	})
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = f.svc.Ingest(ctx, f.orgID, []EventInput{
		{TenantExternalID: "t1", EventType: "storage_gb", Quantity: dec("2")},
	})
	require.NoError(t, err)

	events, err := f.svc.List(ctx, f.orgID, ListParams{TenantExternalID: "t1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "storage_gb", events[0].EventType)
	assert.Equal(t, "api_request", events[1].EventType)

	events, err = f.svc.List(ctx, f.orgID, ListParams{EventType: "api_request"})
	require.NoError(t, err)
	require.Len(t, events, 1)

	events, err = f.svc.List(ctx, f.orgID, ListParams{TenantExternalID: "unknown"})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}
