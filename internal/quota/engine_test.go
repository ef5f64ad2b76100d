package quota

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/meterline/meterline/internal/cache"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubUsage struct {
	sums map[string]decimal.Decimal
}

func (s *stubUsage) SumSince(_ context.Context, tenantID snowflake.ID, eventType string, _ time.Time) (decimal.Decimal, error) {
	if v, ok := s.sums[pairKey(tenantID, eventType)]; ok {
		return v, nil
	}
	return decimal.Zero, nil
}

func newTestEngine(t *testing.T, usage UsageReader) (*Engine, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&QuotaLimit{}))

	e := &Engine{
		db:         db,
		log:        zap.NewNop(),
		cache:      cache.NewDisabled(),
		repo:       ProvideRepository(),
		usage:      usage,
		counterTTL: 35 * 24 * time.Hour,
	}
	return e, db
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func hardLimit(db *gorm.DB, t *testing.T, tenantID snowflake.ID, eventType string, limit string) *QuotaLimit {
	t.Helper()
	q := &QuotaLimit{
		ID:              snowflake.ID(time.Now().UnixNano()),
		TenantID:        tenantID,
		EventType:       eventType,
		LimitValue:      dec(limit),
		EnforcementMode: ModeHard,
		ResetAt:         time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.Create(q).Error)
	return q
}

func TestCheckBatchNoLimitConfigured(t *testing.T) {
	e, _ := newTestEngine(t, &stubUsage{})

	results, err := e.CheckBatch(context.Background(), []Check{
		{TenantID: 1, EventType: "api_request", Quantity: dec("5")},
	}, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Allowed)
	assert.Equal(t, ModeDisabled, results[0].Mode)
}

func TestCheckBatchHardLimitRejects(t *testing.T) {
	tenantID := snowflake.ID(1)
	usage := &stubUsage{sums: map[string]decimal.Decimal{
		pairKey(tenantID, "api_request"): dec("9"),
	}}
	e, db := newTestEngine(t, usage)
	hardLimit(db, t, tenantID, "api_request", "10")

	// Pre-summed batch of two events of quantity 1 projects to 11.
	results, err := e.CheckBatch(context.Background(), []Check{
		{TenantID: tenantID, EventType: "api_request", Quantity: dec("2")},
	}, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Allowed)
	assert.Equal(t, ModeHard, results[0].Mode)
	assert.True(t, results[0].Current.Equal(dec("9")))
	assert.True(t, results[0].Limit.Equal(dec("10")))
}

func TestCheckBatchHardLimitAllowsAtBoundary(t *testing.T) {
	tenantID := snowflake.ID(1)
	usage := &stubUsage{sums: map[string]decimal.Decimal{
		pairKey(tenantID, "api_request"): dec("9"),
	}}
	e, db := newTestEngine(t, usage)
	hardLimit(db, t, tenantID, "api_request", "10")

	results, err := e.CheckBatch(context.Background(), []Check{
		{TenantID: tenantID, EventType: "api_request", Quantity: dec("1")},
	}, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, results[0].Allowed)
}

func TestCheckBatchSoftLimitOverage(t *testing.T) {
	tenantID := snowflake.ID(2)
	usage := &stubUsage{sums: map[string]decimal.Decimal{
		pairKey(tenantID, "storage_gb"): dec("100"),
	}}
	e, db := newTestEngine(t, usage)

	soft, overage := dec("90"), dec("20")
	require.NoError(t, db.Create(&QuotaLimit{
		ID:              1,
		TenantID:        tenantID,
		EventType:       "storage_gb",
		LimitValue:      dec("100"),
		SoftLimitValue:  &soft,
		EnforcementMode: ModeSoft,
		OverageAllowed:  &overage,
		ResetAt:         time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}).Error)

	// 100 + 15 = 115 <= 100 + 20, allowed with warning.
	results, err := e.CheckBatch(context.Background(), []Check{
		{TenantID: tenantID, EventType: "storage_gb", Quantity: dec("15")},
	}, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, results[0].Allowed)
	assert.True(t, results[0].Warning)

	// 100 + 25 = 125 > 120, rejected.
	results, err = e.CheckBatch(context.Background(), []Check{
		{TenantID: tenantID, EventType: "storage_gb", Quantity: dec("25")},
	}, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, results[0].Allowed)
}

func TestCheckBatchGracePeriod(t *testing.T) {
	tenantID := snowflake.ID(3)
	usage := &stubUsage{sums: map[string]decimal.Decimal{
		pairKey(tenantID, "api_request"): dec("50"),
	}}
	e, db := newTestEngine(t, usage)

	now := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)
	graceEnd := now.Add(24 * time.Hour)
	require.NoError(t, db.Create(&QuotaLimit{
		ID:              1,
		TenantID:        tenantID,
		EventType:       "api_request",
		LimitValue:      dec("10"),
		EnforcementMode: ModeHard,
		GracePeriodEnd:  &graceEnd,
		ResetAt:         time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}).Error)

	results, err := e.CheckBatch(context.Background(), []Check{
		{TenantID: tenantID, EventType: "api_request", Quantity: dec("100")},
	}, now)
	require.NoError(t, err)
	assert.True(t, results[0].Allowed)

	// Past the grace window the limit binds again.
	results, err = e.CheckBatch(context.Background(), []Check{
		{TenantID: tenantID, EventType: "api_request", Quantity: dec("100")},
	}, graceEnd.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, results[0].Allowed)
}

func TestCheckBatchDisabledAllowsWithoutWarning(t *testing.T) {
	tenantID := snowflake.ID(4)
	usage := &stubUsage{sums: map[string]decimal.Decimal{
		pairKey(tenantID, "api_request"): dec("999"),
	}}
	e, db := newTestEngine(t, usage)

	soft := dec("10")
	require.NoError(t, db.Create(&QuotaLimit{
		ID:              1,
		TenantID:        tenantID,
		EventType:       "api_request",
		LimitValue:      dec("10"),
		SoftLimitValue:  &soft,
		EnforcementMode: ModeDisabled,
		ResetAt:         time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}).Error)

	results, err := e.CheckBatch(context.Background(), []Check{
		{TenantID: tenantID, EventType: "api_request", Quantity: dec("1")},
	}, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, results[0].Allowed)
	assert.False(t, results[0].Warning)
}

func TestCheckBatchReportsAllViolations(t *testing.T) {
	usage := &stubUsage{sums: map[string]decimal.Decimal{
		pairKey(1, "api_request"): dec("10"),
		pairKey(2, "api_request"): dec("10"),
	}}
	e, db := newTestEngine(t, usage)
	hardLimit(db, t, 1, "api_request", "10")
	hardLimit(db, t, 2, "api_request", "10")

	results, err := e.CheckBatch(context.Background(), []Check{
		{TenantID: 1, EventType: "api_request", Quantity: dec("1")},
		{TenantID: 2, EventType: "api_request", Quantity: dec("1")},
	}, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].Allowed)
	assert.False(t, results[1].Allowed)
}

func TestEffectiveLimit(t *testing.T) {
	now := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	overage := dec("5")

	hard := &QuotaLimit{LimitValue: dec("10"), EnforcementMode: ModeHard}
	assert.True(t, effectiveLimit(hard, now).Equal(dec("10")))

	soft := &QuotaLimit{LimitValue: dec("10"), EnforcementMode: ModeSoft, OverageAllowed: &overage}
	assert.True(t, effectiveLimit(soft, now).Equal(dec("15")))

	disabled := &QuotaLimit{LimitValue: dec("10"), EnforcementMode: ModeDisabled}
	assert.True(t, effectiveLimit(disabled, now).IsNegative())
}
