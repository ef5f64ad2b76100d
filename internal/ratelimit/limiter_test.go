package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/meterline/meterline/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestLimiter(t *testing.T, store BucketStore, clk clock.Clock) *Limiter {
	t.Helper()
	return &Limiter{
		store: store,
		clock: clk,
		log:   zap.NewNop(),
	}
}

func perSecondPolicy(limit int64) *RateLimitPolicy {
	return &RateLimitPolicy{RequestsPerSecond: &limit}
}

func TestAdmitNoPolicy(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	limiter := newTestLimiter(t, NewMemoryStore(clk), clk)

	res, err := limiter.Admit(context.Background(), snowflake.ID(1), nil)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.Unbounded)

	res, err = limiter.Admit(context.Background(), snowflake.ID(1), &RateLimitPolicy{})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.Unbounded)
}

func TestAdmitPerSecondWindow(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 100*int(time.Millisecond), time.UTC))
	limiter := newTestLimiter(t, NewMemoryStore(clk), clk)
	org := snowflake.ID(42)
	policy := perSecondPolicy(5)

	for i := 0; i < 5; i++ {
		res, err := limiter.Admit(context.Background(), org, policy)
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d should pass", i+1)
		assert.EqualValues(t, 5, res.Limit)
		assert.EqualValues(t, 4-i, res.Remaining)
	}

	res, err := limiter.Admit(context.Background(), org, policy)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.EqualValues(t, 0, res.Remaining)
	assert.Equal(t, time.Second, res.RetryAfter)
	assert.Equal(t, Second, res.Granularity)

	clk.Advance(time.Second)
	res, err = limiter.Admit(context.Background(), org, policy)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.EqualValues(t, 4, res.Remaining)
}

func TestAdmitRejectionDoesNotConsume(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	limiter := newTestLimiter(t, NewMemoryStore(clk), clk)
	org := snowflake.ID(7)

	perSecond, perMinute := int64(1), int64(2)
	policy := &RateLimitPolicy{RequestsPerSecond: &perSecond, RequestsPerMinute: &perMinute}

	res, err := limiter.Admit(context.Background(), org, policy)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	// Blocked by the second window; the minute window must stay untouched.
	for i := 0; i < 3; i++ {
		res, err = limiter.Admit(context.Background(), org, policy)
		require.NoError(t, err)
		require.False(t, res.Allowed)
	}

	clk.Advance(time.Second)
	res, err = limiter.Admit(context.Background(), org, policy)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.EqualValues(t, 0, res.Remaining)
	assert.Equal(t, Minute, res.Granularity)
}

func TestAdmitMostRestrictiveWindow(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	limiter := newTestLimiter(t, NewMemoryStore(clk), clk)
	org := snowflake.ID(9)

	perSecond, perHour := int64(100), int64(3)
	policy := &RateLimitPolicy{RequestsPerSecond: &perSecond, RequestsPerHour: &perHour}

	res, err := limiter.Admit(context.Background(), org, policy)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.EqualValues(t, 3, res.Limit)
	assert.EqualValues(t, 2, res.Remaining)
	assert.Equal(t, Hour, res.Granularity)
}

type failingStore struct{}

func (failingStore) Counts(context.Context, []string) ([]int64, error) {
	return nil, errors.New("connection refused")
}

func (failingStore) Increment(context.Context, []string, []time.Duration) error {
	return errors.New("connection refused")
}

func TestAdmitFailsOpen(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	limiter := newTestLimiter(t, failingStore{}, clk)

	res, err := limiter.Admit(context.Background(), snowflake.ID(1), perSecondPolicy(1))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.Unbounded)
}

func TestFindForKeyPrecedence(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&RateLimitPolicy{}))

	orgID, keyID, otherKeyID := snowflake.ID(10), snowflake.ID(20), snowflake.ID(21)
	perSecond := int64(5)
	require.NoError(t, db.Create(&RateLimitPolicy{ID: 1, OrgID: orgID, RequestsPerSecond: &perSecond}).Error)
	require.NoError(t, db.Create(&RateLimitPolicy{ID: 2, OrgID: orgID, APIKeyID: &keyID, RequestsPerSecond: &perSecond}).Error)

	repo := ProvideRepository()
	ctx := context.Background()

	policy, err := repo.FindForKey(ctx, db, orgID, keyID)
	require.NoError(t, err)
	require.NotNil(t, policy)
	assert.EqualValues(t, 2, policy.ID)

	policy, err = repo.FindForKey(ctx, db, orgID, otherKeyID)
	require.NoError(t, err)
	require.NotNil(t, policy)
	assert.EqualValues(t, 1, policy.ID)

	policy, err = repo.FindForKey(ctx, db, snowflake.ID(99), keyID)
	require.NoError(t, err)
	assert.Nil(t, policy)
}
