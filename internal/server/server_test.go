package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	apikeydomain "github.com/meterline/meterline/internal/apikey/domain"
	apikeyrepo "github.com/meterline/meterline/internal/apikey/repository"
	apikeyservice "github.com/meterline/meterline/internal/apikey/service"
	"github.com/meterline/meterline/internal/cache"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/invoice"
	orgdomain "github.com/meterline/meterline/internal/organization/domain"
	orgrepo "github.com/meterline/meterline/internal/organization/repository"
	"github.com/meterline/meterline/internal/pricing"
	"github.com/meterline/meterline/internal/quota"
	"github.com/meterline/meterline/internal/ratelimit"
	"github.com/meterline/meterline/internal/subscription"
	"github.com/meterline/meterline/internal/tenant"
	"github.com/meterline/meterline/internal/usage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testOperatorSecret = "cron_secret"
	testWebhookSecret  = "whsec_test"
)

type serverFixture struct {
	db     *gorm.DB
	engine *gin.Engine
	clock  *clock.FakeClock
	orgID  snowflake.ID
	apiKey string
	keyID  snowflake.ID
}

type storeSums struct {
	db   *gorm.DB
	repo usage.Repository
}

func (r *storeSums) SumSince(ctx context.Context, tenantID snowflake.ID, eventType string, since time.Time) (decimal.Decimal, error) {
	return r.repo.SumSince(ctx, r.db, tenantID, eventType, since)
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&orgdomain.Organization{},
		&apikeydomain.APIKey{},
		&ratelimit.RateLimitPolicy{},
		&tenant.Tenant{},
		&invoice.Invoice{},
		&invoice.InvoiceLineItem{},
		&usage.UsageEvent{},
		&usage.UsageSnapshot{},
		&quota.QuotaLimit{},
		&pricing.PricingTier{},
		&subscription.Subscription{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC))
	disabled := cache.NewDisabled()
	log := zap.NewNop()

	cfg := config.Config{
		CronSecret:         testOperatorSecret,
		PSPWebhookSecret:   testWebhookSecret,
		TaxRate:            0.10,
		InvoiceDueDays:     30,
		IdempotencyTTL:     24 * time.Hour,
		QuotaCounterTTL:    35 * 24 * time.Hour,
		MaxClockSkew:       24 * time.Hour,
		IngestBatchWorkers: 4,
	}

	usageRepo := usage.ProvideRepository()
	tenantRepo := tenant.ProvideRepository()

	apiKeySvc := apikeyservice.New(apikeyservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: apikeyrepo.Provide(),
	})
	limiter := ratelimit.NewLimiter(ratelimit.LimiterParams{
		Store: ratelimit.NewMemoryStore(clk),
		Clock: clk,
		Log:   log,
	})
	resolver := tenant.NewResolver(tenant.ResolverParams{
		DB: db, Log: log, GenID: node, Clock: clk, Cache: disabled, Repo: tenantRepo,
	})
	engine := quota.NewEngine(quota.EngineParams{
		Config: cfg, DB: db, Log: log, Cache: disabled,
		Repo:  quota.ProvideRepository(),
		Usage: &storeSums{db: db, repo: usageRepo},
	})
	usageSvc := usage.New(usage.Params{
		Config: cfg, DB: db, Log: log, GenID: node, Clock: clk, Cache: disabled,
		Repo: usageRepo, Resolver: resolver, TenantRepo: tenantRepo, Quota: engine,
	})
	snapshots := usage.NewSnapshotBuilder(usage.SnapshotBuilderParams{
		Config: cfg, DB: db, Log: log, GenID: node, Clock: clk,
		Repo: usageRepo, TenantRepo: tenantRepo,
	})
	tenantSvc := tenant.NewService(tenant.ServiceParams{
		DB: db, Log: log, Clock: clk, Repo: tenantRepo,
	})
	invoiceRepo := invoice.ProvideRepository()
	builder := invoice.NewBuilder(invoice.BuilderParams{
		Config: cfg, DB: db, Log: log, GenID: node, Clock: clk,
		Repo: invoiceRepo, UsageRepo: usageRepo,
		PricingRepo: pricing.ProvideRepository(),
		TenantRepo:  tenantRepo, OrgRepo: orgrepo.Provide(),
	})
	invoiceSvc := invoice.NewService(invoice.ServiceParams{
		DB: db, Log: log, Clock: clk, Repo: invoiceRepo,
	})
	webhookSvc := subscription.NewWebhookService(subscription.WebhookParams{
		Config: cfg, DB: db, Log: log, GenID: node, Clock: clk,
		Repo: subscription.ProvideRepository(), TenantRepo: tenantRepo,
	})

	ginEngine := NewEngine(EngineParams{Cfg: cfg})
	NewServer(ServerParams{
		Gin: ginEngine, Cfg: cfg, DB: db, Log: log, Clock: clk, GenID: node,
		APIKeySvc:     apiKeySvc,
		RateLimitRepo: ratelimit.ProvideRepository(),
		Limiter:       limiter,
		QuotaRepo:     quota.ProvideRepository(),
		PricingRepo:   pricing.ProvideRepository(),
		UsageSvc:      usageSvc,
		Snapshots:     snapshots,
		TenantSvc:     tenantSvc,
		InvoiceBuilder: builder,
		InvoiceSvc:     invoiceSvc,
		WebhookSvc:     webhookSvc,
	})

	orgID := node.Generate()
	require.NoError(t, db.Create(&orgdomain.Organization{
		ID: orgID, Name: "Acme", Slug: "acme",
	}).Error)

	secret, err := apiKeySvc.Create(context.Background(), apikeydomain.CreateRequest{
		OrgID:       orgID,
		Name:        "ingest",
		Permissions: []string{apikeydomain.PermissionEventsWrite, apikeydomain.PermissionUsageRead},
	})
	require.NoError(t, err)

	return &serverFixture{
		db:     db,
		engine: ginEngine,
		clock:  clk,
		orgID:  orgID,
		apiKey: secret.APIKey,
		keyID:  secret.ID,
	}
}

func (f *serverFixture) request(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAuthRequired(t *testing.T) {
	f := newServerFixture(t)

	rec := f.request(t, http.MethodPost, "/api/v1/events", "", gin.H{
		"tenant_id": "t1", "event_type": "api_request",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeBody(t, rec)["code"])

	rec = f.request(t, http.MethodPost, "/api/v1/events", "ml_live_bogus", gin.H{
		"tenant_id": "t1", "event_type": "api_request",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPermissionEnforced(t *testing.T) {
	f := newServerFixture(t)

	// A read-only credential cannot write events.
	readOnly := newServerFixtureKey(t, f, []string{apikeydomain.PermissionUsageRead})
	rec := f.request(t, http.MethodPost, "/api/v1/events", readOnly, gin.H{
		"tenant_id": "t1", "event_type": "api_request",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", decodeBody(t, rec)["code"])
}

func newServerFixtureKey(t *testing.T, f *serverFixture, permissions []string) string {
	t.Helper()

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	svc := apikeyservice.New(apikeyservice.Params{
		DB: f.db, Log: zap.NewNop(), GenID: node, Clock: f.clock, Repo: apikeyrepo.Provide(),
	})
	secret, err := svc.Create(context.Background(), apikeydomain.CreateRequest{
		OrgID: f.orgID, Name: "scoped", Permissions: permissions,
	})
	require.NoError(t, err)
	return secret.APIKey
}

func TestIngestSingleEventHTTP(t *testing.T) {
	f := newServerFixture(t)

	rec := f.request(t, http.MethodPost, "/api/v1/events", f.apiKey, gin.H{
		"tenant_id":       "t1",
		"event_type":      "api_request",
		"quantity":        2,
		"idempotency_key": "k1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["event_id"])
	assert.Equal(t, false, body["deduplicated"])

	// Replay with the same key short-circuits.
	rec = f.request(t, http.MethodPost, "/api/v1/events", f.apiKey, gin.H{
		"tenant_id":       "t1",
		"event_type":      "api_request",
		"quantity":        2,
		"idempotency_key": "k1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	replay := decodeBody(t, rec)
	assert.Equal(t, true, replay["deduplicated"])
	assert.Equal(t, body["event_id"], replay["event_id"])

	var count int64
	require.NoError(t, f.db.Model(&usage.UsageEvent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestIngestBatchHTTP(t *testing.T) {
	f := newServerFixture(t)

	rec := f.request(t, http.MethodPost, "/api/v1/events", f.apiKey, gin.H{
		"events": []gin.H{
			{"tenant_id": "t1", "event_type": "api_request", "quantity": 1, "idempotency_key": "b1"},
			{"tenant_id": "t1", "event_type": "api_request", "quantity": 1, "idempotency_key": "b1"},
			{"tenant_id": "t2", "event_type": "storage_gb", "quantity": 3},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.EqualValues(t, 3, body["count"])
	assert.EqualValues(t, 2, body["new_events"])
	assert.EqualValues(t, 1, body["deduplicated"])
	assert.Len(t, body["event_ids"], 3)
}

func TestIngestValidationEnvelope(t *testing.T) {
	f := newServerFixture(t)

	rec := f.request(t, http.MethodPost, "/api/v1/events", f.apiKey, gin.H{
		"tenant_id": "t1", "event_type": "", "quantity": -1,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "INVALID_REQUEST", body["code"])
	details, ok := body["details"].(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, details["fields"])
}

func TestRateLimit429(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.db.Create(&ratelimit.RateLimitPolicy{
		ID: 1, OrgID: f.orgID, RequestsPerSecond: int64ptr(5),
	}).Error)

	payload := gin.H{"tenant_id": "t1", "event_type": "api_request"}
	for i := 0; i < 5; i++ {
		rec := f.request(t, http.MethodPost, "/api/v1/events", f.apiKey, payload)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := f.request(t, http.MethodPost, "/api/v1/events", f.apiKey, payload)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", decodeBody(t, rec)["code"])

	// The rejected request consumed nothing; the next second is fresh.
	f.clock.Advance(time.Second)
	rec = f.request(t, http.MethodPost, "/api/v1/events", f.apiKey, payload)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestQuotaExceededEnvelope(t *testing.T) {
	f := newServerFixture(t)

	// Pre-load t1 at 9 of 10 for the current month.
	rec := f.request(t, http.MethodPost, "/api/v1/events", f.apiKey, gin.H{
		"tenant_id": "t1", "event_type": "api_request", "quantity": 9,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var tn tenant.Tenant
	require.NoError(t, f.db.First(&tn, "org_id = ? AND external_id = ?", f.orgID, "t1").Error)
	require.NoError(t, f.db.Create(&quota.QuotaLimit{
		ID: 1, TenantID: tn.ID, EventType: "api_request",
		LimitValue:      decimal.NewFromInt(10),
		EnforcementMode: quota.ModeHard,
		ResetAt:         time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}).Error)

	rec = f.request(t, http.MethodPost, "/api/v1/events", f.apiKey, gin.H{
		"tenant_id": "t1", "event_type": "api_request", "quantity": 2,
	})
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "QUOTA_EXCEEDED", body["code"])

	details := body["details"].(map[string]interface{})
	assert.Equal(t, "HARD", details["enforcement_mode"])
	violations := details["violations"].([]interface{})
	require.Len(t, violations, 1)
	v := violations[0].(map[string]interface{})
	assert.Equal(t, "t1", v["tenant_id"])
	assert.Equal(t, "api_request", v["event_type"])

	// Nothing was persisted for the rejected batch.
	var count int64
	require.NoError(t, f.db.Model(&usage.UsageEvent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestOperatorGuard(t *testing.T) {
	f := newServerFixture(t)

	rec := f.request(t, http.MethodPost, "/internal/snapshots", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.request(t, http.MethodPost, "/internal/snapshots", "wrong", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.request(t, http.MethodPost, "/internal/snapshots", testOperatorSecret,
		gin.H{"date": "2026-02-09"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "2026-02-09", body["date"])
}

func TestSnapshotEndpointRollsUp(t *testing.T) {
	f := newServerFixture(t)

	rec := f.request(t, http.MethodPost, "/api/v1/events", f.apiKey, gin.H{
		"tenant_id": "t1", "event_type": "api_request", "quantity": 7,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.request(t, http.MethodPost, "/internal/snapshots", testOperatorSecret,
		gin.H{"date": "2026-02-10"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decodeBody(t, rec)["snapshots"])
}

func TestUsageEndpointDefaults(t *testing.T) {
	f := newServerFixture(t)

	rec := f.request(t, http.MethodPost, "/api/v1/events", f.apiKey, gin.H{
		"events": []gin.H{
			{"tenant_id": "t1", "event_type": "api_request", "quantity": 5},
			{"tenant_id": "t1", "event_type": "storage_gb", "quantity": 2},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/v1/usage", f.apiKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "event_type", body["group_by"])
	assert.Len(t, body["usage"], 2)

	rec = f.request(t, http.MethodGet, "/api/v1/usage?group_by=bogus", f.apiKey, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuotaConfigEndpoint(t *testing.T) {
	f := newServerFixture(t)

	// Resolve t1 by ingesting once, then cap the pair at 5.
	rec := f.request(t, http.MethodPost, "/api/v1/events", f.apiKey, gin.H{
		"tenant_id": "t1", "event_type": "api_request", "quantity": 4,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var tn tenant.Tenant
	require.NoError(t, f.db.First(&tn, "org_id = ? AND external_id = ?", f.orgID, "t1").Error)

	rec = f.request(t, http.MethodPut, "/internal/quotas", testOperatorSecret, gin.H{
		"tenant_id":        tn.ID.String(),
		"event_type":       "api_request",
		"limit_value":      5,
		"enforcement_mode": "hard",
		"reset_at":         "2026-02-01T00:00:00Z",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.request(t, http.MethodPost, "/api/v1/events", f.apiKey, gin.H{
		"tenant_id": "t1", "event_type": "api_request", "quantity": 2,
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "QUOTA_EXCEEDED", decodeBody(t, rec)["code"])
}

func TestRateLimitConfigEndpoint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.request(t, http.MethodPut, "/internal/rate-limits", testOperatorSecret, gin.H{
		"org_id":              f.orgID.String(),
		"requests_per_second": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	payload := gin.H{"tenant_id": "t1", "event_type": "api_request"}
	rec = f.request(t, http.MethodPost, "/api/v1/events", f.apiKey, payload)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.request(t, http.MethodPost, "/api/v1/events", f.apiKey, payload)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Re-upserting the org-wide policy keeps a single row.
	rec = f.request(t, http.MethodPut, "/internal/rate-limits", testOperatorSecret, gin.H{
		"org_id":              f.orgID.String(),
		"requests_per_second": 10,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var count int64
	require.NoError(t, f.db.Model(&ratelimit.RateLimitPolicy{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestWebhookHTTP(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.db.Create(&tenant.Tenant{
		ID: 900, OrgID: f.orgID, ExternalID: "t1", Name: "t1", Status: tenant.StatusActive,
	}).Error)

	payload := []byte(fmt.Sprintf(
		`{"id":"evt_1","type":"subscription.created","data":{"subscription_id":"sub_1","org_id":"%d","tenant_id":"t1","status":"active"}}`,
		f.orgID))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/psp", bytes.NewReader(payload))
	req.Header.Set(headerPSPSignature, signWebhook(payload, f.clock.Now(), testWebhookSecret))
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var count int64
	require.NoError(t, f.db.Model(&subscription.Subscription{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// Bad signature never reaches the handler.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/psp", bytes.NewReader(payload))
	req.Header.Set(headerPSPSignature, "t=1,v1=deadbeef")
	rec = httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func signWebhook(payload []byte, at time.Time, secret string) string {
	timestamp := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", timestamp, payload)))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func int64ptr(v int64) *int64 { return &v }
