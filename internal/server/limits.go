package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/meterline/meterline/internal/pricing"
	"github.com/meterline/meterline/internal/quota"
	"github.com/meterline/meterline/internal/ratelimit"
	"github.com/shopspring/decimal"
)

type rateLimitPolicyRequest struct {
	OrgID             string `json:"org_id"`
	APIKeyID          string `json:"api_key_id"`
	RequestsPerSecond *int64 `json:"requests_per_second"`
	RequestsPerMinute *int64 `json:"requests_per_minute"`
	RequestsPerHour   *int64 `json:"requests_per_hour"`
}

// UpsertRateLimitPolicy sets the admission windows for an organization or
// one of its keys.
func (s *Server) UpsertRateLimitPolicy(c *gin.Context) {
	var req rateLimitPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	orgID, err := parseSnowflake(req.OrgID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	for _, limit := range []*int64{req.RequestsPerSecond, req.RequestsPerMinute, req.RequestsPerHour} {
		if limit != nil && *limit < 1 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	ctx := c.Request.Context()
	policy := &ratelimit.RateLimitPolicy{
		OrgID:             orgID,
		RequestsPerSecond: req.RequestsPerSecond,
		RequestsPerMinute: req.RequestsPerMinute,
		RequestsPerHour:   req.RequestsPerHour,
	}
	if strings.TrimSpace(req.APIKeyID) != "" {
		keyID, err := parseSnowflake(req.APIKeyID)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		policy.APIKeyID = &keyID
	}

	existing, err := s.rateLimitRepo.FindForKey(ctx, s.db, orgID, valueOrZero(policy.APIKeyID))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if existing != nil && sameScope(existing, policy) {
		policy.ID = existing.ID
		policy.CreatedAt = existing.CreatedAt
	} else {
		policy.ID = s.genID.Generate()
		policy.CreatedAt = s.clock.Now()
	}
	policy.UpdatedAt = s.clock.Now()

	if err := s.rateLimitRepo.Upsert(ctx, s.db, policy); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

type quotaLimitRequest struct {
	TenantID        string           `json:"tenant_id"`
	EventType       string           `json:"event_type"`
	LimitValue      decimal.Decimal  `json:"limit_value"`
	SoftLimitValue  *decimal.Decimal `json:"soft_limit_value"`
	EnforcementMode string           `json:"enforcement_mode"`
	OverageAllowed  *decimal.Decimal `json:"overage_allowed"`
	GracePeriodEnd  *time.Time       `json:"grace_period_end"`
	ResetAt         time.Time        `json:"reset_at"`
}

// UpsertQuotaLimit sets the cap for one (tenant, event type) pair.
func (s *Server) UpsertQuotaLimit(c *gin.Context) {
	var req quotaLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	tenantID, err := parseSnowflake(req.TenantID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	mode := quota.EnforcementMode(strings.ToUpper(strings.TrimSpace(req.EnforcementMode)))
	switch mode {
	case "":
		mode = quota.ModeHard
	case quota.ModeHard, quota.ModeSoft, quota.ModeDisabled:
	default:
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if strings.TrimSpace(req.EventType) == "" || req.ResetAt.IsZero() {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	now := s.clock.Now()
	limit := &quota.QuotaLimit{
		ID:              s.genID.Generate(),
		TenantID:        tenantID,
		EventType:       req.EventType,
		LimitValue:      req.LimitValue,
		SoftLimitValue:  req.SoftLimitValue,
		EnforcementMode: mode,
		OverageAllowed:  req.OverageAllowed,
		GracePeriodEnd:  req.GracePeriodEnd,
		ResetAt:         req.ResetAt.UTC(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.quotaRepo.Upsert(c.Request.Context(), s.db, limit); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, limit)
}

type pricingTierRequest struct {
	OrgID         string           `json:"org_id"`
	EventType     string           `json:"event_type"`
	TierLevel     int              `json:"tier_level"`
	MinQuantity   decimal.Decimal  `json:"min_quantity"`
	MaxQuantity   *decimal.Decimal `json:"max_quantity"`
	UnitPrice     decimal.Decimal  `json:"unit_price"`
	EffectiveFrom time.Time        `json:"effective_from"`
	EffectiveTo   *time.Time       `json:"effective_to"`
}

// CreatePricingTier adds one slice of an event type's tier schedule.
func (s *Server) CreatePricingTier(c *gin.Context) {
	var req pricingTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	orgID, err := parseSnowflake(req.OrgID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if strings.TrimSpace(req.EventType) == "" || req.TierLevel < 1 ||
		req.UnitPrice.IsNegative() || req.EffectiveFrom.IsZero() {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	now := s.clock.Now()
	tier := &pricing.PricingTier{
		ID:            s.genID.Generate(),
		OrgID:         orgID,
		EventType:     req.EventType,
		TierLevel:     req.TierLevel,
		MinQuantity:   req.MinQuantity,
		MaxQuantity:   req.MaxQuantity,
		UnitPrice:     req.UnitPrice,
		EffectiveFrom: req.EffectiveFrom.UTC(),
		EffectiveTo:   req.EffectiveTo,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.pricingRepo.Insert(c.Request.Context(), s.db, tier); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tier)
}

func valueOrZero(id *snowflake.ID) snowflake.ID {
	if id == nil {
		return 0
	}
	return *id
}

func sameScope(a, b *ratelimit.RateLimitPolicy) bool {
	if (a.APIKeyID == nil) != (b.APIKeyID == nil) {
		return false
	}
	return a.APIKeyID == nil || *a.APIKeyID == *b.APIKeyID
}
