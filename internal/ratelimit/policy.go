package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// RateLimitPolicy caps request admission per organization, optionally
// narrowed to a single API key. Each granularity is independent and optional.
type RateLimitPolicy struct {
	ID                snowflake.ID  `gorm:"primaryKey" json:"id"`
	OrgID             snowflake.ID  `gorm:"index:ix_rate_limit_policies_org" json:"org_id"`
	APIKeyID          *snowflake.ID `gorm:"index:ix_rate_limit_policies_key" json:"api_key_id,omitempty"`
	RequestsPerSecond *int64        `json:"requests_per_second,omitempty"`
	RequestsPerMinute *int64        `json:"requests_per_minute,omitempty"`
	RequestsPerHour   *int64        `json:"requests_per_hour,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

func (RateLimitPolicy) TableName() string {
	return "rate_limit_policies"
}

var ErrPolicyNotFound = errors.New("rate_limit_policy_not_found")

type Repository interface {
	// FindForKey returns the effective policy for a request: a key-scoped
	// policy wins over the org-wide one. nil means no policy is configured.
	FindForKey(ctx context.Context, db *gorm.DB, orgID, keyID snowflake.ID) (*RateLimitPolicy, error)
	Upsert(ctx context.Context, db *gorm.DB, policy *RateLimitPolicy) error
}

type repo struct{}

func ProvideRepository() Repository {
	return &repo{}
}

func (r *repo) FindForKey(ctx context.Context, db *gorm.DB, orgID, keyID snowflake.ID) (*RateLimitPolicy, error) {
	var policies []RateLimitPolicy
	err := db.WithContext(ctx).
		Where("org_id = ? AND (api_key_id IS NULL OR api_key_id = ?)", orgID, keyID).
		Find(&policies).Error
	if err != nil {
		return nil, err
	}

	var orgWide *RateLimitPolicy
	for i := range policies {
		if policies[i].APIKeyID != nil {
			return &policies[i], nil
		}
		orgWide = &policies[i]
	}
	return orgWide, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, policy *RateLimitPolicy) error {
	return db.WithContext(ctx).Save(policy).Error
}
