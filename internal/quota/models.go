package quota

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EnforcementMode string

const (
	ModeHard     EnforcementMode = "HARD"
	ModeSoft     EnforcementMode = "SOFT"
	ModeDisabled EnforcementMode = "DISABLED"
)

// QuotaLimit caps summed quantity for one (tenant, event type) pair within
// the current billing period. Absence of a row means unlimited.
type QuotaLimit struct {
	ID              snowflake.ID     `gorm:"primaryKey" json:"id"`
	TenantID        snowflake.ID     `gorm:"uniqueIndex:ux_quota_limits_pair" json:"tenant_id"`
	EventType       string           `gorm:"uniqueIndex:ux_quota_limits_pair;size:100" json:"event_type"`
	LimitValue      decimal.Decimal  `gorm:"type:numeric(20,6)" json:"limit_value"`
	SoftLimitValue  *decimal.Decimal `gorm:"type:numeric(20,6)" json:"soft_limit_value,omitempty"`
	EnforcementMode EnforcementMode  `gorm:"size:20;default:HARD" json:"enforcement_mode"`
	OverageAllowed  *decimal.Decimal `gorm:"type:numeric(20,6)" json:"overage_allowed,omitempty"`
	GracePeriodEnd  *time.Time       `json:"grace_period_end,omitempty"`
	ResetAt         time.Time        `json:"reset_at"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

func (QuotaLimit) TableName() string {
	return "quota_limits"
}

// Period names the counter window a limit is currently in. The key embeds
// it so a billing-period rollover starts a fresh counter with no sweep.
func (q *QuotaLimit) Period() string {
	return q.ResetAt.UTC().Format("2006-01")
}

type Repository interface {
	FindForPairs(ctx context.Context, db *gorm.DB, tenantIDs []snowflake.ID, eventTypes []string) ([]QuotaLimit, error)
	Upsert(ctx context.Context, db *gorm.DB, limit *QuotaLimit) error
}

type repo struct{}

func ProvideRepository() Repository {
	return &repo{}
}

func (r *repo) FindForPairs(ctx context.Context, db *gorm.DB, tenantIDs []snowflake.ID, eventTypes []string) ([]QuotaLimit, error) {
	if len(tenantIDs) == 0 || len(eventTypes) == 0 {
		return nil, nil
	}
	var limits []QuotaLimit
	err := db.WithContext(ctx).
		Where("tenant_id IN ? AND event_type IN ?", tenantIDs, eventTypes).
		Find(&limits).Error
	return limits, err
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, limit *QuotaLimit) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tenant_id"}, {Name: "event_type"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"limit_value", "soft_limit_value", "enforcement_mode",
				"overage_allowed", "grace_period_end", "reset_at", "updated_at",
			}),
		}).
		Create(limit).Error
}
