package pricing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PricingTier prices one [MinQuantity, MaxQuantity) slice of usage for an
// event type. Tiers for one event type partition [0, inf) when sorted by
// TierLevel; a nil MaxQuantity is unbounded.
type PricingTier struct {
	ID            snowflake.ID     `gorm:"primaryKey" json:"id"`
	OrgID         snowflake.ID     `gorm:"uniqueIndex:ux_pricing_tiers_level" json:"org_id"`
	EventType     string           `gorm:"uniqueIndex:ux_pricing_tiers_level;size:100" json:"event_type"`
	TierLevel     int              `gorm:"uniqueIndex:ux_pricing_tiers_level" json:"tier_level"`
	MinQuantity   decimal.Decimal  `gorm:"type:numeric(20,6)" json:"min_quantity"`
	MaxQuantity   *decimal.Decimal `gorm:"type:numeric(20,6)" json:"max_quantity,omitempty"`
	UnitPrice     decimal.Decimal  `gorm:"type:numeric(20,6)" json:"unit_price"`
	EffectiveFrom time.Time        `gorm:"uniqueIndex:ux_pricing_tiers_level" json:"effective_from"`
	EffectiveTo   *time.Time       `json:"effective_to,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func (PricingTier) TableName() string {
	return "pricing_tiers"
}

type Repository interface {
	// FindEffective returns tiers whose [effective_from, effective_to)
	// range intersects the billing period, ordered by event type then
	// tier level.
	FindEffective(ctx context.Context, db *gorm.DB, orgID snowflake.ID, periodStart, periodEnd time.Time) ([]PricingTier, error)
	Insert(ctx context.Context, db *gorm.DB, tier *PricingTier) error
}

type repo struct{}

func ProvideRepository() Repository {
	return &repo{}
}

func (r *repo) FindEffective(ctx context.Context, db *gorm.DB, orgID snowflake.ID, periodStart, periodEnd time.Time) ([]PricingTier, error) {
	var tiers []PricingTier
	err := db.WithContext(ctx).
		Where("org_id = ? AND effective_from < ? AND (effective_to IS NULL OR effective_to > ?)",
			orgID, periodEnd, periodStart).
		Order("event_type ASC, tier_level ASC").
		Find(&tiers).Error
	return tiers, err
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, tier *PricingTier) error {
	return db.WithContext(ctx).Create(tier).Error
}
