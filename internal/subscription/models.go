package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusCanceled Status = "CANCELED"
	StatusPastDue  Status = "PAST_DUE"
	StatusTrialing Status = "TRIALING"
	StatusUnpaid   Status = "UNPAID"
)

func ValidStatus(s Status) bool {
	switch s {
	case StatusActive, StatusCanceled, StatusPastDue, StatusTrialing, StatusUnpaid:
		return true
	}
	return false
}

// Subscription mirrors the payment provider's view of a tenant's plan.
// Rows are keyed by the provider's subscription id and updated from
// webhook deliveries.
type Subscription struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID         snowflake.ID `gorm:"index:ix_subscriptions_org" json:"org_id"`
	TenantID      snowflake.ID `gorm:"index:ix_subscriptions_tenant" json:"tenant_id"`
	ProviderSubID string       `gorm:"uniqueIndex:ux_subscriptions_provider;size:255" json:"provider_subscription_id"`
	Status        Status       `gorm:"size:20" json:"status"`
	CanceledAt    *time.Time   `json:"canceled_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

var (
	ErrInvalidSignature = errors.New("invalid_webhook_signature")
	ErrInvalidPayload   = errors.New("invalid_webhook_payload")
	ErrEventIgnored     = errors.New("webhook_event_ignored")
	ErrUnknownStatus    = errors.New("unknown_subscription_status")
)

type Repository interface {
	FindByProviderID(ctx context.Context, db *gorm.DB, providerSubID string) (*Subscription, error)
	Upsert(ctx context.Context, db *gorm.DB, sub *Subscription) error
}

type repo struct{}

func ProvideRepository() Repository {
	return &repo{}
}

func (r *repo) FindByProviderID(ctx context.Context, db *gorm.DB, providerSubID string) (*Subscription, error) {
	var sub Subscription
	err := db.WithContext(ctx).Where("provider_sub_id = ?", providerSubID).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, sub *Subscription) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "provider_sub_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "canceled_at", "updated_at",
			}),
		}).
		Create(sub).Error
}
