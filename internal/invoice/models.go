package invoice

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusOverdue   Status = "OVERDUE"
	StatusCancelled Status = "CANCELLED"
)

// CanTransition follows DRAFT -> PENDING -> {PAID | OVERDUE}; CANCELLED is
// reachable only from DRAFT or PENDING, and an OVERDUE invoice can still be
// paid.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusDraft:
		return to == StatusPending || to == StatusCancelled
	case StatusPending:
		return to == StatusPaid || to == StatusOverdue || to == StatusCancelled
	case StatusOverdue:
		return to == StatusPaid
	default:
		return false
	}
}

type Invoice struct {
	ID            snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID         snowflake.ID      `gorm:"index:ix_invoices_org" json:"org_id"`
	TenantID      snowflake.ID      `gorm:"index:ix_invoices_tenant" json:"tenant_id"`
	InvoiceNumber string            `gorm:"uniqueIndex:ux_invoices_number;size:64" json:"invoice_number"`
	PeriodStart   time.Time         `json:"period_start"`
	PeriodEnd     time.Time         `json:"period_end"`
	Status        Status            `gorm:"size:20;default:DRAFT" json:"status"`
	Subtotal      decimal.Decimal   `gorm:"type:numeric(20,6)" json:"subtotal"`
	Tax           decimal.Decimal   `gorm:"type:numeric(20,6)" json:"tax"`
	Total         decimal.Decimal   `gorm:"type:numeric(20,6)" json:"total"`
	DueDate       time.Time         `json:"due_date"`
	PaidAt        *time.Time        `json:"paid_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	LineItems     []InvoiceLineItem `gorm:"foreignKey:InvoiceID" json:"line_items"`
}

func (Invoice) TableName() string {
	return "invoices"
}

type InvoiceLineItem struct {
	ID         snowflake.ID    `gorm:"primaryKey" json:"id"`
	InvoiceID  snowflake.ID    `gorm:"index:ix_invoice_line_items_invoice" json:"invoice_id"`
	EventType  string          `gorm:"size:100" json:"event_type"`
	Quantity   decimal.Decimal `gorm:"type:numeric(20,6)" json:"quantity"`
	UnitPrice  decimal.Decimal `gorm:"type:numeric(20,6)" json:"unit_price"`
	TotalPrice decimal.Decimal `gorm:"type:numeric(20,6)" json:"total_price"`
	Breakdown  datatypes.JSON  `json:"breakdown"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (InvoiceLineItem) TableName() string {
	return "invoice_line_items"
}

// TierBreakdown is one slice of a line item's tier walk, serialized into
// the breakdown blob.
type TierBreakdown struct {
	TierLevel int             `json:"tier_level"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

var (
	ErrNotFound          = errors.New("invoice_not_found")
	ErrInvalidTransition = errors.New("invalid_invoice_transition")
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Invoice, error)
	CountByOrg(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (int64, error)
	Insert(ctx context.Context, db *gorm.DB, inv *Invoice) error
	UpdateStatus(ctx context.Context, db *gorm.DB, inv *Invoice) error
	ListPastDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Invoice, error)
}

type repo struct{}

func ProvideRepository() Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Invoice, error) {
	var inv Invoice
	err := db.WithContext(ctx).
		Preload("LineItems").
		Where("org_id = ? AND id = ?", orgID, id).
		First(&inv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &inv, nil
}

func (r *repo) CountByOrg(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&Invoice{}).Where("org_id = ?", orgID).Count(&count).Error
	return count, err
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, inv *Invoice) error {
	return db.WithContext(ctx).Create(inv).Error
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, inv *Invoice) error {
	return db.WithContext(ctx).
		Model(inv).
		Updates(map[string]interface{}{
			"status":     inv.Status,
			"paid_at":    inv.PaidAt,
			"updated_at": inv.UpdatedAt,
		}).Error
}

func (r *repo) ListPastDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Invoice, error) {
	var invoices []Invoice
	err := db.WithContext(ctx).
		Where("status = ? AND due_date < ?", StatusPending, now).
		Order("due_date ASC").
		Limit(limit).
		Find(&invoices).Error
	return invoices, err
}
