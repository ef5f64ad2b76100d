package usage

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	MaxEventTypeLen      = 100
	MaxTenantIDLen       = 100
	MaxIdempotencyKeyLen = 255
	MaxBatchSize         = 1000
)

// UsageEvent is the atom of billing. Once invoice_id is set it is never
// mutated; billed_at is non-null iff invoice_id is.
type UsageEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID      `gorm:"uniqueIndex:ux_usage_events_idem;index:ix_usage_events_org_time" json:"org_id"`
	TenantID       snowflake.ID      `gorm:"index:ix_usage_events_tenant_time" json:"tenant_id"`
	EventType      string            `gorm:"size:100;index:ix_usage_events_tenant_time" json:"event_type"`
	Quantity       decimal.Decimal   `gorm:"type:numeric(20,6)" json:"quantity"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
	Timestamp      time.Time         `gorm:"index:ix_usage_events_tenant_time;index:ix_usage_events_org_time" json:"timestamp"`
	IdempotencyKey *string           `gorm:"size:255;uniqueIndex:ux_usage_events_idem" json:"idempotency_key,omitempty"`
	InvoiceID      *snowflake.ID     `gorm:"index:ix_usage_events_invoice" json:"invoice_id,omitempty"`
	BilledAt       *time.Time        `json:"billed_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

func (UsageEvent) TableName() string {
	return "usage_events"
}

// UsageSnapshot is the daily roll-up per (tenant, date, event type),
// idempotent under replay.
type UsageSnapshot struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID         snowflake.ID    `gorm:"index:ix_usage_snapshots_org" json:"org_id"`
	TenantID      snowflake.ID    `gorm:"uniqueIndex:ux_usage_snapshots_day" json:"tenant_id"`
	Date          time.Time       `gorm:"uniqueIndex:ux_usage_snapshots_day;type:date" json:"date"`
	EventType     string          `gorm:"uniqueIndex:ux_usage_snapshots_day;size:100" json:"event_type"`
	TotalQuantity decimal.Decimal `gorm:"type:numeric(20,6)" json:"total_quantity"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (UsageSnapshot) TableName() string {
	return "usage_snapshots"
}

// EventInput is one event as submitted by the caller, after payload
// decoding but before validation.
type EventInput struct {
	TenantExternalID string
	EventType        string
	Quantity         decimal.Decimal
	Metadata         map[string]interface{}
	Timestamp        *time.Time
	IdempotencyKey   *string
}

// EventOutcome reports what happened to one input, positionally aligned
// with the submitted batch.
type EventOutcome struct {
	EventID      snowflake.ID
	Deduplicated bool
}

// FieldError pins a validation failure to one input and field.
type FieldError struct {
	Index  int    `json:"index"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError rejects a whole batch; no partial writes happen.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	return "invalid usage event payload"
}

var (
	ErrBatchTooLarge = errors.New("batch_too_large")
	ErrEmptyBatch    = errors.New("empty_batch")
)
