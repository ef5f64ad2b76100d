package usage

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GroupBy selects the aggregation axis for usage queries.
type GroupBy string

const (
	GroupByEventType GroupBy = "event_type"
	GroupByTenant    GroupBy = "tenant"
	GroupByDay       GroupBy = "day"
)

type ListQuery struct {
	OrgID     snowflake.ID
	TenantID  *snowflake.ID
	EventType string
	StartDate *time.Time
	EndDate   *time.Time
	Limit     int
}

type AggregateQuery struct {
	OrgID     snowflake.ID
	TenantID  *snowflake.ID
	GroupBy   GroupBy
	StartDate time.Time
	EndDate   time.Time
}

type AggregateRow struct {
	GroupKey string          `gorm:"column:group_key" json:"group_key"`
	Total    decimal.Decimal `gorm:"column:total" json:"total"`
}

type TenantDaySum struct {
	TenantID  snowflake.ID    `gorm:"column:tenant_id"`
	EventType string          `gorm:"column:event_type"`
	Total     decimal.Decimal `gorm:"column:total"`
}

type Repository interface {
	// InsertIgnoreDuplicates writes a batch in one statement; rows losing
	// the (org_id, idempotency_key) race are dropped, keyless rows always
	// insert.
	InsertIgnoreDuplicates(ctx context.Context, db *gorm.DB, events []UsageEvent) error
	FindByIdempotencyKeys(ctx context.Context, db *gorm.DB, orgID snowflake.ID, keys []string) ([]UsageEvent, error)
	SumSince(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, eventType string, since time.Time) (decimal.Decimal, error)
	List(ctx context.Context, db *gorm.DB, q ListQuery) ([]UsageEvent, error)
	Aggregate(ctx context.Context, db *gorm.DB, q AggregateQuery) ([]AggregateRow, error)

	SumByTenantAndType(ctx context.Context, db *gorm.DB, tenantIDs []snowflake.ID, start, end time.Time) ([]TenantDaySum, error)
	SumByEventType(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, start, end time.Time) (map[string]decimal.Decimal, error)
	SumByEventTypeUnbilled(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, start, end time.Time) (map[string]decimal.Decimal, error)
	SumByEventTypeForInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (map[string]decimal.Decimal, error)
	CountBilledBetween(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, start, end time.Time) (int64, error)

	SnapshotsBetween(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, start, end time.Time) ([]UsageSnapshot, error)
	UpsertSnapshots(ctx context.Context, db *gorm.DB, snapshots []UsageSnapshot) error

	// ClaimForInvoice backlinks every unbilled event of the tenant inside
	// the period. The invoice_id IS NULL filter is the serialization point
	// that keeps concurrent builders from double-billing.
	ClaimForInvoice(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, start, end time.Time, invoiceID snowflake.ID, billedAt time.Time) (int64, error)
}

type repo struct{}

func ProvideRepository() Repository {
	return &repo{}
}

func (r *repo) InsertIgnoreDuplicates(ctx context.Context, db *gorm.DB, events []UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		}).
		CreateInBatches(events, 200).Error
}

func (r *repo) FindByIdempotencyKeys(ctx context.Context, db *gorm.DB, orgID snowflake.ID, keys []string) ([]UsageEvent, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var events []UsageEvent
	err := db.WithContext(ctx).
		Where("org_id = ? AND idempotency_key IN ?", orgID, keys).
		Find(&events).Error
	return events, err
}

func (r *repo) SumSince(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, eventType string, since time.Time) (decimal.Decimal, error) {
	var row struct {
		Total decimal.Decimal `gorm:"column:total"`
	}
	err := db.WithContext(ctx).
		Model(&UsageEvent{}).
		Select("COALESCE(SUM(quantity), 0) AS total").
		Where("tenant_id = ? AND event_type = ? AND timestamp >= ?", tenantID, eventType, since).
		Scan(&row).Error
	return row.Total, err
}

func (r *repo) List(ctx context.Context, db *gorm.DB, q ListQuery) ([]UsageEvent, error) {
	tx := db.WithContext(ctx).Where("org_id = ?", q.OrgID)
	if q.TenantID != nil {
		tx = tx.Where("tenant_id = ?", *q.TenantID)
	}
	if q.EventType != "" {
		tx = tx.Where("event_type = ?", q.EventType)
	}
	if q.StartDate != nil {
		tx = tx.Where("timestamp >= ?", *q.StartDate)
	}
	if q.EndDate != nil {
		tx = tx.Where("timestamp <= ?", *q.EndDate)
	}

	limit := q.Limit
	if limit <= 0 || limit > MaxBatchSize {
		limit = 100
	}

	var events []UsageEvent
	err := tx.Order("timestamp DESC").Limit(limit).Find(&events).Error
	return events, err
}

func (r *repo) Aggregate(ctx context.Context, db *gorm.DB, q AggregateQuery) ([]AggregateRow, error) {
	groupExpr := groupExpression(db, q.GroupBy)

	tx := db.WithContext(ctx).
		Model(&UsageEvent{}).
		Select(groupExpr+" AS group_key, COALESCE(SUM(quantity), 0) AS total").
		Where("org_id = ? AND timestamp >= ? AND timestamp <= ?", q.OrgID, q.StartDate, q.EndDate)
	if q.TenantID != nil {
		tx = tx.Where("tenant_id = ?", *q.TenantID)
	}

	var rows []AggregateRow
	err := tx.Group(groupExpr).Order("group_key ASC").Scan(&rows).Error
	return rows, err
}

func groupExpression(db *gorm.DB, groupBy GroupBy) string {
	postgres := db.Dialector.Name() == "postgres"
	switch groupBy {
	case GroupByTenant:
		return "CAST(tenant_id AS TEXT)"
	case GroupByDay:
		if postgres {
			return "to_char(timestamp, 'YYYY-MM-DD')"
		}
		return "strftime('%Y-%m-%d', timestamp)"
	default:
		return "event_type"
	}
}

func (r *repo) SumByTenantAndType(ctx context.Context, db *gorm.DB, tenantIDs []snowflake.ID, start, end time.Time) ([]TenantDaySum, error) {
	if len(tenantIDs) == 0 {
		return nil, nil
	}
	var rows []TenantDaySum
	err := db.WithContext(ctx).
		Model(&UsageEvent{}).
		Select("tenant_id, event_type, COALESCE(SUM(quantity), 0) AS total").
		Where("tenant_id IN ? AND timestamp >= ? AND timestamp < ?", tenantIDs, start, end).
		Group("tenant_id, event_type").
		Scan(&rows).Error
	return rows, err
}

func (r *repo) SumByEventType(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, start, end time.Time) (map[string]decimal.Decimal, error) {
	var rows []struct {
		EventType string          `gorm:"column:event_type"`
		Total     decimal.Decimal `gorm:"column:total"`
	}
	err := db.WithContext(ctx).
		Model(&UsageEvent{}).
		Select("event_type, COALESCE(SUM(quantity), 0) AS total").
		Where("tenant_id = ? AND timestamp >= ? AND timestamp <= ?", tenantID, start, end).
		Group("event_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		out[row.EventType] = row.Total
	}
	return out, nil
}

func (r *repo) SumByEventTypeUnbilled(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, start, end time.Time) (map[string]decimal.Decimal, error) {
	var rows []struct {
		EventType string          `gorm:"column:event_type"`
		Total     decimal.Decimal `gorm:"column:total"`
	}
	err := db.WithContext(ctx).
		Model(&UsageEvent{}).
		Select("event_type, COALESCE(SUM(quantity), 0) AS total").
		Where("tenant_id = ? AND timestamp >= ? AND timestamp <= ? AND invoice_id IS NULL", tenantID, start, end).
		Group("event_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		out[row.EventType] = row.Total
	}
	return out, nil
}

func (r *repo) CountBilledBetween(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, start, end time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&UsageEvent{}).
		Where("tenant_id = ? AND timestamp >= ? AND timestamp <= ? AND invoice_id IS NOT NULL", tenantID, start, end).
		Count(&count).Error
	return count, err
}

func (r *repo) SumByEventTypeForInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (map[string]decimal.Decimal, error) {
	var rows []struct {
		EventType string          `gorm:"column:event_type"`
		Total     decimal.Decimal `gorm:"column:total"`
	}
	err := db.WithContext(ctx).
		Model(&UsageEvent{}).
		Select("event_type, COALESCE(SUM(quantity), 0) AS total").
		Where("invoice_id = ?", invoiceID).
		Group("event_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		out[row.EventType] = row.Total
	}
	return out, nil
}

func (r *repo) SnapshotsBetween(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, start, end time.Time) ([]UsageSnapshot, error) {
	var snapshots []UsageSnapshot
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND date >= ? AND date <= ?", tenantID, start, end).
		Order("date ASC").
		Find(&snapshots).Error
	return snapshots, err
}

func (r *repo) UpsertSnapshots(ctx context.Context, db *gorm.DB, snapshots []UsageSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "date"}, {Name: "event_type"}},
			DoUpdates: clause.AssignmentColumns([]string{"total_quantity", "updated_at"}),
		}).
		Create(&snapshots).Error
}

func (r *repo) ClaimForInvoice(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, start, end time.Time, invoiceID snowflake.ID, billedAt time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&UsageEvent{}).
		Where("tenant_id = ? AND timestamp >= ? AND timestamp <= ? AND invoice_id IS NULL", tenantID, start, end).
		Updates(map[string]interface{}{
			"invoice_id": invoiceID,
			"billed_at":  billedAt,
		})
	return res.RowsAffected, res.Error
}
