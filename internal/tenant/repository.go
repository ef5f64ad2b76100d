package tenant

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Tenant, error)
	FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]Tenant, error)
	FindByExternalIDs(ctx context.Context, db *gorm.DB, orgID snowflake.ID, externalIDs []string) ([]Tenant, error)
	// InsertIgnoreConflicts creates tenants that do not exist yet; rows losing
	// the (org_id, external_id) race are silently dropped.
	InsertIgnoreConflicts(ctx context.Context, db *gorm.DB, tenants []Tenant) error
	// ListActive pages active tenants by ascending id; pass the last seen id
	// to continue.
	ListActive(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]Tenant, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, tenant *Tenant) error
}

type repo struct{}

func ProvideRepository() Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Tenant, error) {
	var t Tenant
	err := db.WithContext(ctx).Where("org_id = ? AND id = ?", orgID, id).First(&t).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *repo) FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]Tenant, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var tenants []Tenant
	err := db.WithContext(ctx).Where("id IN ?", ids).Find(&tenants).Error
	return tenants, err
}

func (r *repo) FindByExternalIDs(ctx context.Context, db *gorm.DB, orgID snowflake.ID, externalIDs []string) ([]Tenant, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	var tenants []Tenant
	err := db.WithContext(ctx).
		Where("org_id = ? AND external_id IN ?", orgID, externalIDs).
		Find(&tenants).Error
	return tenants, err
}

func (r *repo) InsertIgnoreConflicts(ctx context.Context, db *gorm.DB, tenants []Tenant) error {
	if len(tenants) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "external_id"}},
			DoNothing: true,
		}).
		Create(&tenants).Error
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]Tenant, error) {
	var tenants []Tenant
	err := db.WithContext(ctx).
		Where("status = ? AND id > ?", StatusActive, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&tenants).Error
	return tenants, err
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, tenant *Tenant) error {
	return db.WithContext(ctx).
		Model(tenant).
		Updates(map[string]interface{}{
			"status":     tenant.Status,
			"updated_at": tenant.UpdatedAt,
		}).Error
}
