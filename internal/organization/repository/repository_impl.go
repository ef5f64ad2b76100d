package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	orgdomain "github.com/meterline/meterline/internal/organization/domain"
	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() orgdomain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*orgdomain.Organization, error) {
	var org orgdomain.Organization
	err := db.WithContext(ctx).Where("id = ?", id).First(&org).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &org, nil
}

func (r *repo) FindBySlug(ctx context.Context, db *gorm.DB, value string) (*orgdomain.Organization, error) {
	var org orgdomain.Organization
	err := db.WithContext(ctx).Where("slug = ?", Normalize(value)).First(&org).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &org, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, org *orgdomain.Organization) error {
	org.Slug = Normalize(org.Slug)
	if org.Slug == "" {
		return orgdomain.ErrInvalidSlug
	}
	return db.WithContext(ctx).Create(org).Error
}

// Normalize lowers and slugifies an organization slug. Invoice numbers embed
// the upper-cased form, so the stored slug must be URL and index safe.
func Normalize(value string) string {
	return slug.Make(strings.TrimSpace(value))
}
