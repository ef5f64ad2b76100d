// Package domain contains persistence models for organizations.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Organization is a tenant of the service itself. It owns tenants, API keys,
// rate-limit policies, pricing tiers, and invoices.
type Organization struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Name      string       `gorm:"type:text;not null"`
	Slug      string       `gorm:"type:text;not null;uniqueIndex:ux_organizations_slug"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Organization) TableName() string { return "organizations" }

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Organization, error)
	FindBySlug(ctx context.Context, db *gorm.DB, slug string) (*Organization, error)
	Insert(ctx context.Context, db *gorm.DB, org *Organization) error
}

var (
	ErrNotFound    = errors.New("organization_not_found")
	ErrInvalidSlug = errors.New("invalid_organization_slug")
)
