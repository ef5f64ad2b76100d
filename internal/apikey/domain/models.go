// Package domain contains persistence models for API credentials.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
)

// APIKey stores hashed API credentials scoped to an organization. The raw
// key is returned exactly once at creation; only the SHA-256 hash and a short
// displayable prefix are persisted.
type APIKey struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	OrgID       snowflake.ID   `gorm:"column:org_id;not null;index"`
	Name        string         `gorm:"type:text;not null"`
	Prefix      string         `gorm:"type:text;not null"`
	KeyHash     string         `gorm:"column:key_hash;type:text;not null;uniqueIndex:ux_api_keys_key_hash"`
	Permissions pq.StringArray `gorm:"type:text[];not null"`
	ExpiresAt   *time.Time     `gorm:"column:expires_at"`
	RevokedAt   *time.Time     `gorm:"column:revoked_at"`
	LastUsedAt  *time.Time     `gorm:"column:last_used_at"`
	CreatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (APIKey) TableName() string { return "api_keys" }
