package tenant

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
	StatusDeleted   Status = "DELETED"
)

// Tenant is an organization's customer, created lazily on first event and
// never hard-deleted.
type Tenant struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID      snowflake.ID `gorm:"uniqueIndex:ux_tenants_org_external" json:"org_id"`
	ExternalID string       `gorm:"uniqueIndex:ux_tenants_org_external;size:100" json:"external_id"`
	Name       string       `gorm:"size:255" json:"name"`
	Status     Status       `gorm:"size:20;default:ACTIVE" json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

func (Tenant) TableName() string {
	return "tenants"
}

var (
	ErrNotFound          = errors.New("tenant_not_found")
	ErrInvalidTransition = errors.New("invalid_tenant_transition")
)

// CanTransition enforces the lifecycle: ACTIVE and SUSPENDED flip freely,
// DELETED is terminal.
func (s Status) CanTransition(to Status) bool {
	if s == StatusDeleted || s == to {
		return false
	}
	switch to {
	case StatusActive, StatusSuspended, StatusDeleted:
		return true
	}
	return false
}
