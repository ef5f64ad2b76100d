package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	PermissionEventsWrite = "events:write"
	PermissionUsageRead   = "usage:read"

	// KeyPrefix is the issued brand prefix; bearers without it are rejected
	// before any store lookup.
	KeyPrefix = "ml_live_"
)

// Identity is the result of a successful credential validation.
type Identity struct {
	OrgID       snowflake.ID
	KeyID       snowflake.ID
	Permissions []string
}

type Service interface {
	// Validate resolves a bearer credential to an organization and permission
	// set. On success a best-effort last_used_at update is scheduled; it never
	// blocks the request.
	Validate(ctx context.Context, bearer string) (*Identity, error)

	Create(ctx context.Context, req CreateRequest) (*SecretResponse, error)
	List(ctx context.Context, orgID snowflake.ID) ([]Response, error)
	Revoke(ctx context.Context, orgID, keyID snowflake.ID) error
}

type CreateRequest struct {
	OrgID       snowflake.ID `json:"-"`
	Name        string       `json:"name"`
	Permissions []string     `json:"permissions"`
	ExpiresAt   *time.Time   `json:"expires_at"`
}

type Response struct {
	ID          snowflake.ID `json:"id"`
	Name        string       `json:"name"`
	Prefix      string       `json:"prefix"`
	Permissions []string     `json:"permissions"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	RevokedAt   *time.Time   `json:"revoked_at,omitempty"`
	LastUsedAt  *time.Time   `json:"last_used_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// SecretResponse carries the raw key. It is produced exactly once.
type SecretResponse struct {
	ID     snowflake.ID `json:"id"`
	Prefix string       `json:"prefix"`
	APIKey string       `json:"api_key"`
}

var (
	ErrInvalidCredential = errors.New("invalid_credential")
	ErrRevokedCredential = errors.New("revoked_credential")
	ErrExpiredCredential = errors.New("expired_credential")
	ErrInvalidName       = errors.New("invalid_name")
	ErrInvalidPermission = errors.New("invalid_permission")
	ErrNotFound          = errors.New("api_key_not_found")
)

// Has reports whether the permission set contains required. Matching is
// case-sensitive with no hierarchy.
func Has(set []string, required string) bool {
	for _, p := range set {
		if p == required {
			return true
		}
	}
	return false
}
