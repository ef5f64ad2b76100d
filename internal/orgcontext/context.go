package orgcontext

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// OrgContextKey is the request context key for the authenticated organization.
type OrgContextKey struct{}

type permissionsKey struct{}

type apiKeyIDKey struct{}

// WithOrgID stores the org ID in the context.
func WithOrgID(ctx context.Context, orgID snowflake.ID) context.Context {
	return context.WithValue(ctx, OrgContextKey{}, orgID)
}

// OrgIDFromContext returns the org ID from context, if set.
func OrgIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}
	id, ok := ctx.Value(OrgContextKey{}).(snowflake.ID)
	if !ok || id == 0 {
		return 0, false
	}
	return id, true
}

// WithPermissions stores the credential's permission set in the context.
func WithPermissions(ctx context.Context, permissions []string) context.Context {
	return context.WithValue(ctx, permissionsKey{}, permissions)
}

// PermissionsFromContext returns the credential's permission set.
func PermissionsFromContext(ctx context.Context) []string {
	if ctx == nil {
		return nil
	}
	permissions, _ := ctx.Value(permissionsKey{}).([]string)
	return permissions
}

// WithAPIKeyID stores the authenticated key id in the context.
func WithAPIKeyID(ctx context.Context, id snowflake.ID) context.Context {
	return context.WithValue(ctx, apiKeyIDKey{}, id)
}

// APIKeyIDFromContext returns the authenticated key id, if set.
func APIKeyIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}
	id, ok := ctx.Value(apiKeyIDKey{}).(snowflake.ID)
	if !ok || id == 0 {
		return 0, false
	}
	return id, true
}
