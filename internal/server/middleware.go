package server

import (
	"context"
	"crypto/subtle"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	apikeydomain "github.com/meterline/meterline/internal/apikey/domain"
	"github.com/meterline/meterline/internal/metrics"
	"github.com/meterline/meterline/internal/orgcontext"
)

const (
	contextRequestIDKey = "request_id"

	headerRequestID = "X-Request-ID"
)

// RequestID tags every request so 5xx envelopes can quote an identifier
// that is safe to hand to support.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(headerRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(contextRequestIDKey, requestID)
		c.Header(headerRequestID, requestID)
		c.Next()
	}
}

// RequestTimeout bounds handler work with a deadline on the request context.
func RequestTimeout(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if timeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// APIKeyRequired authenticates requests with a bearer API key. Organization
// identity is derived solely from the credential.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		bearer, ok := bearerToken(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		identity, err := s.apiKeySvc.Validate(c.Request.Context(), bearer)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := c.Request.Context()
		ctx = orgcontext.WithOrgID(ctx, identity.OrgID)
		ctx = orgcontext.WithAPIKeyID(ctx, identity.KeyID)
		ctx = orgcontext.WithPermissions(ctx, identity.Permissions)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequirePermission gates a route on one credential permission. Matching is
// exact; there is no permission hierarchy.
func (s *Server) RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !apikeydomain.Has(orgcontext.PermissionsFromContext(c.Request.Context()), permission) {
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}

// RateLimit admits the request against the key's sliding windows. Requests
// with no configured policy pass through unbounded.
func (s *Server) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		orgID, ok := orgcontext.OrgIDFromContext(ctx)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		keyID, _ := orgcontext.APIKeyIDFromContext(ctx)

		policy, err := s.rateLimitRepo.FindForKey(ctx, s.db, orgID, keyID)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		// Org-wide policies share one budget across keys; key-scoped
		// policies meter the key alone.
		identifier := orgID
		if policy != nil && policy.APIKeyID != nil {
			identifier = keyID
		}

		result, err := s.limiter.Admit(ctx, identifier, policy)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if !result.Allowed {
			AbortWithError(c, &rateLimitError{Result: result})
			return
		}
		writeRateLimitHeaders(c, result)
		c.Next()
	}
}

// OperatorRequired guards scheduled and management endpoints with the
// operator secret.
func (s *Server) OperatorRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := s.cfg.CronSecret
		bearer, ok := bearerToken(c)
		if secret == "" || !ok ||
			subtle.ConstantTimeCompare([]byte(bearer), []byte(secret)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func observeDurations(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestDurations.
			WithLabelValues(route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return "", false
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return parts[1], true
}
