package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/meterline/meterline/internal/apikey/domain"
	"github.com/meterline/meterline/internal/invoice"
	"github.com/meterline/meterline/internal/ratelimit"
	"github.com/meterline/meterline/internal/subscription"
	"github.com/meterline/meterline/internal/tenant"
	"github.com/meterline/meterline/internal/usage"
)

const (
	codeUnauthorized      = "UNAUTHORIZED"
	codeForbidden         = "FORBIDDEN"
	codeInvalidRequest    = "INVALID_REQUEST"
	codeNotFound          = "NOT_FOUND"
	codeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	codeQuotaExceeded     = "QUOTA_EXCEEDED"
	codeInternalError     = "INTERNAL_ERROR"
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidRequest = errors.New("invalid_request")
)

// errorResponse is the single envelope every error path renders.
type errorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// rateLimitError carries the admission decision so the middleware can
// render the Retry-After and X-RateLimit-* headers.
type rateLimitError struct {
	Result *ratelimit.Result
}

func (e *rateLimitError) Error() string { return "rate limit exceeded" }

// ErrorHandlingMiddleware converts errors attached with c.Error into the
// JSON envelope. Handlers abort with AbortWithError and never write error
// bodies themselves.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(c, lastErr.Err)
		if status >= http.StatusInternalServerError {
			if requestID := c.GetString(contextRequestIDKey); requestID != "" {
				if payload.Details == nil {
					payload.Details = map[string]interface{}{}
				}
				payload.Details["request_id"] = requestID
			}
		}
		c.AbortWithStatusJSON(status, payload)
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(c *gin.Context, err error) (int, errorResponse) {
	var (
		rlErr    *rateLimitError
		valErr   *usage.ValidationError
		quotaErr *usage.QuotaError
	)

	switch {
	case errors.As(err, &rlErr):
		writeRateLimitHeaders(c, rlErr.Result)
		return http.StatusTooManyRequests, errorResponse{
			Error: "rate limit exceeded",
			Code:  codeRateLimitExceeded,
			Details: map[string]interface{}{
				"retry_after": int64(rlErr.Result.RetryAfter / time.Second),
				"limit":       rlErr.Result.Limit,
				"reset_at":    rlErr.Result.ResetAt.UTC().Format(time.RFC3339),
			},
		}

	case errors.As(err, &valErr):
		return http.StatusBadRequest, errorResponse{
			Error:   "invalid usage event payload",
			Code:    codeInvalidRequest,
			Details: map[string]interface{}{"fields": valErr.Fields},
		}

	case errors.As(err, &quotaErr):
		return http.StatusForbidden, errorResponse{
			Error:   "quota exceeded",
			Code:    codeQuotaExceeded,
			Details: quotaDetails(quotaErr),
		}

	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, apikeydomain.ErrInvalidCredential),
		errors.Is(err, apikeydomain.ErrRevokedCredential),
		errors.Is(err, apikeydomain.ErrExpiredCredential),
		errors.Is(err, subscription.ErrInvalidSignature):
		return http.StatusUnauthorized, errorResponse{
			Error: "unauthorized",
			Code:  codeUnauthorized,
		}

	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorResponse{
			Error: "forbidden",
			Code:  codeForbidden,
		}

	case errors.Is(err, tenant.ErrNotFound),
		errors.Is(err, invoice.ErrNotFound),
		errors.Is(err, apikeydomain.ErrNotFound):
		return http.StatusNotFound, errorResponse{
			Error: "not found",
			Code:  codeNotFound,
		}

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, usage.ErrEmptyBatch),
		errors.Is(err, usage.ErrBatchTooLarge),
		errors.Is(err, tenant.ErrInvalidTransition),
		errors.Is(err, invoice.ErrInvalidTransition),
		errors.Is(err, apikeydomain.ErrInvalidName),
		errors.Is(err, apikeydomain.ErrInvalidPermission),
		errors.Is(err, subscription.ErrInvalidPayload),
		errors.Is(err, subscription.ErrUnknownStatus):
		return http.StatusBadRequest, errorResponse{
			Error: err.Error(),
			Code:  codeInvalidRequest,
		}

	default:
		return http.StatusInternalServerError, errorResponse{
			Error: "internal server error",
			Code:  codeInternalError,
		}
	}
}

func quotaDetails(qe *usage.QuotaError) map[string]interface{} {
	list := make([]map[string]interface{}, 0, len(qe.Violations))
	for _, v := range qe.Violations {
		if v.Allowed {
			continue
		}
		tenantID := v.TenantID.String()
		if external, ok := qe.TenantExternalIDs[v.TenantID]; ok {
			tenantID = external
		}
		detail := map[string]interface{}{
			"current":          v.Current,
			"limit":            v.Limit,
			"enforcement_mode": string(v.Mode),
			"reset_at":         v.ResetAt.UTC().Format(time.RFC3339),
		}
		if v.SoftLimit != nil {
			detail["soft_limit"] = *v.SoftLimit
		}
		if v.GracePeriodEnd != nil {
			detail["grace_period_end"] = v.GracePeriodEnd.UTC().Format(time.RFC3339)
		}
		list = append(list, map[string]interface{}{
			"tenant_id":  tenantID,
			"event_type": v.EventType,
			"details":    detail,
		})
	}

	out := map[string]interface{}{"violations": list}
	if len(list) == 1 {
		// Single-pair rejections surface the detail at the top level too.
		for k, v := range list[0]["details"].(map[string]interface{}) {
			out[k] = v
		}
	}
	return out
}

func writeRateLimitHeaders(c *gin.Context, r *ratelimit.Result) {
	if r == nil || r.Unbounded {
		return
	}
	retryAfter := int64(r.RetryAfter / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
	c.Header("X-RateLimit-Limit", strconv.FormatInt(r.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(r.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(r.ResetAt.Unix(), 10))
}
