package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	apikeydomain "github.com/meterline/meterline/internal/apikey/domain"
	"github.com/meterline/meterline/internal/invoice"
	"github.com/meterline/meterline/internal/tenant"
	"go.uber.org/zap"
)

type buildSnapshotsRequest struct {
	Date string `json:"date"`
}

// BuildSnapshots rolls up one UTC day of usage into snapshot rows. With no
// date it targets yesterday, the day the nightly cron always wants.
func (s *Server) BuildSnapshots(c *gin.Context) {
	var req buildSnapshotsRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	date := s.clock.Now().UTC().AddDate(0, 0, -1)
	if strings.TrimSpace(req.Date) != "" {
		parsed, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		date = parsed
	}

	count, err := s.snapshots.BuildDaily(c.Request.Context(), date)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.log.Info("daily snapshots built",
		zap.String("date", date.UTC().Format("2006-01-02")),
		zap.Int("rows", count))

	c.JSON(http.StatusOK, gin.H{
		"date":      date.UTC().Format("2006-01-02"),
		"snapshots": count,
	})
}

type buildInvoiceRequest struct {
	TenantID    string `json:"tenant_id"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

// BuildInvoice prices one tenant's unbilled usage for a period.
func (s *Server) BuildInvoice(c *gin.Context) {
	var req buildInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	tenantID, err := parseSnowflake(req.TenantID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	periodStart, err := time.Parse("2006-01-02", req.PeriodStart)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	periodEnd, err := time.Parse("2006-01-02", req.PeriodEnd)
	if err != nil || !periodEnd.After(periodStart) {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	inv, err := s.invoiceBuilder.Build(c.Request.Context(), tenantID, periodStart, periodEnd)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, inv)
}

func (s *Server) GetInvoice(c *gin.Context) {
	orgID, invoiceID, err := operatorScope(c, c.Query("org_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	inv, err := s.invoiceSvc.Get(c.Request.Context(), orgID, invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

type invoiceStatusRequest struct {
	OrgID  string `json:"org_id"`
	Status string `json:"status"`
}

func (s *Server) UpdateInvoiceStatus(c *gin.Context) {
	var req invoiceStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	orgID, invoiceID, err := operatorScope(c, req.OrgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	inv, err := s.invoiceSvc.Transition(c.Request.Context(), orgID, invoiceID,
		invoice.Status(strings.ToUpper(strings.TrimSpace(req.Status))))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// MaterializeOverdue sweeps pending invoices past their due date.
func (s *Server) MaterializeOverdue(c *gin.Context) {
	moved, err := s.invoiceSvc.MaterializeOverdue(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"overdue": moved})
}

type tenantStatusRequest struct {
	OrgID  string `json:"org_id"`
	Status string `json:"status"`
}

func (s *Server) UpdateTenantStatus(c *gin.Context) {
	var req tenantStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	orgID, tenantID, err := operatorScope(c, req.OrgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	updated, err := s.tenantSvc.SetStatus(c.Request.Context(), orgID, tenantID,
		tenant.Status(strings.ToUpper(strings.TrimSpace(req.Status))))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

type createAPIKeyRequest struct {
	OrgID       string     `json:"org_id"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// CreateAPIKey issues a credential. The raw key appears in this response
// and nowhere else.
func (s *Server) CreateAPIKey(c *gin.Context) {
	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	orgID, err := parseSnowflake(req.OrgID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.apiKeySvc.Create(c.Request.Context(), apikeydomain.CreateRequest{
		OrgID:       orgID,
		Name:        req.Name,
		Permissions: req.Permissions,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) ListAPIKeys(c *gin.Context) {
	orgID, err := parseSnowflake(c.Query("org_id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	keys, err := s.apiKeySvc.List(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"api_keys": keys})
}

func (s *Server) RevokeAPIKey(c *gin.Context) {
	orgID, keyID, err := operatorScope(c, c.Query("org_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.apiKeySvc.Revoke(c.Request.Context(), orgID, keyID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

// operatorScope parses the org identifier plus the :id route param.
func operatorScope(c *gin.Context, rawOrgID string) (snowflake.ID, snowflake.ID, error) {
	orgID, err := parseSnowflake(rawOrgID)
	if err != nil {
		return 0, 0, ErrInvalidRequest
	}
	id, err := parseSnowflake(c.Param("id"))
	if err != nil {
		return 0, 0, ErrInvalidRequest
	}
	return orgID, id, nil
}

func parseSnowflake(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id == 0 {
		return 0, ErrInvalidRequest
	}
	return id, nil
}
