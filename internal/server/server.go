package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	apikeydomain "github.com/meterline/meterline/internal/apikey/domain"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/invoice"
	"github.com/meterline/meterline/internal/metrics"
	"github.com/meterline/meterline/internal/pricing"
	"github.com/meterline/meterline/internal/quota"
	"github.com/meterline/meterline/internal/ratelimit"
	"github.com/meterline/meterline/internal/subscription"
	"github.com/meterline/meterline/internal/tenant"
	"github.com/meterline/meterline/internal/usage"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	db             *gorm.DB
	log            *zap.Logger
	clock          clock.Clock
	metrics        *metrics.Metrics
	genID          *snowflake.Node
	apiKeySvc      apikeydomain.Service
	rateLimitRepo  ratelimit.Repository
	limiter        *ratelimit.Limiter
	quotaRepo      quota.Repository
	pricingRepo    pricing.Repository
	usageSvc       usage.Service
	snapshots      *usage.SnapshotBuilder
	tenantSvc      tenant.Service
	invoiceBuilder *invoice.Builder
	invoiceSvc     invoice.Service
	webhookSvc     *subscription.WebhookService
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	DB             *gorm.DB
	Log            *zap.Logger
	Clock          clock.Clock
	Metrics        *metrics.Metrics `optional:"true"`
	GenID          *snowflake.Node
	APIKeySvc      apikeydomain.Service
	RateLimitRepo  ratelimit.Repository
	Limiter        *ratelimit.Limiter
	QuotaRepo      quota.Repository
	PricingRepo    pricing.Repository
	UsageSvc       usage.Service
	Snapshots      *usage.SnapshotBuilder
	TenantSvc      tenant.Service
	InvoiceBuilder *invoice.Builder
	InvoiceSvc     invoice.Service
	WebhookSvc     *subscription.WebhookService
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		db:             p.DB,
		log:            p.Log.Named("server"),
		clock:          p.Clock,
		metrics:        p.Metrics,
		genID:          p.GenID,
		apiKeySvc:      p.APIKeySvc,
		rateLimitRepo:  p.RateLimitRepo,
		limiter:        p.Limiter,
		quotaRepo:      p.QuotaRepo,
		pricingRepo:    p.PricingRepo,
		usageSvc:       p.UsageSvc,
		snapshots:      p.Snapshots,
		tenantSvc:      p.TenantSvc,
		invoiceBuilder: p.InvoiceBuilder,
		invoiceSvc:     p.InvoiceSvc,
		webhookSvc:     p.WebhookSvc,
	}

	s.registerAPIRoutes()
	s.registerInternalRoutes()
	s.registerWebhookRoutes()

	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1",
		RequestTimeout(s.cfg.RequestTimeout),
		s.APIKeyRequired(),
		s.RateLimit(),
	)

	api.POST("/events", s.RequirePermission(apikeydomain.PermissionEventsWrite), s.IngestEvents)
	api.GET("/events", s.RequirePermission(apikeydomain.PermissionUsageRead), s.ListEvents)
	api.GET("/usage", s.RequirePermission(apikeydomain.PermissionUsageRead), s.GetUsage)
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal", s.OperatorRequired())

	internal.POST("/snapshots", s.BuildSnapshots)

	internal.POST("/invoices", s.BuildInvoice)
	internal.GET("/invoices/:id", s.GetInvoice)
	internal.POST("/invoices/:id/status", s.UpdateInvoiceStatus)
	internal.POST("/invoices/overdue", s.MaterializeOverdue)

	internal.PATCH("/tenants/:id/status", s.UpdateTenantStatus)

	internal.POST("/api-keys", s.CreateAPIKey)
	internal.GET("/api-keys", s.ListAPIKeys)
	internal.DELETE("/api-keys/:id", s.RevokeAPIKey)

	internal.PUT("/rate-limits", s.UpsertRateLimitPolicy)
	internal.PUT("/quotas", s.UpsertQuotaLimit)
	internal.POST("/pricing-tiers", s.CreatePricingTier)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/psp", s.HandlePSPWebhook)
}

type EngineParams struct {
	fx.In

	Cfg     config.Config
	Metrics *metrics.Metrics `optional:"true"`
}

func NewEngine(p EngineParams) *gin.Engine {
	if p.Cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	if p.Metrics != nil {
		r.Use(observeDurations(p.Metrics))
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.ListenAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)
