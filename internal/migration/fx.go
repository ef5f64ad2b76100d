package migration

import (
	apikeydomain "github.com/meterline/meterline/internal/apikey/domain"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/invoice"
	orgdomain "github.com/meterline/meterline/internal/organization/domain"
	"github.com/meterline/meterline/internal/pricing"
	"github.com/meterline/meterline/internal/quota"
	"github.com/meterline/meterline/internal/ratelimit"
	"github.com/meterline/meterline/internal/seed"
	"github.com/meterline/meterline/internal/subscription"
	"github.com/meterline/meterline/internal/tenant"
	"github.com/meterline/meterline/internal/usage"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.StoreDriver == "sqlite" {
			// sqlite is for local runs and tests; the SQL migrations target
			// postgres, so the schema comes from the models instead.
			if err := conn.AutoMigrate(
				&orgdomain.Organization{},
				&apikeydomain.APIKey{},
				&ratelimit.RateLimitPolicy{},
				&tenant.Tenant{},
				&invoice.Invoice{},
				&invoice.InvoiceLineItem{},
				&usage.UsageEvent{},
				&usage.UsageSnapshot{},
				&quota.QuotaLimit{},
				&pricing.PricingTier{},
				&subscription.Subscription{},
			); err != nil {
				return err
			}
			return seed.EnsureMainOrg(conn)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := RunMigrations(sqlDB); err != nil {
			return err
		}
		return seed.EnsureMainOrg(conn)
	}),
)
