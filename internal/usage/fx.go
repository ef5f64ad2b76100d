package usage

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/quota"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// sumReader adapts the event repository to the quota engine's store
// fallback without a package cycle.
type sumReader struct {
	db   *gorm.DB
	repo Repository
}

func (r *sumReader) SumSince(ctx context.Context, tenantID snowflake.ID, eventType string, since time.Time) (decimal.Decimal, error) {
	return r.repo.SumSince(ctx, r.db, tenantID, eventType, since)
}

var Module = fx.Module("usage",
	fx.Provide(ProvideRepository),
	fx.Provide(func(db *gorm.DB, repo Repository) quota.UsageReader {
		return &sumReader{db: db, repo: repo}
	}),
	fx.Provide(New),
	fx.Provide(NewSnapshotBuilder),
)
