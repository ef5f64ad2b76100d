package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/apikey"
	"github.com/meterline/meterline/internal/cache"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/invoice"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/metrics"
	"github.com/meterline/meterline/internal/migration"
	"github.com/meterline/meterline/internal/organization"
	"github.com/meterline/meterline/internal/pricing"
	"github.com/meterline/meterline/internal/quota"
	"github.com/meterline/meterline/internal/ratelimit"
	"github.com/meterline/meterline/internal/server"
	"github.com/meterline/meterline/internal/subscription"
	"github.com/meterline/meterline/internal/tenant"
	"github.com/meterline/meterline/internal/usage"
	"github.com/meterline/meterline/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		clock.Module,
		metrics.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		cache.Module,
		migration.Module,

		// Functional domains
		organization.Module,
		apikey.Module,
		ratelimit.Module,
		tenant.Module,
		quota.Module,
		pricing.Module,
		usage.Module,
		invoice.Module,
		subscription.Module,

		server.Module,
	)

	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		log.Fatalf("snowflake node: %v", err)
	}
	return node
}
