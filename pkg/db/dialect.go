package db

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/meterline/meterline/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch cfg.StoreDriver {
	case "postgres":
		return postgres.Open(cfg.StoreURL), nil
	case "sqlite":
		dsn := cfg.StoreURL
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}
