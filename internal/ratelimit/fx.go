package ratelimit

import (
	"github.com/meterline/meterline/internal/cache"
	"go.uber.org/fx"
)

var Module = fx.Module("ratelimit",
	fx.Provide(ProvideRepository),
	fx.Provide(func(c *cache.Cache) BucketStore {
		return NewRedisStore(c)
	}),
	fx.Provide(NewLimiter),
)
