package apikey

import (
	"github.com/meterline/meterline/internal/apikey/repository"
	"github.com/meterline/meterline/internal/apikey/service"
	"go.uber.org/fx"
)

var Module = fx.Module("apikey",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
