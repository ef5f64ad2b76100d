package organization

import (
	"github.com/meterline/meterline/internal/organization/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("organization",
	fx.Provide(repository.Provide),
)
