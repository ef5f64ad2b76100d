package invoice

import "go.uber.org/fx"

var Module = fx.Module("invoice",
	fx.Provide(ProvideRepository),
	fx.Provide(NewBuilder),
	fx.Provide(NewService),
)
