package quota

import "go.uber.org/fx"

var Module = fx.Module("quota",
	fx.Provide(ProvideRepository),
	fx.Provide(NewEngine),
)
