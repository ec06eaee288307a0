package config

import "go.uber.org/fx"

// Module wires application and billing policy configuration.
var Module = fx.Module("config",
	fx.Provide(
		Load,
		NewBillingConfigHolder,
	),
)
