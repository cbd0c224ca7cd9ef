package auth

import "go.uber.org/fx"

// Module provides the authentication flow dependencies
var Module = fx.Module("auth",
	fx.Provide(
		NewFlow,
	),
)
