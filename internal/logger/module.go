package logger

import "go.uber.org/fx"

// Module initializes the global logger from configuration
var Module = fx.Module("logger",
	fx.Invoke(InitLogger),
)
