package config

import "go.uber.org/fx"

// Module provides the configuration dependencies
var Module = fx.Module("config",
	fx.Provide(
		Load,
		func(cfg *Config) *LoggingConfig { return &cfg.Logging },
		func(cfg *Config) *OAuthConfig { return &cfg.OAuth },
	),
)
