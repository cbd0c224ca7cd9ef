package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Version information - set by GoReleaser during build
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// GetVersionInfo returns a formatted version string
func GetVersionInfo() string {
	return fmt.Sprintf("authswitch version %s, commit %s, built at %s", version, commit, date)
}

type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	OAuth   OAuthConfig   `mapstructure:"oauth"`
}

type LoggingConfig struct {
	Level             string `mapstructure:"level"`
	Format            string `mapstructure:"format"`
	Color             bool   `mapstructure:"color"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
	OutputPath        string `mapstructure:"output_path"`
	AppendToFile      bool   `mapstructure:"append_to_file"`
	DisableConsole    bool   `mapstructure:"disable_console"`
}

// OAuthConfig describes the issuer and the local callback surface of the
// authorization-code flow. Everything the flow needs is provided here at
// construction; nothing is hardcoded inside the state machine.
type OAuthConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	AuthorizeURL string   `mapstructure:"authorize_url"`
	TokenURL     string   `mapstructure:"token_url"`
	Scopes       []string `mapstructure:"scopes"`

	// PreferredPort is tried first for the callback listener; FallbackPorts
	// are tried in order when it is taken.
	PreferredPort int    `mapstructure:"preferred_port"`
	FallbackPorts []int  `mapstructure:"fallback_ports"`
	CallbackPath  string `mapstructure:"callback_path"`

	// FlowTimeout bounds the whole wait for the browser callback.
	// BindTimeout bounds each per-port listener setup attempt.
	// BrowserDelay is how long to wait after binding before opening the
	// browser; socket setup latency varies by platform, so it stays tunable.
	FlowTimeout  time.Duration `mapstructure:"flow_timeout"`
	BindTimeout  time.Duration `mapstructure:"bind_timeout"`
	BrowserDelay time.Duration `mapstructure:"browser_delay"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
}

// Ports returns the full candidate list, preferred port first.
func (c *OAuthConfig) Ports() []int {
	ports := make([]int, 0, len(c.FallbackPorts)+1)
	ports = append(ports, c.PreferredPort)
	ports = append(ports, c.FallbackPorts...)
	return ports
}

// InitFlags initializes command line flags (without parsing)
func InitFlags() {
	pflag.String("oauth.client_id", "", "OAuth client ID registered with the issuer")
	pflag.String("log-level", "", "Log level (debug|info|warn|error)")
	// Note: no pflag.Parse() here as it's called in main.go
}

func setDefaults() {
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")

	// Registering the key (even empty) lets AutomaticEnv feed it through Unmarshal
	viper.SetDefault("oauth.client_id", "")
	viper.SetDefault("oauth.authorize_url", "https://auth.openai.com/oauth/authorize")
	viper.SetDefault("oauth.token_url", "https://auth.openai.com/oauth/token")
	viper.SetDefault("oauth.scopes", []string{"openid", "profile", "email", "offline_access"})
	viper.SetDefault("oauth.preferred_port", 1455)
	viper.SetDefault("oauth.fallback_ports", []int{1456, 1457, 1458, 1459, 1460})
	viper.SetDefault("oauth.callback_path", "/auth/callback")
	viper.SetDefault("oauth.flow_timeout", 120*time.Second)
	viper.SetDefault("oauth.bind_timeout", 2*time.Second)
	viper.SetDefault("oauth.browser_delay", 500*time.Millisecond)
	viper.SetDefault("oauth.http_timeout", 15*time.Second)
}

func Load() (*Config, error) {
	viper.Reset() // Ensure clean state

	viper.SetEnvPrefix("AUTHSWITCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		return nil, err
	}

	// Load ./config.yaml first
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	viper.AddConfigPath("/etc/authswitch")

	if err := viper.ReadInConfig(); err != nil {
		// A config file is optional; every key has a default or env override
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if level := viper.GetString("log-level"); level != "" {
		config.Logging.Level = level
	}

	if config.OAuth.ClientID == "" {
		return nil, fmt.Errorf("oauth client id is required, please adjust the config or pass --oauth.client_id or AUTHSWITCH_OAUTH_CLIENT_ID environment variable")
	}

	return &config, nil
}
