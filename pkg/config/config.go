// Package config loads the agent configuration from flags, environment and
// an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudless/autoheal/pkg/engine"
	"github.com/cloudless/autoheal/pkg/reporting"
	"github.com/cloudless/autoheal/pkg/resilience"
	"github.com/cloudless/autoheal/pkg/transport"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. AUTOHEAL_ENGINE_ADDRESS.
const EnvPrefix = "AUTOHEAL"

// Config holds the agent configuration
type Config struct {
	Engine      EngineConfig            `mapstructure:"engine" yaml:"engine"`
	Monitor     MonitorConfig           `mapstructure:"monitor" yaml:"monitor"`
	Retry       resilience.RetryOptions `mapstructure:"retry" yaml:"retry"`
	Reporter    ReporterConfig          `mapstructure:"reporter" yaml:"reporter"`
	MetricsAddr string                  `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	LogLevel    string                  `mapstructure:"log_level" yaml:"log_level"`
}

// EngineConfig selects and tunes the engine connection.
type EngineConfig struct {
	// Address is unix:<path>, npipe://<host>/pipe/<name>, or empty for the
	// local default.
	Address      string        `mapstructure:"address" yaml:"address"`
	APIVersion   string        `mapstructure:"api_version" yaml:"api_version"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RedirectMode string        `mapstructure:"redirect_mode" yaml:"redirect_mode"`
	MaxRedirects int           `mapstructure:"max_redirects" yaml:"max_redirects"`
}

// MonitorConfig holds the escalation policy and loop timing.
type MonitorConfig struct {
	RestartThreshold    int           `mapstructure:"restart_threshold" yaml:"restart_threshold"`
	KillUnhealthy       bool          `mapstructure:"kill_unhealthy" yaml:"kill_unhealthy"`
	SkipMalformedEvents bool          `mapstructure:"skip_malformed_events" yaml:"skip_malformed_events"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	ReconnectDelay      time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
}

// ReporterConfig configures report delivery. Reports are logged when
// WebhookURL is empty.
type ReporterConfig struct {
	WebhookURL    string                   `mapstructure:"webhook_url" yaml:"webhook_url"`
	Timeout       time.Duration            `mapstructure:"timeout" yaml:"timeout"`
	Authorization *reporting.Authorization `mapstructure:"authorization" yaml:"authorization,omitempty"`
	Headers       map[string]string        `mapstructure:"headers" yaml:"headers,omitempty"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("engine.address", "")
	v.SetDefault("engine.api_version", engine.DefaultAPIVersion)
	v.SetDefault("engine.timeout", engine.DefaultRequestTimeout)
	v.SetDefault("engine.redirect_mode", "no-downgrade")
	v.SetDefault("engine.max_redirects", transport.DefaultMaxRedirects)

	v.SetDefault("monitor.restart_threshold", 3)
	v.SetDefault("monitor.kill_unhealthy", true)
	v.SetDefault("monitor.skip_malformed_events", false)
	v.SetDefault("monitor.sweep_interval", time.Duration(0))
	v.SetDefault("monitor.reconnect_delay", 5*time.Second)

	v.SetDefault("retry.delays", resilience.DefaultDelays)

	v.SetDefault("reporter.webhook_url", "")
	v.SetDefault("reporter.timeout", reporting.DefaultWebhookTimeout)

	v.SetDefault("metrics_addr", "0.0.0.0:9090")
	v.SetDefault("log_level", "info")
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// Keys without defaults are only visible to Unmarshal once bound.
	_ = v.BindEnv("reporter.authorization.scheme")
	_ = v.BindEnv("reporter.authorization.parameter")
	return v
}

// Load reads configFile into v when set and decodes the merged settings.
// Priority: flags bound to v, environment, file, defaults.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the agent cannot run with.
func (c *Config) Validate() error {
	if _, err := transport.ParseRedirectMode(c.Engine.RedirectMode); err != nil {
		return err
	}
	if c.Engine.MaxRedirects < 0 {
		return fmt.Errorf("engine.max_redirects must not be negative")
	}
	if c.Engine.Timeout < 0 {
		return fmt.Errorf("engine.timeout must not be negative")
	}
	if c.Monitor.RestartThreshold < 0 {
		return fmt.Errorf("monitor.restart_threshold must not be negative")
	}
	if c.Monitor.SweepInterval < 0 {
		return fmt.Errorf("monitor.sweep_interval must not be negative")
	}
	if c.Monitor.ReconnectDelay < 0 {
		return fmt.Errorf("monitor.reconnect_delay must not be negative")
	}
	for i, d := range c.Retry.Delays {
		if d < 0 {
			return fmt.Errorf("retry.delays[%d] must not be negative", i)
		}
	}
	if auth := c.Reporter.Authorization; auth != nil && auth.Parameter != "" && auth.Scheme == "" {
		return errors.New("reporter.authorization.scheme is required with a parameter")
	}
	if c.LogLevel == "" {
		return errors.New("log level is required")
	}
	return nil
}

// MonitorOptions returns the escalation policy for the event stream.
func (c *Config) MonitorOptions() engine.MonitorOptions {
	return engine.MonitorOptions{
		RestartThreshold:    c.Monitor.RestartThreshold,
		KillOnExceed:        c.Monitor.KillUnhealthy,
		SkipMalformedEvents: c.Monitor.SkipMalformedEvents,
	}
}

// TransportOptions returns the transport settings for the engine resolver.
func (c *Config) TransportOptions() ([]transport.Option, error) {
	mode, err := transport.ParseRedirectMode(c.Engine.RedirectMode)
	if err != nil {
		return nil, err
	}
	return []transport.Option{
		transport.WithRedirectMode(mode),
		transport.WithMaxRedirects(c.Engine.MaxRedirects),
	}, nil
}

// Redacted returns a copy with secrets masked.
func (c *Config) Redacted() Config {
	out := *c
	if c.Reporter.WebhookURL != "" {
		out.Reporter.WebhookURL = "***"
	}
	if c.Reporter.Authorization != nil {
		auth := *c.Reporter.Authorization
		if auth.Parameter != "" {
			auth.Parameter = "***"
		}
		out.Reporter.Authorization = &auth
	}
	return out
}

// YAML renders the redacted configuration. Durations are written in
// nanoseconds, which Load accepts back.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}
