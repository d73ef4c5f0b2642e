package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudless/autoheal/pkg/reporting"
	"github.com/cloudless/autoheal/pkg/resilience"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestLoad_Defaults tests configuration loading without a file
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "", cfg.Engine.Address)
	assert.Equal(t, "1.40", cfg.Engine.APIVersion)
	assert.Equal(t, 2*time.Minute, cfg.Engine.Timeout)
	assert.Equal(t, "no-downgrade", cfg.Engine.RedirectMode)
	assert.Equal(t, 20, cfg.Engine.MaxRedirects)

	assert.Equal(t, 3, cfg.Monitor.RestartThreshold)
	assert.True(t, cfg.Monitor.KillUnhealthy)
	assert.False(t, cfg.Monitor.SkipMalformedEvents)
	assert.Zero(t, cfg.Monitor.SweepInterval)
	assert.Equal(t, 5*time.Second, cfg.Monitor.ReconnectDelay)

	assert.Equal(t, resilience.DefaultDelays, cfg.Retry.Delays)
	assert.Equal(t, "", cfg.Reporter.WebhookURL)
	assert.Equal(t, reporting.DefaultWebhookTimeout, cfg.Reporter.Timeout)
	assert.Nil(t, cfg.Reporter.Authorization)

	assert.Equal(t, "0.0.0.0:9090", cfg.MetricsAddr)
	assert.Equal(t, "info", cfg.LogLevel)
}

// TestLoad_FromFile tests loading configuration from a YAML file
func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
engine:
  address: unix:///run/user/1000/docker.sock
  api_version: "1.43"
  timeout: 30s
  redirect_mode: none
monitor:
  restart_threshold: 1
  kill_unhealthy: false
  skip_malformed_events: true
  sweep_interval: 1m
retry:
  delays: [500ms, 1s]
reporter:
  webhook_url: services/T000/B000/XXXX
  authorization:
    scheme: Bearer
    parameter: secret-token
  headers:
    X-Team: ops
log_level: debug
`)

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "unix:///run/user/1000/docker.sock", cfg.Engine.Address)
	assert.Equal(t, "1.43", cfg.Engine.APIVersion)
	assert.Equal(t, 30*time.Second, cfg.Engine.Timeout)
	assert.Equal(t, "none", cfg.Engine.RedirectMode)
	assert.Equal(t, 20, cfg.Engine.MaxRedirects)

	opts := cfg.MonitorOptions()
	assert.Equal(t, 1, opts.RestartThreshold)
	assert.False(t, opts.KillOnExceed)
	assert.True(t, opts.SkipMalformedEvents)
	assert.Equal(t, time.Minute, cfg.Monitor.SweepInterval)

	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, cfg.Retry.Delays)
	assert.Equal(t, "services/T000/B000/XXXX", cfg.Reporter.WebhookURL)
	require.NotNil(t, cfg.Reporter.Authorization)
	assert.Equal(t, "Bearer", cfg.Reporter.Authorization.Scheme)
	assert.Equal(t, "secret-token", cfg.Reporter.Authorization.Parameter)
	// viper lowercases map keys; header names are case-insensitive.
	assert.Equal(t, "ops", cfg.Reporter.Headers["x-team"])
	assert.Equal(t, "debug", cfg.LogLevel)
}

// TestLoad_Precedence tests flags over environment over file
func TestLoad_Precedence(t *testing.T) {
	path := writeConfig(t, `
monitor:
  restart_threshold: 4
log_level: warn
metrics_addr: 127.0.0.1:9100
`)
	t.Setenv("AUTOHEAL_MONITOR_RESTART_THRESHOLD", "7")
	t.Setenv("AUTOHEAL_LOG_LEVEL", "error")
	t.Setenv("AUTOHEAL_REPORTER_AUTHORIZATION_SCHEME", "Token")

	v := New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	require.NoError(t, v.BindPFlag("log_level", flags.Lookup("log-level")))
	require.NoError(t, flags.Parse([]string{"--log-level", "debug"}))

	cfg, err := Load(v, path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Monitor.RestartThreshold, "environment overrides file")
	assert.Equal(t, "debug", cfg.LogLevel, "flag overrides environment")
	assert.Equal(t, "127.0.0.1:9100", cfg.MetricsAddr, "file overrides default")
	require.NotNil(t, cfg.Reporter.Authorization)
	assert.Equal(t, "Token", cfg.Reporter.Authorization.Scheme)
}

// TestLoad_MissingFile tests that an explicit config file must exist
func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

// TestValidate tests rejection of unusable values
func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(New(), "")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "unknown redirect mode", mutate: func(c *Config) { c.Engine.RedirectMode = "sometimes" }, wantErr: "unknown redirect mode"},
		{name: "negative max redirects", mutate: func(c *Config) { c.Engine.MaxRedirects = -1 }, wantErr: "max_redirects"},
		{name: "negative timeout", mutate: func(c *Config) { c.Engine.Timeout = -time.Second }, wantErr: "engine.timeout"},
		{name: "negative threshold", mutate: func(c *Config) { c.Monitor.RestartThreshold = -1 }, wantErr: "restart_threshold"},
		{name: "zero threshold", mutate: func(c *Config) { c.Monitor.RestartThreshold = 0 }},
		{name: "negative sweep interval", mutate: func(c *Config) { c.Monitor.SweepInterval = -time.Second }, wantErr: "sweep_interval"},
		{name: "negative reconnect delay", mutate: func(c *Config) { c.Monitor.ReconnectDelay = -time.Second }, wantErr: "reconnect_delay"},
		{name: "negative retry delay", mutate: func(c *Config) { c.Retry.Delays = []time.Duration{time.Second, -1} }, wantErr: "retry.delays[1]"},
		{name: "no retries", mutate: func(c *Config) { c.Retry.Delays = []time.Duration{} }},
		{
			name:    "authorization without scheme",
			mutate:  func(c *Config) { c.Reporter.Authorization = &reporting.Authorization{Parameter: "x"} },
			wantErr: "scheme is required",
		},
		{name: "empty log level", mutate: func(c *Config) { c.LogLevel = "" }, wantErr: "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// TestLoad_InvalidFile tests that validation runs on loaded values
func TestLoad_InvalidFile(t *testing.T) {
	path := writeConfig(t, "engine:\n  redirect_mode: sideways\n")
	_, err := Load(New(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestTransportOptions(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	opts, err := cfg.TransportOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 2)

	cfg.Engine.RedirectMode = "bogus"
	_, err = cfg.TransportOptions()
	assert.Error(t, err)
}

// TestYAML_RoundTrip tests that the rendered config loads back, secrets masked
func TestYAML_RoundTrip(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	cfg.Reporter.WebhookURL = "https://hooks.example.com/secret"
	cfg.Reporter.Authorization = &reporting.Authorization{Scheme: "Bearer", Parameter: "token"}
	cfg.Monitor.SweepInterval = 30 * time.Second

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "secret")
	assert.NotContains(t, string(out), "token")
	assert.Equal(t, "token", cfg.Reporter.Authorization.Parameter, "source config unchanged")

	loaded, err := Load(New(), writeConfig(t, string(out)))
	require.NoError(t, err)
	assert.Equal(t, "***", loaded.Reporter.WebhookURL)
	assert.Equal(t, "Bearer", loaded.Reporter.Authorization.Scheme)
	assert.Equal(t, 30*time.Second, loaded.Monitor.SweepInterval)
	assert.Equal(t, cfg.Engine, loaded.Engine)
	assert.Equal(t, cfg.Retry.Delays, loaded.Retry.Delays)
}
