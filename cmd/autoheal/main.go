package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/cloudless/autoheal/pkg/config"
	"github.com/cloudless/autoheal/pkg/engine"
	"github.com/cloudless/autoheal/pkg/monitor"
	"github.com/cloudless/autoheal/pkg/observability"
	"github.com/cloudless/autoheal/pkg/reporting"
	"github.com/cloudless/autoheal/pkg/resilience"
	"github.com/cloudless/autoheal/pkg/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCmd(config.New()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autoheal",
		Short: "Autoheal - restarts and kills unhealthy containers",
		Long: `Autoheal watches the container engine's health events, restarts containers
that turn unhealthy and kills them once the restart threshold is exceeded.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file path")
	flags.String("engine-address", "", "Engine address (unix:<path>, npipe://<host>/pipe/<name>; empty for the local default)")
	flags.String("api-version", engine.DefaultAPIVersion, "Engine API version")
	flags.Duration("engine-timeout", engine.DefaultRequestTimeout, "Timeout for non-streaming engine calls")
	flags.String("redirect-mode", "no-downgrade", "Redirect handling (none, no-downgrade, all)")
	flags.Int("restart-threshold", 3, "Unhealthy events answered with a restart before escalating")
	flags.Bool("kill-unhealthy", true, "Kill containers that exceed the restart threshold")
	flags.Bool("skip-malformed-events", false, "Skip unparseable event lines instead of reopening the stream")
	flags.Duration("sweep-interval", 0, "Interval between periodic sweeps of unhealthy containers (0 disables)")
	flags.String("webhook-url", "", "Webhook receiving restart and kill reports")
	flags.String("metrics-addr", "0.0.0.0:9090", "Metrics server bind address (empty disables)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	bindings := map[string]string{
		"engine.address":                "engine-address",
		"engine.api_version":            "api-version",
		"engine.timeout":                "engine-timeout",
		"engine.redirect_mode":          "redirect-mode",
		"monitor.restart_threshold":     "restart-threshold",
		"monitor.kill_unhealthy":        "kill-unhealthy",
		"monitor.skip_malformed_events": "skip-malformed-events",
		"monitor.sweep_interval":        "sweep-interval",
		"reporter.webhook_url":          "webhook-url",
		"metrics_addr":                  "metrics-addr",
		"log_level":                     "log-level",
		"config":                        "config",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Autoheal\n")
				fmt.Fprintf(out, "  Version:    %s\n", Version)
				fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
				fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
				fmt.Fprintf(out, "  Go Version: %s\n", runtime.Version())
				fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
			},
		},
		&cobra.Command{
			Use:   "config",
			Short: "Print the effective configuration with secrets masked",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(v, v.GetString("config"))
				if err != nil {
					return err
				}
				out, err := cfg.YAML()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Ping the engine and list unhealthy containers",
			RunE: func(cmd *cobra.Command, args []string) error {
				return check(cmd, v)
			},
		},
	)

	return rootCmd
}

// components is the wired object graph shared by run and check.
type components struct {
	resolver *transport.Resolver
	api      *engine.API
}

func build(cfg *config.Config, logger *zap.Logger) (*components, error) {
	transportOpts, err := cfg.TransportOptions()
	if err != nil {
		return nil, err
	}
	resolver := transport.NewResolver(logger, transport.WithTransportOptions(transportOpts...))

	client := engine.NewClient(resolver, cfg.Engine.Address,
		engine.WithAPIVersion(cfg.Engine.APIVersion),
		engine.WithUserAgent("autoheal/"+Version),
		engine.WithClientLogger(logger),
	)

	reporter, err := newReporter(cfg, logger)
	if err != nil {
		resolver.Close()
		return nil, err
	}

	api := engine.NewAPI(client, reporter, engine.NewRetryTracker(), logger,
		engine.WithRequestTimeout(cfg.Engine.Timeout))
	return &components{resolver: resolver, api: api}, nil
}

func newReporter(cfg *config.Config, logger *zap.Logger) (reporting.Reporter, error) {
	if cfg.Reporter.WebhookURL == "" {
		logger.Info("No webhook configured, reports are logged")
		return reporting.NewLogReporter(logger), nil
	}

	retry := resilience.NewRetryProvider(cfg.Retry, logger)
	reporter, err := reporting.NewWebhookReporter(reporting.WebhookOptions{
		URL:           cfg.Reporter.WebhookURL,
		Timeout:       cfg.Reporter.Timeout,
		Authorization: cfg.Reporter.Authorization,
		Headers:       cfg.Reporter.Headers,
	}, retry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook reporter: %w", err)
	}
	return reporter, nil
}

func run(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.Load(v, v.GetString("config"))
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting Autoheal",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
	)
	observability.RecordBuildInfo(Version, GitCommit)

	c, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.resolver.Close(); err != nil {
			logger.Warn("Error closing engine connections", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mon := monitor.New(c.api, monitor.Config{
		Options:        cfg.MonitorOptions(),
		SweepInterval:  cfg.Monitor.SweepInterval,
		ReconnectDelay: cfg.Monitor.ReconnectDelay,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		metricsServer := observability.NewMetricsServer(cfg.MetricsAddr, logger)
		mon.OnConnected(func() { metricsServer.SetReady(true) })
		g.Go(func() error {
			return metricsServer.Run(gctx)
		})
	}
	g.Go(func() error {
		return mon.Run(gctx)
	})

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("Received shutdown signal")
	}
	if err != nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

func check(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := config.Load(v, v.GetString("config"))
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	c, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer c.resolver.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	out := cmd.OutOrStdout()
	address := transport.NormalizeAddress(cfg.Engine.Address)
	ping, err := c.api.Ping(ctx)
	if err != nil {
		return fmt.Errorf("engine at %s unreachable: %w", address, err)
	}
	fmt.Fprintf(out, "Engine: %s (%s)\n", address, strings.TrimSpace(ping))

	summaries, err := c.api.ListContainers(ctx)
	if err != nil {
		return err
	}
	unhealthy := 0
	for _, s := range summaries {
		if !strings.Contains(strings.ToLower(s.Status), "unhealthy") {
			continue
		}
		unhealthy++
		name := s.ID
		if len(s.Names) > 0 {
			name = strings.TrimPrefix(s.Names[0], "/")
		}
		fmt.Fprintf(out, "  %s  %s  %s\n", name, s.Image, s.Status)
	}
	fmt.Fprintf(out, "Containers: %d, unhealthy: %d\n", len(summaries), unhealthy)
	return nil
}
