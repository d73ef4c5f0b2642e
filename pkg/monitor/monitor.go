// Package monitor drives the engine health loop: an initial sweep of
// unhealthy containers followed by the event stream, reopened whenever it ends.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cloudless/autoheal/pkg/engine"
	"github.com/cloudless/autoheal/pkg/observability"
	"github.com/cloudless/autoheal/pkg/reporting"
	"github.com/docker/docker/api/types/container"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultReconnectDelay is the pause before reopening an ended event stream.
const DefaultReconnectDelay = 5 * time.Second

// Engine is the subset of engine.API the monitor needs.
type Engine interface {
	Ping(ctx context.Context) (string, error)
	ListContainers(ctx context.Context) ([]container.Summary, error)
	InspectContainer(ctx context.Context, id string) (*container.InspectResponse, error)
	RestartContainer(ctx context.Context, id string) (int, error)
	MonitorHealthStatus(ctx context.Context, opts engine.MonitorOptions, onReport func(engine.ActionReport)) error
}

// Config controls the monitor.
type Config struct {
	// Options is the escalation policy for the event stream.
	Options engine.MonitorOptions

	// SweepInterval enables periodic sweeps when > 0.
	SweepInterval time.Duration

	// ReconnectDelay is the pause between stream runs.
	ReconnectDelay time.Duration
}

// Monitor watches container health and remediates unhealthy containers.
//
// The event stream loop and the optional periodic sweep run concurrently.
// Both share the engine's retry tracker, so their actions on one container
// are counted together.
type Monitor struct {
	engine   Engine
	cfg      Config
	logger   *zap.Logger
	onReport func(engine.ActionReport)

	onConnected func()
}

// New creates a monitor for eng.
func New(eng Engine, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	return &Monitor{
		engine: eng,
		cfg:    cfg,
		logger: logger.Named("monitor"),
	}
}

// OnReport registers a callback invoked for every action report, after the
// monitor has recorded it.
func (m *Monitor) OnReport(fn func(engine.ActionReport)) {
	m.onReport = fn
}

// OnConnected registers a callback invoked once the initial ping succeeds.
func (m *Monitor) OnConnected(fn func()) {
	m.onConnected = fn
}

// Run pings the engine, sweeps once and then monitors until ctx is done.
// A failed ping is returned immediately. Run returns nil on cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	version, err := m.engine.Ping(ctx)
	observability.RecordEngineReachable(err == nil)
	if err != nil {
		return fmt.Errorf("engine unreachable: %w", err)
	}
	m.logger.Info("Connected to engine",
		zap.String("ping", version),
		zap.Int("restart_threshold", m.cfg.Options.RestartThreshold),
		zap.Bool("kill_on_exceed", m.cfg.Options.KillOnExceed),
		zap.Duration("sweep_interval", m.cfg.SweepInterval),
	)
	if m.onConnected != nil {
		m.onConnected()
	}

	if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("Initial sweep failed", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	if m.cfg.SweepInterval > 0 {
		g.Go(func() error {
			m.sweepLoop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		m.streamLoop(gctx)
		return nil
	})
	return g.Wait()
}

// Sweep restarts every container listed as unhealthy that carries a true
// autoheal label. It returns the number of successful restarts. Failures on
// individual containers are logged and skipped.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	summaries, err := m.engine.ListContainers(ctx)
	if err != nil {
		sweepsTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("list containers: %w", err)
	}

	restarted := 0
	for _, s := range summaries {
		if !strings.Contains(strings.ToLower(s.Status), "unhealthy") {
			continue
		}
		if ctx.Err() != nil {
			return restarted, ctx.Err()
		}

		logger := m.logger.With(zap.String("container_id", s.ID))
		snapshot, err := m.engine.InspectContainer(ctx, s.ID)
		if err != nil {
			logger.Warn("Inspecting unhealthy container failed", zap.Error(err))
			continue
		}
		if snapshot == nil || snapshot.Config == nil || !reporting.AutoHealEnabled(snapshot.Config.Labels) {
			logger.Debug("Skipping unhealthy container without autoheal label")
			continue
		}

		status, err := m.engine.RestartContainer(ctx, s.ID)
		if err != nil {
			logger.Warn("Sweep restart failed", zap.Error(err))
			continue
		}
		if status == http.StatusNoContent {
			restarted++
		}
	}

	sweepsTotal.WithLabelValues("success").Inc()
	sweepRestartsTotal.Add(float64(restarted))
	m.logger.Debug("Sweep finished", zap.Int("containers", len(summaries)), zap.Int("restarted", restarted))
	return restarted, nil
}

func (m *Monitor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("Periodic sweep failed", zap.Error(err))
			}
		}
	}
}

// streamLoop reopens the event stream until ctx is done. Each run gets its
// own run_id so its log lines can be correlated.
func (m *Monitor) streamLoop(ctx context.Context) {
	for {
		runCtx := observability.WithRunID(ctx, observability.GenerateRunID())
		logger := observability.ContextLogger(runCtx, m.logger)
		logger.Debug("Opening event stream")

		err := m.engine.MonitorHealthStatus(runCtx, m.cfg.Options, func(r engine.ActionReport) {
			m.record(logger, r)
		})
		if ctx.Err() != nil {
			logger.Info("Health monitor stopping")
			return
		}

		streamRunsTotal.WithLabelValues(runOutcome(err)).Inc()
		if err != nil {
			logger.Warn("Event stream failed", zap.Error(err), zap.Duration("retry_in", m.cfg.ReconnectDelay))
		} else {
			logger.Info("Event stream ended", zap.Duration("retry_in", m.cfg.ReconnectDelay))
		}

		select {
		case <-ctx.Done():
			logger.Info("Health monitor stopping")
			return
		case <-time.After(m.cfg.ReconnectDelay):
		}
	}
}

func (m *Monitor) record(logger *zap.Logger, r engine.ActionReport) {
	outcome := reportOutcome(r)
	reportsTotal.WithLabelValues(outcome).Inc()
	logger.Info("Unhealthy container handled",
		zap.String("container_id", r.ContainerID),
		zap.Int("retry_count", r.RetryCount),
		zap.String("outcome", outcome),
	)
	if m.onReport != nil {
		m.onReport(r)
	}
}

func reportOutcome(r engine.ActionReport) string {
	switch {
	case r.Restarted:
		return "restarted"
	case r.Killed:
		return "killed"
	default:
		return "none"
	}
}

func runOutcome(err error) string {
	switch {
	case err == nil:
		return "ended"
	case errors.Is(err, engine.ErrMalformedStatus):
		return "malformed"
	default:
		return "error"
	}
}
