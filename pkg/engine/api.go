package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cloudless/autoheal/pkg/observability"
	"github.com/cloudless/autoheal/pkg/reporting"
	"github.com/docker/docker/api/types/container"
	"go.uber.org/zap"
)

// DefaultRequestTimeout bounds each non-streaming engine call.
const DefaultRequestTimeout = 2 * time.Minute

// maxEventLine caps one event stream line. Longer lines end the stream with
// bufio.ErrTooLong.
const maxEventLine = 1 << 20

// APIOption configures an API.
type APIOption func(*API)

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(timeout time.Duration) APIOption {
	return func(a *API) {
		if timeout > 0 {
			a.timeout = timeout
		}
	}
}

// API wraps the engine calls used for remediation and owns the escalation
// policy applied to the health event stream.
//
// Concurrency Safety: Restart, kill and inspect calls may run concurrently
// with MonitorHealthStatus. Per-container counts live in the RetryTracker.
type API struct {
	client   Requester
	reporter reporting.Reporter
	tracker  *RetryTracker
	logger   *zap.Logger
	timeout  time.Duration
}

// NewAPI creates an API. A nil reporter discards reports and a nil tracker is
// replaced with an empty one.
func NewAPI(client Requester, reporter reporting.Reporter, tracker *RetryTracker, logger *zap.Logger, opts ...APIOption) *API {
	if reporter == nil {
		reporter = reporting.Discard
	}
	if tracker == nil {
		tracker = NewRetryTracker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &API{
		client:   client,
		reporter: reporter,
		tracker:  tracker,
		logger:   logger.Named("engine"),
		timeout:  DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Tracker returns the retry tracker driving escalation.
func (a *API) Tracker() *RetryTracker {
	return a.tracker
}

// Ping checks that the engine is reachable. Any status other than 200 is an error.
func (a *API) Ping(ctx context.Context) (string, error) {
	status, body, err := a.client.Request(ctx, http.MethodGet, "_ping", "", nil, a.timeout)
	if err != nil {
		return "", fmt.Errorf("ping engine: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("ping engine: %w", newEngineError(status, body))
	}

	a.logger.Debug("Engine ping succeeded", zap.ByteString("response", body))
	return string(body), nil
}

// ListContainers returns all containers. An engine error yields an empty
// list; connection and decode errors are returned.
func (a *API) ListContainers(ctx context.Context) ([]container.Summary, error) {
	status, body, err := a.client.Request(ctx, http.MethodGet, "containers/json", "all=true", nil, a.timeout)
	if err != nil {
		var engErr *EngineError
		if errors.As(err, &engErr) {
			a.logger.Warn("Listing containers failed", zap.Int("status", engErr.StatusCode), zap.String("body", engErr.Body))
			return []container.Summary{}, nil
		}
		return nil, fmt.Errorf("list containers: %w", err)
	}
	if status != http.StatusOK {
		a.logger.Warn("Listing containers failed", zap.Int("status", status))
		return []container.Summary{}, nil
	}

	var summaries []container.Summary
	if err := json.Unmarshal(body, &summaries); err != nil {
		return nil, fmt.Errorf("decode container list: %w", err)
	}
	if summaries == nil {
		summaries = []container.Summary{}
	}
	return summaries, nil
}

// InspectContainer returns the container snapshot, or nil if the engine
// answers with anything but 200.
func (a *API) InspectContainer(ctx context.Context, id string) (*container.InspectResponse, error) {
	status, body, err := a.client.Request(ctx, http.MethodGet, containerPath(id, "json"), "", nil, a.timeout)
	if err != nil {
		var engErr *EngineError
		if errors.As(err, &engErr) {
			a.logAbsent(id, engErr.StatusCode, engErr.Body)
			return nil, nil
		}
		return nil, fmt.Errorf("inspect container %s: %w", id, err)
	}
	if status != http.StatusOK {
		a.logAbsent(id, status, string(body))
		return nil, nil
	}

	var c container.InspectResponse
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("decode container %s: %w", id, err)
	}
	return &c, nil
}

func (a *API) logAbsent(id string, status int, body string) {
	if status == http.StatusNotFound {
		a.logger.Info("Container not found", zap.String("container_id", id))
		return
	}
	a.logger.Warn("Inspecting container failed",
		zap.String("container_id", id),
		zap.Int("status", status),
		zap.String("body", body),
	)
}

// RestartContainer restarts id and reports the outcome. It returns 404
// without restarting when the container cannot be inspected.
func (a *API) RestartContainer(ctx context.Context, id string) (int, error) {
	return a.restart(ctx, id, fmt.Sprintf("Container: %s restarted.", id))
}

// KillContainer kills id and reports the outcome. A successful kill clears
// the container's retry count. It returns 404 without killing when the
// container cannot be inspected.
func (a *API) KillContainer(ctx context.Context, id string) (int, error) {
	snapshot, err := a.InspectContainer(ctx, id)
	if err != nil {
		return 0, err
	}
	if snapshot == nil {
		recordAction("kill", "not_found")
		return http.StatusNotFound, nil
	}

	status, body, err := a.destructive(ctx, id, "kill")
	if err != nil {
		recordAction("kill", "error")
		return 0, err
	}

	logger := observability.ContextLogger(ctx, a.logger)
	if status == http.StatusNoContent {
		a.tracker.Remove(id)
		recordAction("kill", "success")
		logger.Info("Container killed", zap.String("container_id", id))
		a.reporter.Send(ctx, reporting.NewKillReport("Container killed successfully.", snapshot))
		return status, nil
	}

	recordAction("kill", "failure")
	logger.Warn("Killing container failed",
		zap.String("container_id", id),
		zap.Int("status", status),
		zap.ByteString("body", body),
	)
	a.reporter.Send(ctx, reporting.NewKillReport(
		fmt.Sprintf("Failed to kill container. Response status: %d, body: %s", status, body), snapshot))
	return status, nil
}

func (a *API) restart(ctx context.Context, id, successMessage string) (int, error) {
	snapshot, err := a.InspectContainer(ctx, id)
	if err != nil {
		return 0, err
	}
	if snapshot == nil {
		recordAction("restart", "not_found")
		return http.StatusNotFound, nil
	}

	status, body, err := a.destructive(ctx, id, "restart")
	if err != nil {
		recordAction("restart", "error")
		return 0, err
	}

	logger := observability.ContextLogger(ctx, a.logger)
	if status == http.StatusNoContent {
		recordAction("restart", "success")
		logger.Info("Container restarted", zap.String("container_id", id), zap.String("message", successMessage))
		a.reporter.Send(ctx, reporting.NewRestartReport(successMessage, snapshot))
		return status, nil
	}

	recordAction("restart", "failure")
	logger.Warn("Restarting container failed",
		zap.String("container_id", id),
		zap.Int("status", status),
		zap.ByteString("body", body),
	)
	a.reporter.Send(ctx, reporting.NewRestartReport(
		fmt.Sprintf("Failed to restart container. Response status: %d, body: %s", status, body), snapshot))
	return status, nil
}

// destructive posts a restart or kill. Engine errors are returned as status
// and body, only transport failures as an error.
func (a *API) destructive(ctx context.Context, id, action string) (int, []byte, error) {
	status, body, err := a.client.Request(ctx, http.MethodPost, containerPath(id, action), "", nil, a.timeout)
	if err != nil {
		status, body, err = asEngineError(err)
		if err != nil {
			return 0, nil, fmt.Errorf("%s container %s: %w", action, id, err)
		}
	}
	return status, body, nil
}

// MonitorHealthStatus consumes the health event stream until it ends or ctx
// is done, applying the escalation policy to every unhealthy event and
// passing the outcome to onReport in stream order.
//
// It returns nil when the engine closes the stream and ctx.Err() on
// cancellation. A malformed line ends the run with an error unless
// opts.SkipMalformedEvents is set. The stream is never reopened.
func (a *API) MonitorHealthStatus(ctx context.Context, opts MonitorOptions, onReport func(ActionReport)) error {
	query, err := healthEventsQuery()
	if err != nil {
		return err
	}
	stream, err := a.client.RequestStream(ctx, http.MethodGet, "events", query, nil, a.timeout)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer func() {
		stop()
		stream.Close()
	}()

	observability.ContextLogger(ctx, a.logger).Info("Monitoring container health",
		zap.Int("restart_threshold", opts.RestartThreshold),
		zap.Bool("kill_on_exceed", opts.KillOnExceed),
	)

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if err := a.handleLine(ctx, line, opts, onReport); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	a.logger.Info("Event stream closed by engine")
	return nil
}

func (a *API) handleLine(ctx context.Context, line []byte, opts MonitorOptions, onReport func(ActionReport)) error {
	ev, health, err := decodeHealthEvent(line)
	if err != nil {
		malformedEventsTotal.Inc()
		if opts.SkipMalformedEvents {
			a.logger.Warn("Skipping malformed event", zap.ByteString("line", bytes.TrimSpace(line)), zap.Error(err))
			return nil
		}
		return err
	}

	health = strings.ToLower(health)
	recordHealthEvent(health)
	if health != "unhealthy" {
		return nil
	}

	report := a.escalate(ctx, ev.ContainerID(), opts)
	if onReport != nil {
		onReport(report)
	}
	return ctx.Err()
}

// escalate applies the restart-then-kill policy for one unhealthy event.
func (a *API) escalate(ctx context.Context, id string, opts MonitorOptions) ActionReport {
	count := a.tracker.Add(id)
	report := ActionReport{ContainerID: id, RetryCount: count}
	logger := observability.ContextLogger(ctx, a.logger).With(zap.String("container_id", id), zap.Int("retry_count", count))

	switch {
	case count <= opts.RestartThreshold:
		status, err := a.restart(ctx, id, fmt.Sprintf("Container restart number: %d of %d", count, opts.RestartThreshold))
		if err != nil {
			logger.Warn("Restart attempt failed", zap.Error(err))
		}
		report.Restarted = err == nil && status == http.StatusNoContent

	case !opts.KillOnExceed:
		recordAction("skip", "success")
		logger.Info("Restart threshold exceeded, kill disabled")

	default:
		status, err := a.KillContainer(ctx, id)
		if err != nil {
			logger.Warn("Kill attempt failed", zap.Error(err))
		}
		report.Killed = err == nil && status == http.StatusNoContent
	}
	return report
}

func containerPath(id, action string) string {
	return "containers/" + url.PathEscape(id) + "/" + action
}
