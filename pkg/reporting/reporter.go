// Package reporting delivers remediation reports to an external sink.
package reporting

import (
	"context"
	"time"

	"github.com/docker/docker/api/types/container"
	"go.uber.org/zap"
)

// Operation is the remediation action a report describes.
type Operation string

const (
	OperationRestart Operation = "restart"
	OperationKill    Operation = "kill"
)

// Report describes the outcome of one restart or kill.
type Report struct {
	Operation Operation
	Message   string
	Container *container.InspectResponse
	Timestamp time.Time
}

// NewRestartReport creates a restart report stamped with the current time.
func NewRestartReport(message string, c *container.InspectResponse) Report {
	return Report{Operation: OperationRestart, Message: message, Container: c, Timestamp: time.Now().UTC()}
}

// NewKillReport creates a kill report stamped with the current time.
func NewKillReport(message string, c *container.InspectResponse) Report {
	return Report{Operation: OperationKill, Message: message, Container: c, Timestamp: time.Now().UTC()}
}

// Reporter accepts reports. Send returns once delivery was attempted and
// never surfaces delivery failures to the caller.
type Reporter interface {
	Send(ctx context.Context, report Report)
}

// Discard is a Reporter that drops every report.
var Discard Reporter = discard{}

type discard struct{}

func (discard) Send(context.Context, Report) {}

// LogReporter writes reports to a zap logger.
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter creates a reporter logging through logger.
func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger.Named("reporter")}
}

func (r *LogReporter) Send(_ context.Context, report Report) {
	r.logger.Info("Container report", reportFields(report)...)
}

func reportFields(report Report) []zap.Field {
	fields := []zap.Field{
		zap.String("operation", string(report.Operation)),
		zap.String("message", report.Message),
		zap.Time("timestamp", report.Timestamp),
	}
	s := summarize(report.Container)
	return append(fields,
		zap.String("container_id", s.ID),
		zap.String("service", s.Service),
		zap.String("container_number", s.Number),
		zap.String("image", s.Image),
		zap.String("status", s.Status),
		zap.Int("exit_code", s.ExitCode),
	)
}

// containerSummary is the flattened view of a snapshot shared by reporters.
type containerSummary struct {
	ID       string
	Image    string
	Service  string
	Number   string
	Status   string
	ExitCode int
	Health   []any
}

func summarize(c *container.InspectResponse) containerSummary {
	s := containerSummary{Service: NotSet, Number: NotSet}
	if c == nil {
		return s
	}
	if c.Config != nil {
		s.Service = ServiceName(c.Config.Labels)
		s.Number = ContainerNumber(c.Config.Labels)
	}
	if c.ContainerJSONBase == nil {
		return s
	}
	s.ID = c.ID
	s.Image = c.Image
	if c.State != nil {
		s.Status = string(c.State.Status)
		s.ExitCode = c.State.ExitCode
		if c.State.Health != nil {
			for _, entry := range c.State.Health.Log {
				s.Health = append(s.Health, entry)
			}
		}
	}
	return s
}
