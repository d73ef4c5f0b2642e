package observability

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Context keys for correlation
type contextKey string

const (
	// RunIDKey is the context key for the id of one monitoring run
	RunIDKey contextKey = "run-id"
)

// WithRunID adds a monitoring run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// GetRunID retrieves the monitoring run ID from the context
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(RunIDKey).(string); ok {
		return id
	}
	return ""
}

// GenerateRunID generates a new run ID
func GenerateRunID() string {
	return uuid.New().String()
}

// ContextLogger returns a logger with correlation IDs from context
func ContextLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := []zap.Field{}

	if runID := GetRunID(ctx); runID != "" {
		fields = append(fields, zap.String("run_id", runID))
	}

	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
