// Package monitoring - logger.go configures the process-wide zerolog logger
// and carries per-request identity through context.
//
// DESIGN: The core logs through zerolog's global logger; Global() points it
// at the configured output. Request ID and partition travel in context so any
// stage can emit a correlated line without threading logger values through
// every call.
package monitoring

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Context keys for request tracking.
type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	PartitionKey contextKey = "partition"
)

// Global configures the process-wide zerolog logger.
func Global(cfg LoggerConfig) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writer io.Writer
	switch cfg.Output {
	case "stdout", "":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			writer = os.Stdout
		} else {
			writer = f
		}
	}

	if cfg.Format == "console" {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05"}
	}

	log.Logger = zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

// WithRequestIDContext returns a new context with the request ID.
func WithRequestIDContext(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// RequestIDFromContext retrieves the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithPartitionContext returns a new context carrying the partition key.
func WithPartitionContext(ctx context.Context, partition string) context.Context {
	return context.WithValue(ctx, PartitionKey, partition)
}

// PartitionFromContext retrieves the partition key from context.
func PartitionFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(PartitionKey).(string); ok {
		return p
	}
	return ""
}

// FromContext returns the global logger annotated with whatever request
// identity the context carries.
func FromContext(ctx context.Context) zerolog.Logger {
	zl := log.Logger
	if id := RequestIDFromContext(ctx); id != "" {
		zl = zl.With().Str("request_id", id).Logger()
	}
	if p := PartitionFromContext(ctx); p != "" {
		zl = zl.With().Str("partition", p).Logger()
	}
	return zl
}
