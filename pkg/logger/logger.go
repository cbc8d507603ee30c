// Package logger configures the process-wide slog handler and hands out
// component-scoped loggers.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type (
	contextKey   struct{}
	requestIDKey struct{}
)

func Setup(level string, format string) {
	SetupWriter(os.Stderr, level, format)
}

// SetupWriter installs the default logger writing to w. The CLI logs to
// stderr so query results on stdout stay machine readable.
func SetupWriter(w io.Writer, level string, format string) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithOperation tags ctx with an operation name (build, flush, consume) so
// loggers derived from it carry the tag.
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, contextKey{}, op)
}

// WithRequestID tags ctx with the ID of the HTTP request it serves.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		logger = logger.With("request_id", id)
	}
	if op, ok := ctx.Value(contextKey{}).(string); ok {
		logger = logger.With("operation", op)
	}
	return logger
}

func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// WithField returns a component logger bound to one payload field.
func WithField(component, field string) *slog.Logger {
	return WithComponent(component).With("field", field)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
