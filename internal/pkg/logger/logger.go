// Package logger provides structured logging utilities.
package logger

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with additional context.
type Logger struct {
	*slog.Logger
}

// New creates a new logger with the specified level and format.
func New(level, format string) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithContext returns a logger carrying the query ID from the context, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if queryID := QueryIDFromContext(ctx); queryID != "" {
		return &Logger{
			Logger: l.With("query_id", queryID),
		}
	}
	return l
}

// WithIndex returns a logger with index context.
func (l *Logger) WithIndex(indexID string) *Logger {
	return &Logger{
		Logger: l.With("index_id", indexID),
	}
}

// WithNode returns a logger with node context.
func (l *Logger) WithNode(nodeID string) *Logger {
	return &Logger{
		Logger: l.With("node_id", nodeID),
	}
}

// WithSplit returns a logger with split context.
func (l *Logger) WithSplit(splitID string) *Logger {
	return &Logger{
		Logger: l.With("split_id", splitID),
	}
}

// WithError returns a logger with error context.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.With("error", err.Error()),
	}
}

type queryIDKey struct{}

// ContextWithQueryID attaches a query ID to the context so that
// WithContext-derived loggers carry it.
func ContextWithQueryID(ctx context.Context, queryID string) context.Context {
	return context.WithValue(ctx, queryIDKey{}, queryID)
}

// QueryIDFromContext returns the query ID attached to the context, if any.
func QueryIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(queryIDKey{}).(string); ok {
		return v
	}
	return ""
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

// Default returns the default logger.
func Default() *Logger {
	return New("info", "text")
}
