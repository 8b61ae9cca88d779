package logger

import (
	"context"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug text", "debug", "text"},
		{"info json", "info", "json"},
		{"warn text", "warn", "text"},
		{"error json", "error", "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := New(tt.level, tt.format)
			if log == nil {
				t.Fatal("New() returned nil")
			}
			if log.Logger == nil {
				t.Fatal("New() returned logger with nil slog.Logger")
			}
		})
	}
}

func TestQueryIDContext(t *testing.T) {
	ctx := context.Background()

	if got := QueryIDFromContext(ctx); got != "" {
		t.Errorf("expected empty query ID, got %q", got)
	}

	ctx = ContextWithQueryID(ctx, "q-123")
	if got := QueryIDFromContext(ctx); got != "q-123" {
		t.Errorf("expected q-123, got %q", got)
	}
}

func TestWithHelpers(t *testing.T) {
	log := New("info", "text")

	if l := log.WithIndex("logs"); l == nil || l.Logger == nil {
		t.Error("WithIndex returned invalid logger")
	}
	if l := log.WithNode("node-1"); l == nil || l.Logger == nil {
		t.Error("WithNode returned invalid logger")
	}
	if l := log.WithSplit("split-a"); l == nil || l.Logger == nil {
		t.Error("WithSplit returned invalid logger")
	}
	if l := log.WithContext(ContextWithQueryID(context.Background(), "q")); l == nil {
		t.Error("WithContext returned nil")
	}
}
