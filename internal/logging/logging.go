// Package logging builds the process logger and carries per-request
// correlation ids through context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

type ctxKey struct{}

// New returns a logger writing to w at the given level ("debug", "info",
// "warn", "error") in "json" or text format.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithCorrelationID stores id in ctx. An empty id is replaced by a new UUID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// CorrelationID returns the id stored in ctx, if any.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// FromContext returns base annotated with the context's correlation id.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if id := CorrelationID(ctx); id != "" {
		return base.With("correlation_id", id)
	}
	return base
}
