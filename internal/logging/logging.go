// Package logging builds the structured logger used by every component in
// the orchestration engine, following internal/shared/logging.NewLogger
// from the teacher (JSON in production, text otherwise) plus a
// context-aware wrapping handler modeled on internal/telemetry's
// contextHandler, retargeted from the teacher's reconciler-object
// correlation IDs to this engine's rollout/migration correlation IDs.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type ctxKey string

const (
	rolloutIDKey   ctxKey = "rollout_id"
	migrationIDKey ctxKey = "migration_id"
)

// WithRolloutID returns a context that annotates every log line emitted
// through it with the given rollout ID.
func WithRolloutID(ctx context.Context, rolloutID string) context.Context {
	return context.WithValue(ctx, rolloutIDKey, rolloutID)
}

// WithMigrationID returns a context that annotates every log line emitted
// through it with the given migration's service ID.
func WithMigrationID(ctx context.Context, serviceID string) context.Context {
	return context.WithValue(ctx, migrationIDKey, serviceID)
}

type contextHandler struct {
	slog.Handler
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if rolloutID, ok := ctx.Value(rolloutIDKey).(string); ok && rolloutID != "" {
		r.AddAttrs(slog.String("rollout_id", rolloutID))
	}
	if migrationID, ok := ctx.Value(migrationIDKey).(string); ok && migrationID != "" {
		r.AddAttrs(slog.String("migration_service_id", migrationID))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// New builds a structured logger for serviceName in the given environment
// ("production" selects JSON output, anything else selects text) at level.
func New(serviceName, level, environment string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if environment == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	handler = &contextHandler{Handler: handler}

	return slog.New(handler).With(
		slog.String("service", serviceName),
		slog.String("environment", environment),
	)
}
