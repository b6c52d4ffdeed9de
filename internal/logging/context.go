package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	castIDKey ctxKey = iota
	recordIDKey
	initiatorIDKey
)

// WithCastID returns a context with the cast ID set.
func WithCastID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, castIDKey, id)
}

// WithRecordID returns a context with the generation record ID set.
func WithRecordID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, recordIDKey, id)
}

// WithInitiatorID returns a context with the initiator ID set.
func WithInitiatorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, initiatorIDKey, id)
}

// CastID extracts the cast ID from the context, or "" if absent.
func CastID(ctx context.Context) string {
	v, _ := ctx.Value(castIDKey).(string)
	return v
}

// RecordID extracts the generation record ID from the context, or "" if absent.
func RecordID(ctx context.Context) string {
	v, _ := ctx.Value(recordIDKey).(string)
	return v
}

// InitiatorID extracts the initiator ID from the context, or "" if absent.
func InitiatorID(ctx context.Context) string {
	v, _ := ctx.Value(initiatorIDKey).(string)
	return v
}

// WithIDs sets all three correlation IDs on the context at once.
func WithIDs(ctx context.Context, castID, recordID, initiatorID string) context.Context {
	ctx = WithCastID(ctx, castID)
	ctx = WithRecordID(ctx, recordID)
	ctx = WithInitiatorID(ctx, initiatorID)
	return ctx
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := CastID(ctx); v != "" {
		r.AddAttrs(slog.String("cast_id", v))
	}
	if v := RecordID(ctx); v != "" {
		r.AddAttrs(slog.String("record_id", v))
	}
	if v := InitiatorID(ctx); v != "" {
		r.AddAttrs(slog.String("initiator_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
