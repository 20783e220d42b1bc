package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"carebid.org/internal/auth"
	"carebid.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an append-only audit entry enriched with request and caller
// context. Every privileged mutation (cascade decision, ledger write,
// purchase transition) records one.
func LogEvent(ctx context.Context, event string, fields map[string]string) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}

	lg := obs.Logger()
	entry := lg.Info().
		Str("type", "audit").
		Str("event", event).
		Time("occurred_at", time.Now().UTC())
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry = entry.Str("request_id", rid)
	}
	if callerID, ok := auth.CallerID(ctx); ok {
		entry = entry.Str("actor_id", callerID)
	}
	for k, v := range fields {
		entry = entry.Str(k, v)
	}
	entry.Msg("audit")
	return nil
}
