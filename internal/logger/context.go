package logger

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context that follows a command or
// RFID flow through handler, queue, executor and hardware layers.
type LogContext struct {
	CommandID string // queued command idempotency key, if any
	KioskID   string // kiosk the operation targets
	LockerID  int    // locker id, 0 when not locker-scoped
	Actor     string // staff user, "system", or "rfid:<uid>"
	ClientIP  string // originating client, on HTTP surfaces
}

// WithContext returns a new context carrying the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// appendContextFields appends LogContext fields to a key/value argument list
func appendContextFields(ctx context.Context, args []any) []any {
	lc := FromContext(ctx)
	if lc == nil {
		return args
	}
	if lc.CommandID != "" {
		args = append(args, KeyCommandID, lc.CommandID)
	}
	if lc.KioskID != "" {
		args = append(args, KeyKioskID, lc.KioskID)
	}
	if lc.LockerID != 0 {
		args = append(args, KeyLockerID, lc.LockerID)
	}
	if lc.Actor != "" {
		args = append(args, KeyActor, lc.Actor)
	}
	if lc.ClientIP != "" {
		args = append(args, KeyClientIP, lc.ClientIP)
	}
	return args
}
