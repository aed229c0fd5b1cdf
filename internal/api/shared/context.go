package shared

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// ContextKey is the type of context keys used by the API layer.
type ContextKey string

// TraceIDKey is the context key of the per-request trace ID.
const TraceIDKey ContextKey = "traceID"

// traceIDLength is the number of random bytes in a trace ID.
const traceIDLength = 16

// SetTraceID stores a fresh trace ID in the context.
func SetTraceID(ctx context.Context) context.Context {
	return context.WithValue(ctx, TraceIDKey, generateTraceID())
}

// GetTraceID returns the trace ID from the context, or "" if absent.
func GetTraceID(ctx context.Context) string {
	traceID, ok := ctx.Value(TraceIDKey).(string)
	if !ok {
		return ""
	}
	return traceID
}

func generateTraceID() string {
	b := make([]byte, traceIDLength)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is not recoverable in any useful way; an
		// empty trace ID just means log lines are uncorrelated.
		return ""
	}
	return hex.EncodeToString(b)
}
