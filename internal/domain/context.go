package domain

import "context"

type ctxKey string

const (
	sessionCtxKey ctxKey = "session_id"
	clientCtxKey  ctxKey = "client_name"
)

// ContextWithSessionID returns a new context carrying the UI session ID (ULID).
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionCtxKey, sessionID)
}

// SessionIDFromContext extracts the session ID from the context.
// Returns empty string if not set.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithClientName records the authenticated gateway client name.
func ContextWithClientName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, clientCtxKey, name)
}

// ClientNameFromContext returns the gateway client name, or "".
func ClientNameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientCtxKey).(string); ok {
		return v
	}
	return ""
}
