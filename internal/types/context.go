package types

import "context"

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

const adminKey contextKey = "admin"

// WithAdmin marks the request as authenticated with the admin key.
func WithAdmin(ctx context.Context) context.Context {
	return context.WithValue(ctx, adminKey, true)
}

// IsAdmin reports whether the request came through the admin key check.
func IsAdmin(ctx context.Context) bool {
	ok, _ := ctx.Value(adminKey).(bool)
	return ok
}
