package httpserver

import "context"

type ctxKey string

const sessionIDKey ctxKey = "rt.sessionID"

// WithSessionID stores the authenticated session id in context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromCtx fetches the session id from context.
func SessionIDFromCtx(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey).(string)
	return id, ok && id != ""
}
