package context

import "context"

type contextKey string

const (
	requestIDKey contextKey = "observability_request_id"
	userIDKey    contextKey = "observability_user_id"
	callerKey    contextKey = "observability_caller"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil || requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey).(string)
	return value
}

// WithUserID tags the context with the account owner an operation targets.
func WithUserID(ctx context.Context, userID string) context.Context {
	if ctx == nil || userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userIDKey, userID)
}

func UserIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(userIDKey).(string)
	return value
}

// WithCaller records which trusted service issued the request.
func WithCaller(ctx context.Context, caller string) context.Context {
	if ctx == nil || caller == "" {
		return ctx
	}
	return context.WithValue(ctx, callerKey, caller)
}

func CallerFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(callerKey).(string)
	return value
}
