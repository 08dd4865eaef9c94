package api

import "context"

type userKey struct{}

// ContextWithUserID attaches the acting user to ctx. An empty ID leaves ctx
// unchanged so the request stays anonymous.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}

	return context.WithValue(ctx, userKey{}, userID)
}

// UserIDFromContext returns the user attached by ContextWithUserID, or "".
func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userKey{}).(string)

	return userID
}
