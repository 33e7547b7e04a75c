// Package auth verifies identity tokens issued by the external identity
// provider and exposes the resulting user id through the request context.
//
// Identity is an external concern: tokens arrive already attached to a user,
// and the user id inside a verified token is treated as opaque and trusted.
package auth

import "context"

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// userIDContextKey is the key used to store the authenticated user id.
	userIDContextKey contextKey = "user_id"
)

// UserID retrieves the authenticated user id from the context.
//
// Returns the empty string if no user is authenticated.
func UserID(ctx context.Context) string {
	id, ok := ctx.Value(userIDContextKey).(string)
	if !ok {
		return ""
	}
	return id
}

// WithUserID stores a user id in the context.
//
// This is typically called by authentication middleware after verifying an
// identity token.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
