// ABOUTME: Session context for tracking the authenticated user through HTTP handlers
// ABOUTME: Provides WithSession/FromContext for propagating the session via context

package auth

import (
	"context"
)

// sessionContextKey is the key type for storing a Session in context.Context.
type sessionContextKey struct{}

// WithSession returns a new context with the session attached.
func WithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// FromContext retrieves the session from the context.
func FromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(Session)
	return sess, ok
}
