package auth

import "context"

type identityContextKey struct{}

var defaultIdentityContextKey = identityContextKey{}

// WithIdentity stores the validated identity on the request context.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, defaultIdentityContextKey, identity)
}

// IdentityFromContext returns the validated identity stored on the request
// context by the authentication middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(defaultIdentityContextKey).(*Identity)
	return identity, ok
}
