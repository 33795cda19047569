package auth

import "context"

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal returns a context carrying the principal id.
func WithPrincipal(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, principalKey, principalID)
}

// PrincipalFromContext returns the principal id from the context, or ""
// if not set.
func PrincipalFromContext(ctx context.Context) string {
	p, _ := ctx.Value(principalKey).(string)
	return p
}
