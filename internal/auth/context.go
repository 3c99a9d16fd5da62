package auth

import "context"

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// ctxKeyPrincipal is the context key for the resolved principal.
const ctxKeyPrincipal contextKey = "principal"

// WithPrincipal returns a context carrying the resolved principal.
// The principal travels the full call chain explicitly; no package holds
// ambient caller state.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, p)
}

// PrincipalFrom extracts the principal from the context.
// Returns nil, false when no principal is attached (unauthenticated path).
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKeyPrincipal).(*Principal)
	return p, ok && p != nil
}
