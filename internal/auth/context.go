package auth

import "context"

type principalContextKey struct{}

// Principal is the authenticated identity attached to a request. It is always
// passed explicitly through context by the transport layer; the core never
// resolves an ambient "current user" from process-wide state.
type Principal struct {
	UserID   string
	TenantID string
}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	if !ok || p.UserID == "" {
		return Principal{}, false
	}
	return p, true
}
