package auth

import (
	"context"

	"github.com/diycloud/usermgmt/internal/db/models"
)

// Principal is the authenticated caller, resolved from a bearer session.
type Principal struct {
	AccountID string
	Username  string
	Role      models.Role
	// SessionID references the session row the token resolved to.
	SessionID string
}

type principalContextKey struct{}

// SetPrincipal stores the authenticated principal on the context for downstream consumers.
func SetPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

// PrincipalFromContext retrieves the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(Principal)
	return principal, ok
}
