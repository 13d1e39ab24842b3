// ABOUTME: Authentication context for tracking the calling tenant through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// Role names carried in the roles claim.
const (
	RoleAdmin  = "admin"
	RoleOwner  = "owner"
	RoleMember = "member"
)

// AuthContext holds the authenticated identity extracted from a request.
// This is populated by the HTTP middleware and read by handlers.
type AuthContext struct {
	TenantID string   // tenant the caller acts for (the token's sub claim)
	Subject  string   // who the caller is; equals TenantID for tenant tokens
	Roles    []string // roles granted by the token
	Dev      bool     // identified by header rather than a verified token
}

// IsAdmin returns true if the caller has admin or owner role.
func (a *AuthContext) IsAdmin() bool {
	for _, r := range a.Roles {
		if r == RoleAdmin || r == RoleOwner {
			return true
		}
	}
	return false
}

// Actor is the name recorded in audit entries for this caller.
func (a *AuthContext) Actor() string {
	if a.Subject != "" {
		return a.Subject
	}
	return "tenant:" + a.TenantID
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}

// ActorFromContext returns the audit actor for ctx, or "" when unauthenticated.
func ActorFromContext(ctx context.Context) string {
	if a := FromContext(ctx); a != nil {
		return a.Actor()
	}
	return ""
}
