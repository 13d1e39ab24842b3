// Package auth identifies the tenant behind each internal API request.
//
// # Authentication Methods
//
//   - JWT Tokens: HS256 tokens signed with auth.jwt_secret. The "sub" claim
//     is the tenant id and an optional "roles" claim grants extra rights
//     (admin/owner unlock the /api/admin routes). Tokens are minted with
//     `wa-gateway token`.
//
//   - Tenant header (development): when no secret is configured the tenant is
//     read from the correlation header (X-Tenant-ID by default) with no
//     verification. Such callers are marked Dev and treated as admins.
//
// # Context
//
// Both middlewares attach an *AuthContext to the request context:
//
//	authCtx := auth.FromContext(r.Context())
//	tenantID := authCtx.TenantID
//
// ActorFromContext gives the name recorded in audit entries.
package auth
