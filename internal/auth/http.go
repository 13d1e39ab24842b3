// ABOUTME: HTTP middleware for tenant authentication on API endpoints
// ABOUTME: Verifies bearer JWTs, or trusts a tenant header in development mode

package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeAuthError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func logFailure(logger *slog.Logger, r *http.Request, reason string, err error) {
	if logger == nil {
		return
	}
	attrs := []any{"reason", reason, "path", r.URL.Path, "remote_addr", r.RemoteAddr}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	logger.Warn("http auth failure", attrs...)
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates JWT tokens
// and attaches the caller's AuthContext to the request context.
func HTTPAuthMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				logFailure(logger, r, "token_extraction_failed", nil)
				writeAuthError(w, errMsg, http.StatusUnauthorized)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				logFailure(logger, r, "token_invalid", err)
				writeAuthError(w, "invalid token", http.StatusUnauthorized)
				return
			}

			authCtx := &AuthContext{
				TenantID: claims.TenantID,
				Subject:  "tenant:" + claims.TenantID,
				Roles:    claims.Roles,
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// HeaderTenantMiddleware identifies the tenant from a request header without
// any verification. It is only installed when no JWT secret is configured.
func HeaderTenantMiddleware(header string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := strings.TrimSpace(r.Header.Get(header))
			if tenantID == "" {
				logFailure(logger, r, "tenant_header_missing", nil)
				writeAuthError(w, "missing "+strings.ToLower(header)+" header", http.StatusUnauthorized)
				return
			}
			authCtx := &AuthContext{
				TenantID: tenantID,
				Subject:  "tenant:" + tenantID,
				Roles:    []string{RoleAdmin},
				Dev:      true,
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireAdminHTTP creates an HTTP middleware that requires admin or owner role.
// Must be used after HTTPAuthMiddleware.
func RequireAdminHTTP(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				logFailure(logger, r, "not_authenticated", nil)
				writeAuthError(w, "not authenticated", http.StatusUnauthorized)
				return
			}

			if !authCtx.IsAdmin() {
				logFailure(logger, r, "not_admin", nil)
				writeAuthError(w, "admin role required", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
