package rbac

import (
	"context"
	"net/http"
	"strings"

	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/observability"
)

// DefaultPrincipalHeader carries the principal id set by an upstream authenticator
const DefaultPrincipalHeader = "X-Principal-ID"

// WithPrincipal stores the authenticated principal in ctx
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = contextkeys.WithPrincipal(ctx, p)
	return contextkeys.WithPrincipalID(ctx, p.ID)
}

// PrincipalFromContext returns the principal stored by WithPrincipal
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextkeys.PrincipalKey).(Principal)
	if !ok || p.ID == "" {
		return Principal{}, false
	}
	return p, true
}

// TrustedHeaderPrincipal builds the principal from a header written by a
// trusted proxy. Requests without the header pass through unauthenticated.
func TrustedHeaderPrincipal(header string, superusers []string) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultPrincipalHeader
	}
	elevated := make(map[string]struct{}, len(superusers))
	for _, id := range superusers {
		elevated[id] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(header))
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, super := elevated[id]
			ctx := WithPrincipal(r.Context(), Principal{ID: id, Superuser: super})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PermissionMiddleware guards handlers with permission checks
type PermissionMiddleware struct {
	checker *PermissionChecker
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(checker *PermissionChecker) *PermissionMiddleware {
	return &PermissionMiddleware{
		checker: checker,
	}
}

// guard runs check for the request principal: 401 without one, 500 when the
// check errors and 403 when it is denied
func (pm *PermissionMiddleware) guard(check func(ctx context.Context, p Principal) (bool, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			allowed, err := check(r.Context(), p)
			if err != nil {
				observability.FromContext(r.Context()).WithError(err).Error("permission check failed")
				httputil.WriteInternalError(w, err)
				return
			}
			if !allowed {
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermission requires a single permission
func (pm *PermissionMiddleware) RequirePermission(name string) func(http.Handler) http.Handler {
	return pm.guard(func(ctx context.Context, p Principal) (bool, error) {
		return pm.checker.HasPermission(ctx, p, name)
	})
}

// RequireAnyPermission requires at least one of names
func (pm *PermissionMiddleware) RequireAnyPermission(names ...string) func(http.Handler) http.Handler {
	return pm.guard(func(ctx context.Context, p Principal) (bool, error) {
		return pm.checker.HasAnyPermission(ctx, p, names)
	})
}

// RequireAllPermissions requires every one of names
func (pm *PermissionMiddleware) RequireAllPermissions(names ...string) func(http.Handler) http.Handler {
	return pm.guard(func(ctx context.Context, p Principal) (bool, error) {
		return pm.checker.HasAllPermissions(ctx, p, names)
	})
}

// RequireRole requires a directly assigned role, matched by slug or name.
// Superusers are not exempt.
func (pm *PermissionMiddleware) RequireRole(role string) func(http.Handler) http.Handler {
	return pm.guard(func(ctx context.Context, p Principal) (bool, error) {
		return pm.checker.HasRole(ctx, p.ID, role)
	})
}

// RequireMinimumLevel requires a role level of at least minLevel
func (pm *PermissionMiddleware) RequireMinimumLevel(minLevel int) func(http.Handler) http.Handler {
	return pm.guard(func(ctx context.Context, p Principal) (bool, error) {
		return pm.checker.MeetsMinimumLevel(ctx, p, minLevel)
	})
}
