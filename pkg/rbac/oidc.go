package rbac

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/observability"
)

// DefaultGroupsClaim names the ID token claim listing the caller's groups
const DefaultGroupsClaim = "groups"

// IDTokenVerifier checks a raw ID token; *oidc.IDTokenVerifier satisfies it
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// OIDCOptions maps verified token claims onto a Principal
type OIDCOptions struct {
	// GroupsClaim defaults to "groups"
	GroupsClaim string
	// SuperuserGroup elevates members of this group when set
	SuperuserGroup string
	// Superusers elevates these subjects regardless of group
	Superusers []string
}

// NewOIDCVerifier discovers issuer and returns a verifier for tokens minted
// for clientID
func NewOIDCVerifier(ctx context.Context, issuer, clientID string) (*oidc.IDTokenVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	return provider.Verifier(&oidc.Config{ClientID: clientID}), nil
}

// OIDCPrincipal authenticates requests carrying "Authorization: Bearer" ID
// tokens. Requests without a bearer token pass through unauthenticated; a
// token that fails verification is rejected with 401.
func OIDCPrincipal(verifier IDTokenVerifier, opts OIDCOptions) func(http.Handler) http.Handler {
	if opts.GroupsClaim == "" {
		opts.GroupsClaim = DefaultGroupsClaim
	}
	elevated := make(map[string]struct{}, len(opts.Superusers))
	for _, id := range opts.Superusers {
		elevated[id] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			token, err := verifier.Verify(r.Context(), raw)
			if err != nil {
				observability.FromContext(r.Context()).WithError(err).Warn("rejected ID token")
				httputil.WriteUnauthorized(w, "invalid token")
				return
			}
			var claims map[string]interface{}
			if err := token.Claims(&claims); err != nil {
				httputil.WriteUnauthorized(w, "invalid token claims")
				return
			}

			_, super := elevated[token.Subject]
			if !super && opts.SuperuserGroup != "" {
				super = hasGroup(claims[opts.GroupsClaim], opts.SuperuserGroup)
			}
			ctx := WithPrincipal(r.Context(), Principal{ID: token.Subject, Superuser: super})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// hasGroup accepts both list and single-string group claims
func hasGroup(claim interface{}, group string) bool {
	switch v := claim.(type) {
	case string:
		return v == group
	case []interface{}:
		for _, g := range v {
			if s, ok := g.(string); ok && s == group {
				return true
			}
		}
	}
	return false
}
