// Package auth implements the JWT validation filter. Signatures verify
// against the rotating key cache; scope mismatches answer 404 so callers
// without access cannot probe for route existence.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity carries the validated token context through the chain.
type Identity struct {
	UserID string
	Scopes []string
	Claims jwt.MapClaims
}

type identityKey struct{}

// WithIdentity returns a context carrying the identity.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity set by the JWT filter, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// Headers propagated to the upstream request. Inbound occurrences are
// stripped before the filter re-adds them from the token.
const (
	HeaderUserID        = "user-id"
	HeaderScope         = "scope"
	HeaderOverrideScope = "override-scope"
)

// BearerToken extracts the bearer token from the Authorization header.
// Returns "" when the header is absent, not a bearer scheme, or empty.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// extractScopes reads the scope claim ("scope" or "scp") in any of its three
// wire forms: a list, a comma-separated string, or a space-separated string.
func extractScopes(claims jwt.MapClaims) []string {
	var raw interface{}
	for _, name := range []string{"scope", "scp"} {
		if v, ok := claims[name]; ok {
			raw = v
			break
		}
	}
	if raw == nil {
		return nil
	}

	switch v := raw.(type) {
	case []interface{}:
		scopes := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				scopes = append(scopes, s)
			}
		}
		return scopes
	case []string:
		return v
	case string:
		sep := " "
		if strings.Contains(v, ",") {
			sep = ","
		}
		var scopes []string
		for _, s := range strings.Split(v, sep) {
			if s = strings.TrimSpace(s); s != "" {
				scopes = append(scopes, s)
			}
		}
		return scopes
	default:
		return nil
	}
}

// scopesIntersect reports whether any required scope appears in the user's
// scopes. An empty requirement always passes.
func scopesIntersect(routeScopes, userScopes []string) bool {
	if len(routeScopes) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(userScopes))
	for _, s := range userScopes {
		set[s] = struct{}{}
	}
	for _, s := range routeScopes {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}

// claimValue locates a claim case-insensitively and renders it as a string.
// Collection claims yield their first non-blank element.
func claimValue(claims jwt.MapClaims, name string) string {
	var raw interface{}
	if v, ok := claims[name]; ok {
		raw = v
	} else {
		lower := strings.ToLower(name)
		for k, v := range claims {
			if strings.ToLower(k) == lower {
				raw = v
				break
			}
		}
	}
	return stringify(raw)
}

func stringify(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case []interface{}:
		for _, e := range v {
			if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
		return ""
	case []string:
		for _, s := range v {
			if strings.TrimSpace(s) != "" {
				return s
			}
		}
		return ""
	default:
		return ""
	}
}
