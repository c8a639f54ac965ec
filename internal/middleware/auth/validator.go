package auth

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wudi/fabric/internal/config"
	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/keycache"
	"github.com/wudi/fabric/internal/logging"
	"github.com/wudi/fabric/internal/middleware"
	"go.uber.org/zap"
)

// Validator validates bearer tokens against the key cache and enforces the
// configured header claim rules.
type Validator struct {
	keys         *keycache.Cache
	userIDField  string
	headerClaims []headerClaimRule
	logger       *zap.Logger
}

type headerClaimRule struct {
	header   string
	re       *regexp.Regexp
	required bool
}

// NewValidator compiles the JWT configuration. Header claim regexes are
// anchored so a match must cover the entire claim value.
func NewValidator(cfg config.JWTConfig, keys *keycache.Cache) (*Validator, error) {
	v := &Validator{
		keys:        keys,
		userIDField: cfg.UserIDField,
		logger:      logging.Named("jwt"),
	}
	if v.userIDField == "" {
		v.userIDField = "sub"
	}

	names := make([]string, 0, len(cfg.HeaderClaims))
	for name := range cfg.HeaderClaims {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rule := cfg.HeaderClaims[name]
		re, err := regexp.Compile("^(?:" + rule.Regex + ")$")
		if err != nil {
			return nil, fmt.Errorf("header claim %q: %w", name, err)
		}
		v.headerClaims = append(v.headerClaims, headerClaimRule{
			header:   name,
			re:       re,
			required: rule.Required,
		})
	}
	return v, nil
}

// keyFunc resolves the verification key by the token's kid header and pins
// the algorithm recorded for that key.
func (v *Validator) keyFunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("token has no kid header")
	}
	rec, ok := v.keys.Lookup(kid)
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	if token.Method.Alg() != rec.Algorithm {
		return nil, fmt.Errorf("token algorithm %q does not match key %q", token.Method.Alg(), kid)
	}
	return rec.Key, nil
}

// Validate parses and verifies a raw token, returning the identity.
// exp and nbf are enforced with zero leeway.
func (v *Validator) Validate(raw string) (*Identity, *errors.GatewayError) {
	token, err := jwt.Parse(raw, v.keyFunc,
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, errors.ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.ErrInvalidToken
	}

	id := &Identity{
		UserID: claimValue(claims, v.userIDField),
		Scopes: extractScopes(claims),
		Claims: claims,
	}
	return id, nil
}

// Middleware builds the JWT filter for a route with the given scope set.
func (v *Validator) Middleware(routeScopes []string) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := BearerToken(r)
			if raw == "" {
				errors.ErrInvalidToken.WriteJSON(w)
				return
			}

			id, gerr := v.Validate(raw)
			if gerr != nil {
				gerr.WriteJSON(w)
				return
			}

			if !scopesIntersect(routeScopes, id.Scopes) {
				// Deliberate 404: do not reveal the route to callers
				// lacking its scopes.
				errors.ErrRequestNotFound.WriteJSON(w)
				return
			}

			if gerr := v.applyHeaderClaims(r, id.Claims); gerr != nil {
				gerr.WriteJSON(w)
				return
			}

			v.propagate(r, id, routeScopes)
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// applyHeaderClaims checks each configured claim rule and propagates required
// claims as headers on the upstream request.
func (v *Validator) applyHeaderClaims(r *http.Request, claims jwt.MapClaims) *errors.GatewayError {
	for _, rule := range v.headerClaims {
		value := claimValue(claims, rule.header)
		if strings.TrimSpace(value) == "" {
			if rule.required {
				v.logger.Debug("required claim missing", zap.String("claim", rule.header))
				return errors.ErrInvalidToken
			}
			continue
		}
		if !rule.re.MatchString(value) {
			v.logger.Debug("claim failed validation", zap.String("claim", rule.header))
			return errors.ErrInvalidToken
		}
		if rule.required {
			r.Header.Set(rule.header, value)
		}
	}
	return nil
}

// propagate sets the identity headers forwarded downstream, replacing any
// inbound values a client may have supplied.
func (v *Validator) propagate(r *http.Request, id *Identity, routeScopes []string) {
	r.Header.Del(HeaderUserID)
	r.Header.Del(HeaderScope)
	r.Header.Del(HeaderOverrideScope)

	if id.UserID != "" {
		r.Header.Set(HeaderUserID, id.UserID)
	}
	if len(id.Scopes) > 0 {
		r.Header.Set(HeaderScope, strings.Join(id.Scopes, ","))
	}

	union := make([]string, 0, len(id.Scopes)+len(routeScopes))
	seen := make(map[string]struct{}, len(id.Scopes)+len(routeScopes))
	for _, s := range append(append([]string{}, id.Scopes...), routeScopes...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		union = append(union, s)
	}
	if len(union) > 0 {
		r.Header.Set(HeaderOverrideScope, strings.Join(union, ","))
	}
}
