package accesscontrol

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/logging"
	"github.com/wudi/fabric/internal/middleware"
	"github.com/wudi/fabric/internal/middleware/auth"
	"github.com/wudi/fabric/internal/rules"
	"go.uber.org/zap"
)

// Filter denies or allows a request based on the caller's merged access
// rules. It runs after JWT validation and reads the identity from the
// request context.
type Filter struct {
	store       *Store
	claimNames  []string
	logger      *zap.Logger
}

// NewFilter creates the access-control filter. claimNames is the ordered
// list of claims scanned for the client id.
func NewFilter(store *Store, claimNames []string) *Filter {
	if len(claimNames) == 0 {
		claimNames = []string{"clientId", "client_id", "azp"}
	}
	return &Filter{
		store:      store,
		claimNames: claimNames,
		logger:     logging.Named("accesscontrol"),
	}
}

// Middleware returns the chain filter.
func (f *Filter) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := auth.FromContext(r.Context())
			if id == nil {
				errors.ErrInvalidToken.WriteJSON(w)
				return
			}

			clientID := f.clientID(id.Claims)
			if clientID == "" {
				errors.ErrInvalidToken.WriteJSON(w)
				return
			}

			if suspicious(clientID) {
				f.logger.Warn("rejected suspicious client id",
					zap.String("remote", r.RemoteAddr),
					zap.String("path", r.URL.Path))
				errors.ErrAccessDenied.WriteJSON(w)
				return
			}

			cfg, ok := f.store.Lookup(clientID)
			if !ok || !cfg.Active {
				f.logger.Debug("client not permitted",
					zap.String("clientId", clientID),
					zap.Bool("known", ok))
				errors.ErrAccessDenied.WriteJSON(w)
				return
			}

			service, route := rules.SplitPath(r.URL.Path)
			if decision := rules.Decide(cfg.Rules, service, route); decision != rules.DecisionAllow {
				f.logger.Debug("access denied by rules",
					zap.String("clientId", clientID),
					zap.String("service", service),
					zap.String("route", route),
					zap.Stringer("decision", decision))
				errors.ErrAccessDenied.WriteJSON(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientID scans the configured claim names case-insensitively. Collection
// claims yield their first non-blank element.
func (f *Filter) clientID(claims jwt.MapClaims) string {
	for _, name := range f.claimNames {
		if v := lookupClaim(claims, name); v != "" {
			return v
		}
	}
	return ""
}

func lookupClaim(claims jwt.MapClaims, name string) string {
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

	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v)
	case []interface{}:
		for _, e := range v {
			if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	case []string:
		for _, s := range v {
			if strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}
