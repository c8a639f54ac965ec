package route

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wudi/fabric/internal/logging"
	"github.com/wudi/fabric/internal/middleware"
	"github.com/wudi/fabric/internal/middleware/cache"
	"github.com/wudi/fabric/internal/middleware/validation"
	"go.uber.org/zap"
)

// FilterFactory builds one ordered filter from a definition's filter entry.
type FilterFactory func(def RouteDefinition, args map[string]string) (middleware.Ordered, error)

// AmbientFilters are the chain positions the compiler wires on every route
// regardless of the definition's filter list. A nil entry disables that
// position.
type AmbientFilters struct {
	AccessLog    middleware.Middleware
	Auth         func(routeScopes []string) middleware.Middleware
	ClientAccess middleware.Middleware
	RateLimit    func(routeID string) middleware.Middleware

	// RateLimitResolverKnown rejects routes whose effective key resolver is
	// not registered. nil skips the check.
	RateLimitResolverKnown func(routeID string) bool
}

// Compiler turns RouteDefinitions into CompiledRoutes. Factories are indexed
// by name up front; compilation resolves against that index, so a factory
// registered after NewCompiler is never seen.
type Compiler struct {
	factories map[string]FilterFactory
	ambient   AmbientFilters
	dispatch  func(*CompiledRoute) http.Handler
	logger    *zap.Logger
}

// NewCompiler creates a compiler. dispatch builds the innermost handler that
// forwards to the route's upstream.
func NewCompiler(ambient AmbientFilters, dispatch func(*CompiledRoute) http.Handler) *Compiler {
	c := &Compiler{
		factories: make(map[string]FilterFactory),
		ambient:   ambient,
		dispatch:  dispatch,
		logger:    logging.Named("route"),
	}
	c.Register("AddRequestHeader", addRequestHeaderFactory)
	c.Register("StripPrefix", stripPrefixFactory)
	c.Register("RewritePath", rewritePathFactory)
	// Definitions may name the limiter explicitly; it binds to the same
	// ambient limiter instance.
	c.Register("RequestRateLimiter", func(def RouteDefinition, _ map[string]string) (middleware.Ordered, error) {
		if c.ambient.RateLimit == nil {
			return middleware.Ordered{}, fmt.Errorf("rate limiting is disabled")
		}
		if c.ambient.RateLimitResolverKnown != nil && !c.ambient.RateLimitResolverKnown(def.ID) {
			return middleware.Ordered{}, fmt.Errorf("unknown rate-limit key resolver for route")
		}
		return middleware.Ordered{
			Name: "RequestRateLimiter", Order: middleware.OrderRateLimit,
			Wrap: c.ambient.RateLimit(def.ID),
		}, nil
	})
	return c
}

// Register adds a filter factory under a name. Must be called before Compile.
func (c *Compiler) Register(name string, f FilterFactory) {
	c.factories[name] = f
}

// Compile builds a snapshot from the definitions. Routes that fail to compile
// are dropped with a logged error; the snapshot carries the rest.
func (c *Compiler) Compile(defs []RouteDefinition) *Snapshot {
	seen := make(map[string]bool, len(defs))
	compiled := make([]*CompiledRoute, 0, len(defs))

	for _, def := range defs {
		if seen[def.ID] {
			c.logger.Error("dropping route with duplicate id", zap.String("route", def.ID))
			continue
		}
		route, err := c.compileOne(def)
		if err != nil {
			c.logger.Error("dropping route",
				zap.String("route", def.ID), zap.Error(err))
			continue
		}
		seen[def.ID] = true
		compiled = append(compiled, route)
	}

	return NewSnapshot(compiled, HashDefinitions(defs))
}

func (c *Compiler) compileOne(def RouteDefinition) (*CompiledRoute, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("route id is required")
	}
	pattern := def.PathPattern()
	if pattern == "" {
		return nil, fmt.Errorf("route has no Path predicate")
	}
	upstream, err := url.Parse(def.URI)
	if err != nil || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream uri %q", def.URI)
	}

	route := &CompiledRoute{
		ID:          def.ID,
		Service:     def.Service,
		ContextPath: def.ContextPath,
		Upstream:    upstream,
		Order:       def.Order,
		Scopes:      def.Scopes(),
		matcher:     compileMatcher(pattern),
	}

	filters, err := c.resolveFilters(def)
	if err != nil {
		return nil, err
	}

	named := make(map[string]bool, len(def.Filters))
	for _, f := range def.Filters {
		named[f.Name] = true
	}
	ambient, err := c.ambientFilters(def, route, named)
	if err != nil {
		return nil, err
	}
	filters = append(filters, ambient...)

	route.Handler = middleware.Assemble(filters).Then(c.dispatch(route))
	return route, nil
}

// resolveFilters maps the definition's filter entries through the factory
// index. An unknown name fails the whole route.
func (c *Compiler) resolveFilters(def RouteDefinition) ([]middleware.Ordered, error) {
	filters := make([]middleware.Ordered, 0, len(def.Filters))
	for _, f := range def.Filters {
		factory, ok := c.factories[f.Name]
		if !ok {
			return nil, fmt.Errorf("unknown filter %q", f.Name)
		}
		ordered, err := factory(def, f.Args)
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", f.Name, err)
		}
		filters = append(filters, ordered)
	}
	return filters, nil
}

func (c *Compiler) ambientFilters(def RouteDefinition, route *CompiledRoute, named map[string]bool) ([]middleware.Ordered, error) {
	var filters []middleware.Ordered

	if c.ambient.AccessLog != nil {
		filters = append(filters, middleware.Ordered{
			Name: "AccessLog", Order: middleware.OrderAccessLog, Wrap: c.ambient.AccessLog,
		})
	}
	if c.ambient.Auth != nil {
		filters = append(filters, middleware.Ordered{
			Name: "JwtValidation", Order: middleware.OrderJWT, Wrap: c.ambient.Auth(route.Scopes),
		})
	}
	if c.ambient.ClientAccess != nil {
		filters = append(filters, middleware.Ordered{
			Name: "ClientAccessControl", Order: middleware.OrderClientAccess, Wrap: c.ambient.ClientAccess,
		})
	}

	if def.Metadata[MetaSchemaValidator] != "" {
		schemaJSON := def.Metadata[MetaSchema]
		if schemaJSON == "" {
			return nil, fmt.Errorf("SchemaValidator set but no Schema metadata")
		}
		schema, err := validation.Compile(schemaJSON)
		if err != nil {
			return nil, err
		}
		filters = append(filters, middleware.Ordered{
			Name: "ValidateRequestBody", Order: middleware.OrderBodyValidation,
			Wrap: validation.Middleware(schema),
		})
	}

	cacheCfg, cached, err := cacheSettings(def)
	if err != nil {
		return nil, err
	}
	if cached {
		filters = append(filters, middleware.Ordered{
			Name: "ResponseCache", Order: middleware.OrderResponseCache,
			Wrap: cache.New(cacheCfg).Middleware(),
		})
	}

	if c.ambient.RateLimit != nil && !named["RequestRateLimiter"] {
		if c.ambient.RateLimitResolverKnown != nil && !c.ambient.RateLimitResolverKnown(def.ID) {
			return nil, fmt.Errorf("unknown rate-limit key resolver for route")
		}
		filters = append(filters, middleware.Ordered{
			Name: "RequestRateLimiter", Order: middleware.OrderRateLimit,
			Wrap: c.ambient.RateLimit(def.ID),
		})
	}

	filters = append(filters, middleware.Ordered{
		Name: "RewritePath", Order: middleware.OrderRewrite,
		Wrap: serviceRewrite(route),
	})

	return filters, nil
}

// cacheSettings reads the route's cache metadata. Any malformed value fails
// the route.
func cacheSettings(def RouteDefinition) (cache.Config, bool, error) {
	keyHeader, hasKey := def.Metadata[MetaCacheKey]
	sizeStr, hasSize := def.Metadata[MetaCacheSize]
	ttlStr, hasTTL := def.Metadata[MetaCacheTTL]
	if !hasKey && !hasSize && !hasTTL {
		return cache.Config{}, false, nil
	}

	cfg := cache.Config{KeyHeader: keyHeader}
	if hasSize {
		n, err := strconv.Atoi(sizeStr)
		if err != nil || n <= 0 {
			return cache.Config{}, false, fmt.Errorf("invalid cacheSize %q", sizeStr)
		}
		cfg.Size = n
	}
	if hasTTL {
		d, err := time.ParseDuration(ttlStr)
		if err != nil || d <= 0 {
			return cache.Config{}, false, fmt.Errorf("invalid cacheTtl %q", ttlStr)
		}
		cfg.TTL = d
	}
	return cfg, true, nil
}

// serviceRewrite strips the leading /{service} segment and prepends the
// route's context path before dispatch.
func serviceRewrite(route *CompiledRoute) middleware.Middleware {
	prefix := "/" + route.Service
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			middleware.SetRouteID(r.Context(), route.ID)
			path := r.URL.Path
			if route.Service != "" && strings.HasPrefix(path, prefix) {
				path = strings.TrimPrefix(path, prefix)
				if path == "" {
					path = "/"
				}
			}
			if route.ContextPath != "" {
				path = strings.TrimSuffix(route.ContextPath, "/") + path
			}
			r.URL.Path = path
			next.ServeHTTP(w, r)
		})
	}
}

func addRequestHeaderFactory(_ RouteDefinition, args map[string]string) (middleware.Ordered, error) {
	name, value := args["name"], args["value"]
	if name == "" {
		return middleware.Ordered{}, fmt.Errorf("name is required")
	}
	return middleware.Ordered{
		Name:  "AddRequestHeader",
		Order: middleware.OrderRewrite,
		Wrap: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				r.Header.Set(name, value)
				next.ServeHTTP(w, r)
			})
		},
	}, nil
}

func stripPrefixFactory(_ RouteDefinition, args map[string]string) (middleware.Ordered, error) {
	parts := 1
	if v := args["parts"]; v != "" {
		if _, err := fmt.Sscanf(v, "%d", &parts); err != nil || parts < 1 {
			return middleware.Ordered{}, fmt.Errorf("invalid parts %q", v)
		}
	}
	return middleware.Ordered{
		Name:  "StripPrefix",
		Order: middleware.OrderRewrite,
		Wrap: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				segments := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", parts+1)
				if len(segments) > parts {
					r.URL.Path = "/" + segments[parts]
				} else {
					r.URL.Path = "/"
				}
				next.ServeHTTP(w, r)
			})
		},
	}, nil
}

func rewritePathFactory(_ RouteDefinition, args map[string]string) (middleware.Ordered, error) {
	re, err := regexp.Compile(args["regexp"])
	if err != nil {
		return middleware.Ordered{}, fmt.Errorf("invalid regexp: %w", err)
	}
	replacement := args["replacement"]
	return middleware.Ordered{
		Name:  "RewritePath",
		Order: middleware.OrderRewrite,
		Wrap: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				r.URL.Path = re.ReplaceAllString(r.URL.Path, replacement)
				next.ServeHTTP(w, r)
			})
		},
	}, nil
}
