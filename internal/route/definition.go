// Package route holds the dynamic route model: wire definitions fetched from
// the registry, compiled routes with their filter chains, and the snapshot
// table the dispatcher reads.
package route

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Metadata keys recognized by the compiler. All other keys pass through
// opaquely.
const (
	MetaSchema          = "Schema"
	MetaSchemaValidator = "SchemaValidator"
	MetaScopes          = "scopes"
	MetaHeaders         = "headers"
	MetaCacheKey        = "cacheKey"
	MetaCacheSize       = "cacheSize"
	MetaCacheTTL        = "cacheTtl"
)

// PredicateDefinition is one named predicate with its arguments.
type PredicateDefinition struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

// FilterDefinition is one named filter with its arguments.
type FilterDefinition struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

// RouteDefinition is the wire form of a route as stored by the registry.
type RouteDefinition struct {
	ID          string                `json:"id"`
	URI         string                `json:"uri"`
	Predicates  []PredicateDefinition `json:"predicates"`
	Filters     []FilterDefinition    `json:"filters,omitempty"`
	Metadata    map[string]string     `json:"metadata,omitempty"`
	Service     string                `json:"service"`
	ContextPath string                `json:"contextPath,omitempty"`
	APIDocs     bool                  `json:"apiDocs,omitempty"`
	Order       int                   `json:"order,omitempty"`
}

// PathPattern returns the pattern of the first Path predicate, or "".
func (d *RouteDefinition) PathPattern() string {
	for _, p := range d.Predicates {
		if p.Name == "Path" {
			return p.Args["pattern"]
		}
	}
	return ""
}

// Scopes returns the scope set required by the route, parsed from metadata.
// Accepts comma or space separated values.
func (d *RouteDefinition) Scopes() []string {
	raw := d.Metadata[MetaScopes]
	if raw == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' '
	})
	scopes := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			scopes = append(scopes, f)
		}
	}
	return scopes
}

// matcher matches a request path against a compiled Path pattern. A trailing
// "/**" matches the prefix; otherwise the match is exact.
type matcher struct {
	exact  string
	prefix string
}

func compileMatcher(pattern string) matcher {
	if strings.HasSuffix(pattern, "/**") {
		return matcher{prefix: strings.TrimSuffix(pattern, "**")}
	}
	if strings.HasSuffix(pattern, "*") {
		return matcher{prefix: strings.TrimSuffix(pattern, "*")}
	}
	return matcher{exact: pattern}
}

func (m matcher) match(path string) bool {
	if m.prefix != "" {
		return strings.HasPrefix(path, m.prefix) ||
			path == strings.TrimSuffix(m.prefix, "/")
	}
	return path == m.exact
}

// specificity orders matchers so exact patterns win over prefixes and longer
// prefixes win over shorter ones.
func (m matcher) specificity() int {
	if m.exact != "" {
		return 1 << 20
	}
	return len(m.prefix)
}

// sortRoutes orders compiled routes by Order, then most-specific pattern
// first, then id for determinism.
func sortRoutes(routes []*CompiledRoute) {
	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].Order != routes[j].Order {
			return routes[i].Order < routes[j].Order
		}
		si, sj := routes[i].matcher.specificity(), routes[j].matcher.specificity()
		if si != sj {
			return si > sj
		}
		return routes[i].ID < routes[j].ID
	})
}

// CompiledRoute is a ready-to-serve route. Handler runs the full filter
// chain including upstream dispatch.
type CompiledRoute struct {
	ID          string
	Service     string
	ContextPath string
	Upstream    *url.URL
	Order       int
	Scopes      []string
	Handler     http.Handler
	matcher     matcher
}
