package route

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/fabric/internal/middleware"
)

func pathRoute(id, service, uri, pattern string) RouteDefinition {
	return RouteDefinition{
		ID:      id,
		URI:     uri,
		Service: service,
		Predicates: []PredicateDefinition{
			{Name: "Path", Args: map[string]string{"pattern": pattern}},
		},
	}
}

func newTestCompiler() *Compiler {
	return NewCompiler(AmbientFilters{}, func(route *CompiledRoute) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Route", route.ID)
			w.Header().Set("X-Path", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		})
	})
}

func TestCompileAndMatch(t *testing.T) {
	c := newTestCompiler()
	snap := c.Compile([]RouteDefinition{
		pathRoute("users", "user-service", "http://user-service:8080", "/user-service/**"),
		pathRoute("orders", "order-service", "http://order-service:8080", "/order-service/**"),
	})

	if snap.Len() != 2 {
		t.Fatalf("snapshot len = %d, want 2", snap.Len())
	}

	req := httptest.NewRequest("GET", "/user-service/profile", nil)
	route := snap.Match(req)
	if route == nil || route.ID != "users" {
		t.Fatalf("Match = %+v, want users", route)
	}
	if snap.Match(httptest.NewRequest("GET", "/billing/x", nil)) != nil {
		t.Error("unexpected match for unrouted path")
	}
}

func TestMatchSpecificityAndOrder(t *testing.T) {
	c := newTestCompiler()
	exact := pathRoute("exact", "svc", "http://svc", "/svc/special")
	wide := pathRoute("wide", "svc", "http://svc", "/svc/**")
	snap := c.Compile([]RouteDefinition{wide, exact})

	if got := snap.Match(httptest.NewRequest("GET", "/svc/special", nil)); got.ID != "exact" {
		t.Errorf("exact pattern should win, got %s", got.ID)
	}
	if got := snap.Match(httptest.NewRequest("GET", "/svc/other", nil)); got.ID != "wide" {
		t.Errorf("prefix pattern should catch the rest, got %s", got.ID)
	}

	pinned := pathRoute("pinned", "svc", "http://svc", "/svc/**")
	pinned.Order = -1
	snap = c.Compile([]RouteDefinition{exact, pinned})
	if got := snap.Match(httptest.NewRequest("GET", "/svc/special", nil)); got.ID != "pinned" {
		t.Errorf("lower Order should win over specificity, got %s", got.ID)
	}
}

func TestCompileDropsBadRoutes(t *testing.T) {
	c := newTestCompiler()
	good := pathRoute("good", "svc", "http://svc", "/svc/**")

	noPath := RouteDefinition{ID: "nopath", URI: "http://svc", Service: "svc"}
	badURI := pathRoute("baduri", "svc", "://nope", "/x/**")
	dup := pathRoute("good", "svc", "http://svc", "/dup/**")
	unknownFilter := pathRoute("uf", "svc", "http://svc", "/uf/**")
	unknownFilter.Filters = []FilterDefinition{{Name: "NoSuchFilter"}}
	badSchema := pathRoute("bs", "svc", "http://svc", "/bs/**")
	badSchema.Metadata = map[string]string{MetaSchemaValidator: "true", MetaSchema: `{"type": 5}`}

	snap := c.Compile([]RouteDefinition{good, noPath, badURI, dup, unknownFilter, badSchema})
	if snap.Len() != 1 {
		t.Fatalf("snapshot len = %d, want only the good route", snap.Len())
	}
	if snap.Routes()[0].ID != "good" {
		t.Errorf("surviving route = %s, want good", snap.Routes()[0].ID)
	}
}

func TestServiceRewrite(t *testing.T) {
	c := newTestCompiler()
	def := pathRoute("users", "user-service", "http://user-service:8080", "/user-service/**")
	def.ContextPath = "/api"
	snap := c.Compile([]RouteDefinition{def})

	req := httptest.NewRequest("GET", "/user-service/profile", nil)
	route := snap.Match(req)
	rec := httptest.NewRecorder()
	route.Handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Path"); got != "/api/profile" {
		t.Errorf("rewritten path = %q, want /api/profile", got)
	}
}

func TestCompiledHandlerRecordsRouteID(t *testing.T) {
	c := newTestCompiler()
	snap := c.Compile([]RouteDefinition{
		pathRoute("users", "user-service", "http://user-service:8080", "/user-service/**"),
	})

	req := httptest.NewRequest("GET", "/user-service/profile", nil)
	req = req.WithContext(middleware.WithRouteIDHolder(req.Context()))
	rec := httptest.NewRecorder()
	snap.Match(req).Handler.ServeHTTP(rec, req)

	if got := middleware.RouteID(req.Context()); got != "users" {
		t.Errorf("recorded route id = %q, want users", got)
	}
}

func TestDefinitionFilters(t *testing.T) {
	def := pathRoute("hdr", "svc", "http://svc", "/svc/**")
	def.Filters = []FilterDefinition{
		{Name: "AddRequestHeader", Args: map[string]string{"name": "X-Tenant", "value": "t1"}},
	}

	var seen string
	comp := NewCompiler(AmbientFilters{}, func(route *CompiledRoute) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = r.Header.Get("X-Tenant")
		})
	})
	snap := comp.Compile([]RouteDefinition{def})
	req := httptest.NewRequest("GET", "/svc/a", nil)
	snap.Match(req).Handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "t1" {
		t.Errorf("X-Tenant = %q, want t1", seen)
	}
}

func TestResponseCacheFromMetadata(t *testing.T) {
	def := pathRoute("cached", "svc", "http://svc", "/svc/**")
	def.Metadata = map[string]string{MetaCacheTTL: "1m", MetaCacheSize: "16"}

	var hits int
	comp := NewCompiler(AmbientFilters{}, func(route *CompiledRoute) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
			w.WriteHeader(http.StatusOK)
		})
	})
	snap := comp.Compile([]RouteDefinition{def})

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/svc/list", nil)
		snap.Match(req).Handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	if hits != 1 {
		t.Errorf("upstream hits = %d, want 1 with caching enabled", hits)
	}
}

func TestCompileDropsBadCacheMetadata(t *testing.T) {
	c := newTestCompiler()
	badTTL := pathRoute("badttl", "svc", "http://svc", "/svc/**")
	badTTL.Metadata = map[string]string{MetaCacheTTL: "soon"}
	badSize := pathRoute("badsize", "svc", "http://svc", "/s2/**")
	badSize.Metadata = map[string]string{MetaCacheSize: "-1"}

	if snap := c.Compile([]RouteDefinition{badTTL, badSize}); snap.Len() != 0 {
		t.Errorf("snapshot len = %d, want 0", snap.Len())
	}
}

func TestScopesParsing(t *testing.T) {
	def := RouteDefinition{Metadata: map[string]string{MetaScopes: "user.read, user.write admin"}}
	got := def.Scopes()
	want := []string{"user.read", "user.write", "admin"}
	if len(got) != len(want) {
		t.Fatalf("Scopes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Scopes = %v, want %v", got, want)
		}
	}
}

func TestHashDefinitionsStable(t *testing.T) {
	defs := []RouteDefinition{
		pathRoute("a", "svc", "http://svc", "/svc/**"),
		pathRoute("b", "svc2", "http://svc2", "/svc2/**"),
	}
	if HashDefinitions(defs) != HashDefinitions(defs) {
		t.Error("hash not stable for identical input")
	}

	changed := []RouteDefinition{
		pathRoute("a", "svc", "http://svc", "/svc/**"),
		pathRoute("b", "svc2", "http://other", "/svc2/**"),
	}
	if HashDefinitions(defs) == HashDefinitions(changed) {
		t.Error("hash did not change with content")
	}
}

func TestTableInstallBumpsGeneration(t *testing.T) {
	table := NewTable()
	if table.Current().Generation != 0 {
		t.Fatalf("initial generation = %d, want 0", table.Current().Generation)
	}

	table.Install(NewSnapshot(nil, 1))
	table.Install(NewSnapshot(nil, 2))
	if g := table.Current().Generation; g != 2 {
		t.Errorf("generation = %d, want 2", g)
	}
}
