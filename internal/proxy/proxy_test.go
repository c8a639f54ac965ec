package proxy

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/wudi/fabric/internal/route"
)

func compiledRoute(t *testing.T, id, upstream string) *route.CompiledRoute {
	t.Helper()
	u, err := url.Parse(upstream)
	if err != nil {
		t.Fatalf("parse upstream: %v", err)
	}
	return &route.CompiledRoute{ID: id, Upstream: u}
}

func TestDispatchForwards(t *testing.T) {
	var gotPath, gotHeader string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Custom")
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))
	defer backend.Close()

	d := NewDispatcher()
	h := d.Handler(compiledRoute(t, "users", backend.URL))

	req := httptest.NewRequest("POST", "/profile", strings.NewReader("body"))
	req.Header.Set("X-Custom", "v")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if rec.Body.String() != "created" {
		t.Errorf("body = %q, want created", rec.Body.String())
	}
	if rec.Header().Get("X-Backend") != "yes" {
		t.Error("backend response header not relayed")
	}
	if gotPath != "/profile" {
		t.Errorf("backend path = %q, want /profile", gotPath)
	}
	if gotHeader != "v" {
		t.Errorf("backend header = %q, want v", gotHeader)
	}
}

func TestDispatchUpstreamBasePath(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer backend.Close()

	d := NewDispatcher()
	h := d.Handler(compiledRoute(t, "users", backend.URL+"/base/"))

	req := httptest.NewRequest("GET", "/profile", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	if gotPath != "/base/profile" {
		t.Errorf("backend path = %q, want /base/profile", gotPath)
	}
}

func TestDispatchUnreachableUpstream(t *testing.T) {
	d := NewDispatcher()
	// Reserved TEST-NET address, nothing listens there.
	h := d.Handler(compiledRoute(t, "dead", "http://192.0.2.1:9"))

	req := httptest.NewRequest("GET", "/x", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Service is unavailable") {
		t.Errorf("body = %q, want fallback message", rec.Body.String())
	}
}

func TestDispatchRelays5xxAndTripsBreaker(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("bad"))
	}))
	defer backend.Close()

	d := NewDispatcher()
	h := d.Handler(compiledRoute(t, "flaky", backend.URL))

	// Below the window the 502 is relayed as-is.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want relayed 502", rec.Code)
	}

	// Push past the window; the breaker opens and the fallback takes over.
	for i := 0; i < 25; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/x", nil))
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 from open breaker", rec.Code)
	}
}

func TestBreakerPerRoute(t *testing.T) {
	d := NewDispatcher()
	a := d.breakerFor("a")
	if d.breakerFor("a") != a {
		t.Error("breaker not reused for same route")
	}
	if d.breakerFor("b") == a {
		t.Error("breaker shared across routes")
	}
}

func TestFallbackHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	FallbackHandler().ServeHTTP(rec, httptest.NewRequest("DELETE", "/fallback/anything", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Please try after sometime") {
		t.Errorf("body = %q, want canned message", rec.Body.String())
	}
}
