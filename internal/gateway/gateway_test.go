package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wudi/fabric/internal/accesscontrol"
	"github.com/wudi/fabric/internal/config"
	"github.com/wudi/fabric/internal/registry"
	"github.com/wudi/fabric/internal/route"
)

const testKid = "test-key"

type fixture struct {
	gateway  *Server
	store    *registry.MemoryStore
	backend  *httptest.Server
	signer   *rsa.PrivateKey
	lastPath string
	lastHdr  http.Header
}

// newFixture stands up a backend, a registry and a fully wired gateway with
// client access control on and rate limiting off.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}

	f.backend = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.lastPath = r.URL.Path
		f.lastHdr = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("upstream ok"))
	}))
	t.Cleanup(f.backend.Close)

	f.store = registry.NewMemoryStore()
	f.store.PutRoute(route.RouteDefinition{
		ID:      "users",
		URI:     f.backend.URL,
		Service: "user-service",
		Predicates: []route.PredicateDefinition{
			{Name: "Path", Args: map[string]string{"pattern": "/user-service/**"}},
		},
		Metadata: map[string]string{route.MetaScopes: "user.read"},
	})
	f.store.PutClient(accesscontrol.ClientRecord{
		ClientID: "alice", Tenant: "t1", Active: true,
		Allow: []string{"!user-service:ban", "user-service:*"},
	})
	f.store.PutClient(accesscontrol.ClientRecord{
		ClientID: "bob", Tenant: "t1", Active: false,
		Allow: []string{"*:*"},
	})
	regSrv := httptest.NewServer(registry.NewServer(f.store, nil).Handler())
	t.Cleanup(regSrv.Close)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	f.signer = key
	der, _ := x509.MarshalPKIXPublicKey(key.Public())
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	cfg := config.DefaultConfig()
	cfg.Registry.URL = regSrv.URL
	cfg.Registry.Retry = config.RetryConfig{MaxAttempts: 1, InitialInterval: time.Millisecond}
	cfg.Gateway.ClientAccessControl.Enabled = true
	cfg.Gateway.JWT.KeySources = []config.KeySourceConfig{
		{ID: testKid, Inline: string(pemBytes), Type: "PEM-PUBKEY"},
	}

	gw, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	gw.Bootstrap(ctx)
	f.gateway = gw
	return f
}

func (f *fixture) token(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKid
	signed, err := token.SignedString(f.signer)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func (f *fixture) get(path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.gateway.Handler().ServeHTTP(rec, req)
	return rec
}

func aliceClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":      "alice",
		"clientId": "alice",
		"scope":    []string{"user.read"},
	}
}

func TestEndToEndAllowedRequest(t *testing.T) {
	f := newFixture(t)

	rec := f.get("/user-service/profile", f.token(t, aliceClaims()))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "upstream ok" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if f.lastPath != "/profile" {
		t.Errorf("upstream path = %q, want service prefix stripped", f.lastPath)
	}
	if got := f.lastHdr.Get("user-id"); got != "alice" {
		t.Errorf("user-id header = %q, want alice", got)
	}
	if got := f.lastHdr.Get("scope"); got != "user.read" {
		t.Errorf("scope header = %q, want user.read", got)
	}
}

func TestEndToEndMissingToken(t *testing.T) {
	f := newFixture(t)
	rec := f.get("/user-service/profile", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestEndToEndScopeMismatchHidesRoute(t *testing.T) {
	f := newFixture(t)
	claims := aliceClaims()
	claims["scope"] = []string{"other.scope"}

	rec := f.get("/user-service/profile", f.token(t, claims))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Request not found") {
		t.Errorf("body = %q, want request-not-found message", rec.Body.String())
	}
}

func TestEndToEndInactiveClient(t *testing.T) {
	f := newFixture(t)
	claims := aliceClaims()
	claims["clientId"] = "bob"
	claims["sub"] = "bob"

	rec := f.get("/user-service/profile", f.token(t, claims))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestEndToEndDenyRule(t *testing.T) {
	f := newFixture(t)
	rec := f.get("/user-service/ban", f.token(t, aliceClaims()))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestEndToEndUnroutedPath(t *testing.T) {
	f := newFixture(t)
	rec := f.get("/no-such-service/x", f.token(t, aliceClaims()))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestEndToEndFallbackSurface(t *testing.T) {
	f := newFixture(t)
	rec := f.get("/fallback/user-service", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Service is unavailable") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestEndToEndRouteChangeVisibleAfterRefresh(t *testing.T) {
	f := newFixture(t)

	claims := aliceClaims()
	claims["scope"] = "order.read"

	// Route does not exist yet.
	if rec := f.get("/order-service/list", f.token(t, claims)); rec.Code != http.StatusNotFound {
		t.Fatalf("pre-refresh status = %d, want 404", rec.Code)
	}

	f.store.PutRoute(route.RouteDefinition{
		ID:      "orders",
		URI:     f.backend.URL,
		Service: "order-service",
		Predicates: []route.PredicateDefinition{
			{Name: "Path", Args: map[string]string{"pattern": "/order-service/**"}},
		},
	})
	f.store.PutClient(accesscontrol.ClientRecord{
		ClientID: "alice", Active: true,
		Allow: []string{"user-service:*", "order-service:*"},
	})
	if err := f.gateway.Refresher().Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if rec := f.get("/order-service/list", f.token(t, claims)); rec.Code != http.StatusOK {
		t.Fatalf("post-refresh status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestEndToEndHealthAndMetricsGated(t *testing.T) {
	f := newFixture(t)
	// Metrics disabled by default: actuator endpoints fall through to routing.
	if rec := f.get("/actuator/health", ""); rec.Code == http.StatusOK {
		t.Fatalf("actuator exposed although metrics are disabled")
	}
}
