package registry

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/wudi/fabric/internal/accesscontrol"
	"github.com/wudi/fabric/internal/route"
)

// recordingSink captures change notifications.
type recordingSink struct {
	mu        sync.Mutex
	scheduled []string
	sent      []string
}

func (r *recordingSink) ScheduleEvent(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled = append(r.scheduled, service)
}

func (r *recordingSink) SendEvent(eventType string, _, _ []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, eventType)
	return nil
}

func newTestServer() (*Server, *recordingSink) {
	sink := &recordingSink{}
	return NewServer(NewMemoryStore(), sink), sink
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func sampleRoute(id, service string) route.RouteDefinition {
	return route.RouteDefinition{
		ID:      id,
		URI:     "http://" + service + ":8080",
		Service: service,
		Predicates: []route.PredicateDefinition{
			{Name: "Path", Args: map[string]string{"pattern": "/" + service + "/**"}},
		},
	}
}

func TestRouteCRUD(t *testing.T) {
	s, sink := newTestServer()

	rec := do(t, s, "POST", "/api/v1/routes", sampleRoute("users", "user-service"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, "GET", "/api/v1/routes/users", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var def route.RouteDefinition
	if err := json.Unmarshal(rec.Body.Bytes(), &def); err != nil || def.ID != "users" {
		t.Fatalf("get body = %s", rec.Body.String())
	}

	rec = do(t, s, "GET", "/api/v1/routes", nil)
	var defs []route.RouteDefinition
	if err := json.Unmarshal(rec.Body.Bytes(), &defs); err != nil || len(defs) != 1 {
		t.Fatalf("list body = %s", rec.Body.String())
	}

	rec = do(t, s, "DELETE", "/api/v1/routes/users", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec = do(t, s, "GET", "/api/v1/routes/users", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", rec.Code)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.scheduled) != 2 {
		t.Errorf("scheduled events = %v, want one per mutation", sink.scheduled)
	}
}

func TestCreateRouteIdempotentByID(t *testing.T) {
	s, _ := newTestServer()

	first := sampleRoute("users", "user-service")
	updated := sampleRoute("users", "user-service")
	updated.URI = "http://user-service:9090"

	do(t, s, "POST", "/api/v1/routes", first)
	do(t, s, "POST", "/api/v1/routes", updated)

	rec := do(t, s, "GET", "/api/v1/routes", nil)
	var defs []route.RouteDefinition
	json.Unmarshal(rec.Body.Bytes(), &defs)
	if len(defs) != 1 {
		t.Fatalf("routes = %d, want upsert by id", len(defs))
	}
	if defs[0].URI != "http://user-service:9090" {
		t.Errorf("uri = %s, want updated value", defs[0].URI)
	}
}

func TestCreateRouteValidation(t *testing.T) {
	s, _ := newTestServer()

	noID := sampleRoute("", "svc")
	if rec := do(t, s, "POST", "/api/v1/routes", noID); rec.Code != http.StatusBadRequest {
		t.Errorf("missing id status = %d, want 400", rec.Code)
	}

	noPath := route.RouteDefinition{ID: "x", URI: "http://svc", Service: "svc"}
	if rec := do(t, s, "POST", "/api/v1/routes", noPath); rec.Code != http.StatusBadRequest {
		t.Errorf("missing Path predicate status = %d, want 400", rec.Code)
	}
}

func TestClientAccessCRUD(t *testing.T) {
	s, sink := newTestServer()

	recs := []accesscontrol.ClientRecord{
		{ClientID: "alice", Tenant: "t1", Active: true, Allow: []string{"user-service:*"}},
		{ClientID: "bob", Tenant: "t1", Active: false, Allow: []string{"*:*"}},
	}
	rec := do(t, s, "POST", "/v1/config/client-access-control", recs)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Message string   `json:"message"`
		Created []string `json:"created"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil || len(created.Created) != 2 {
		t.Fatalf("create body = %s", rec.Body.String())
	}

	// Default listing filters inactive clients.
	rec = do(t, s, "GET", "/v1/config/client-access-control", nil)
	var listed []accesscontrol.ClientRecord
	json.Unmarshal(rec.Body.Bytes(), &listed)
	if len(listed) != 1 || listed[0].ClientID != "alice" {
		t.Fatalf("active listing = %+v", listed)
	}

	rec = do(t, s, "GET", "/v1/config/client-access-control?includeInactive=true", nil)
	json.Unmarshal(rec.Body.Bytes(), &listed)
	if len(listed) != 2 {
		t.Fatalf("full listing = %+v", listed)
	}

	update := accesscontrol.ClientRecord{Tenant: "t2", Active: true, Allow: []string{"*:*"}}
	rec = do(t, s, "PUT", "/v1/config/client-access-control/bob", update)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d", rec.Code)
	}
	rec = do(t, s, "GET", "/v1/config/client-access-control/bob", nil)
	var bob accesscontrol.ClientRecord
	json.Unmarshal(rec.Body.Bytes(), &bob)
	if bob.ClientID != "bob" || bob.Tenant != "t2" {
		t.Fatalf("bob = %+v", bob)
	}

	if rec = do(t, s, "DELETE", "/v1/config/client-access-control/bob", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec = do(t, s, "DELETE", "/v1/config/client-access-control/bob", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("re-delete status = %d", rec.Code)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.sent) != 3 {
		t.Errorf("sent events = %v, want one per client mutation", sink.sent)
	}
}

func TestMissingClientGetsClientScopedError(t *testing.T) {
	s, _ := newTestServer()

	rec := do(t, s, "GET", "/v1/config/client-access-control/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "api.gateway.error.client.not.found") {
		t.Errorf("get body = %s, want client-scoped error code", rec.Body.String())
	}

	rec = do(t, s, "DELETE", "/v1/config/client-access-control/ghost", nil)
	if !strings.Contains(rec.Body.String(), "api.gateway.error.client.not.found") {
		t.Errorf("delete body = %s, want client-scoped error code", rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer()
	rec := do(t, s, "GET", "/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}
