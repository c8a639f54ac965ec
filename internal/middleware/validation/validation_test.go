package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const orderSchema = `{
	"type": "object",
	"required": ["item", "quantity"],
	"properties": {
		"item": {"type": "string"},
		"quantity": {"type": "integer", "minimum": 1}
	}
}`

func serve(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	schema, err := Compile(orderSchema)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	var seen string
	h := Middleware(schema)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := make([]byte, 1024)
		n, _ := r.Body.Read(b)
		seen = string(b[:n])
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/order-service/orders", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code == http.StatusOK && seen != body {
		t.Errorf("downstream saw body %q, want %q", seen, body)
	}
	return rec
}

func TestValidBodyPasses(t *testing.T) {
	rec := serve(t, `{"item": "widget", "quantity": 3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
}

func TestEmptyBodyRejected(t *testing.T) {
	rec := serve(t, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "required") {
		t.Errorf("body = %q, want body-required message", rec.Body.String())
	}
}

func TestMalformedJSONRejected(t *testing.T) {
	rec := serve(t, `{"item": `)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid JSON") {
		t.Errorf("body = %q, want invalid-JSON message", rec.Body.String())
	}
}

func TestSchemaViolationRejected(t *testing.T) {
	rec := serve(t, `{"item": "widget"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "validation failed") {
		t.Errorf("body = %q, want validation-failed message", rec.Body.String())
	}
}

func TestCompileRejectsBadSchema(t *testing.T) {
	if _, err := Compile(`{"type": `); err == nil {
		t.Error("malformed schema document accepted")
	}
	if _, err := Compile(`{"type": 12}`); err == nil {
		t.Error("invalid schema accepted")
	}
}
