package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func tag(name string, log *[]string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*log = append(*log, name)
			next.ServeHTTP(w, r)
		})
	}
}

func TestChainOrder(t *testing.T) {
	var got []string
	chain := NewChain(tag("a", &got), tag("b", &got), tag("c", &got))
	h := chain.ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, "handler")
	})

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	want := []string{"a", "b", "c", "handler"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestAssembleSortsByOrder(t *testing.T) {
	var got []string
	filters := []Ordered{
		{Name: "ratelimit", Order: OrderRateLimit, Wrap: tag("ratelimit", &got)},
		{Name: "accesslog", Order: OrderAccessLog, Wrap: tag("accesslog", &got)},
		{Name: "jwt", Order: OrderJWT, Wrap: tag("jwt", &got)},
	}

	h := Assemble(filters).ThenFunc(func(w http.ResponseWriter, r *http.Request) {})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	want := []string{"accesslog", "jwt", "ratelimit"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order %v, want %v", got, want)
		}
	}
}

func TestShortCircuitSkipsInner(t *testing.T) {
	var got []string
	deny := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})
	}

	chain := NewChain(tag("outer", &got), deny, tag("inner", &got))
	rec := httptest.NewRecorder()
	chain.ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, "handler")
	}).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if len(got) != 1 || got[0] != "outer" {
		t.Fatalf("executed %v, want only outer", got)
	}
}
