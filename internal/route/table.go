package route

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Snapshot is an immutable set of compiled routes. Generation increases with
// every install; Hash fingerprints the source definitions so identical
// registry state compiles to an identical hash.
type Snapshot struct {
	Generation uint64
	Hash       uint64
	routes     []*CompiledRoute
}

// NewSnapshot builds a snapshot from compiled routes. Routes are sorted once
// here; Match walks them in order.
func NewSnapshot(routes []*CompiledRoute, hash uint64) *Snapshot {
	sorted := make([]*CompiledRoute, len(routes))
	copy(sorted, routes)
	sortRoutes(sorted)
	return &Snapshot{Hash: hash, routes: sorted}
}

// Match returns the first route whose path pattern matches the request.
func (s *Snapshot) Match(r *http.Request) *CompiledRoute {
	for _, route := range s.routes {
		if route.matcher.match(r.URL.Path) {
			return route
		}
	}
	return nil
}

// Routes returns the routes in match order.
func (s *Snapshot) Routes() []*CompiledRoute {
	return s.routes
}

// Len returns the number of routes in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.routes)
}

// HashDefinitions fingerprints the raw definitions. The registry returns
// definitions in stable order, so equal content yields an equal hash.
func HashDefinitions(defs []RouteDefinition) uint64 {
	h := xxhash.New()
	enc := json.NewEncoder(h)
	for _, d := range defs {
		enc.Encode(d)
	}
	return h.Sum64()
}

// Table holds the current snapshot behind an atomic pointer. Readers take one
// load per request and keep that snapshot for the request's lifetime.
type Table struct {
	current atomic.Pointer[Snapshot]
}

// NewTable creates a table holding an empty snapshot.
func NewTable() *Table {
	t := &Table{}
	t.current.Store(&Snapshot{})
	return t
}

// Current returns the live snapshot.
func (t *Table) Current() *Snapshot {
	return t.current.Load()
}

// Install publishes a new snapshot, assigning it the next generation.
func (t *Table) Install(s *Snapshot) {
	s.Generation = t.current.Load().Generation + 1
	t.current.Store(s)
}
