// Package registry implements the configuration registry: durable-ish storage
// for route definitions and client access configs, plus the REST API the
// gateway polls and operators mutate.
package registry

import (
	"sort"
	"sync"

	"github.com/wudi/fabric/internal/accesscontrol"
	"github.com/wudi/fabric/internal/route"
)

// Store is the persistence boundary. The in-memory implementation backs
// tests and single-node deployments; a durable backend satisfies the same
// interface.
type Store interface {
	ListRoutes() []route.RouteDefinition
	GetRoute(id string) (route.RouteDefinition, bool)
	PutRoute(def route.RouteDefinition)
	DeleteRoute(id string) bool

	ListClients(includeInactive bool) []accesscontrol.ClientRecord
	GetClient(clientID string) (accesscontrol.ClientRecord, bool)
	PutClient(rec accesscontrol.ClientRecord)
	DeleteClient(clientID string) bool
}

// MemoryStore keeps everything in maps behind one mutex. Listings are sorted
// by id so gateway polls see stable ordering.
type MemoryStore struct {
	mu      sync.RWMutex
	routes  map[string]route.RouteDefinition
	clients map[string]accesscontrol.ClientRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		routes:  make(map[string]route.RouteDefinition),
		clients: make(map[string]accesscontrol.ClientRecord),
	}
}

func (s *MemoryStore) ListRoutes() []route.RouteDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := make([]route.RouteDefinition, 0, len(s.routes))
	for _, d := range s.routes {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

func (s *MemoryStore) GetRoute(id string) (route.RouteDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.routes[id]
	return d, ok
}

func (s *MemoryStore) PutRoute(def route.RouteDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[def.ID] = def
}

func (s *MemoryStore) DeleteRoute(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routes[id]; !ok {
		return false
	}
	delete(s.routes, id)
	return true
}

func (s *MemoryStore) ListClients(includeInactive bool) []accesscontrol.ClientRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := make([]accesscontrol.ClientRecord, 0, len(s.clients))
	for _, c := range s.clients {
		if !includeInactive && !c.Active {
			continue
		}
		recs = append(recs, c)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ClientID < recs[j].ClientID })
	return recs
}

func (s *MemoryStore) GetClient(clientID string) (accesscontrol.ClientRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	return c, ok
}

func (s *MemoryStore) PutClient(rec accesscontrol.ClientRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[rec.ClientID] = rec
}

func (s *MemoryStore) DeleteClient(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[clientID]; !ok {
		return false
	}
	delete(s.clients, clientID)
	return true
}
