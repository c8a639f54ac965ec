// Package accesscontrol decides which clients may call which routes. The
// registry persists client records; static overrides from the gateway config
// are merged over them, and the merged snapshot is swapped atomically.
package accesscontrol

import (
	"sync"
	"sync/atomic"

	"github.com/wudi/fabric/internal/logging"
	"github.com/wudi/fabric/internal/rules"
	"go.uber.org/zap"
)

// Source records where a merged entry came from.
type Source string

const (
	SourcePersisted Source = "PERSISTED"
	SourceOverride  Source = "OVERRIDE"
)

// ClientRecord is the wire form of a client access entry, shared by the
// registry API, the persisted store, and static overrides.
type ClientRecord struct {
	ClientID    string   `json:"clientId"`
	Tenant      string   `json:"tenant"`
	Description string   `json:"description,omitempty"`
	Active      bool     `json:"active"`
	Allow       []string `json:"allow"`
}

// ClientConfig is a merged, rule-compiled client entry.
type ClientConfig struct {
	ClientID string
	Tenant   string
	Active   bool
	Rules    []rules.Rule
	Source   Source
}

// Merge overlays overrides on the persisted records. An override replaces a
// persisted entry with the same client id; unmatched persisted entries pass
// through. Invalid rule strings are logged and skipped, never fatal.
func Merge(persisted, overrides []ClientRecord) map[string]*ClientConfig {
	merged := make(map[string]*ClientConfig, len(persisted)+len(overrides))
	for _, rec := range persisted {
		merged[rec.ClientID] = compile(rec, SourcePersisted)
	}
	for _, rec := range overrides {
		merged[rec.ClientID] = compile(rec, SourceOverride)
	}
	return merged
}

func compile(rec ClientRecord, source Source) *ClientConfig {
	parsed, invalid := rules.ParseAll(rec.Allow)
	if len(invalid) > 0 {
		logging.Warn("skipping invalid access rules",
			zap.String("clientId", rec.ClientID),
			zap.Strings("rules", invalid))
	}
	return &ClientConfig{
		ClientID: rec.ClientID,
		Tenant:   rec.Tenant,
		Active:   rec.Active,
		Rules:    parsed,
		Source:   source,
	}
}

// Store holds the merged client map behind an atomic pointer. The merge is
// recomputed whenever either input changes.
type Store struct {
	mu        sync.Mutex
	persisted []ClientRecord
	overrides []ClientRecord
	merged    atomic.Pointer[map[string]*ClientConfig]
}

// NewStore creates a store seeded with the static overrides.
func NewStore(overrides []ClientRecord) *Store {
	s := &Store{overrides: overrides}
	s.remerge()
	return s
}

// SetPersisted replaces the persisted records (fetched from the registry) and
// recomputes the merge.
func (s *Store) SetPersisted(persisted []ClientRecord) {
	s.mu.Lock()
	s.persisted = persisted
	s.remerge()
	s.mu.Unlock()
}

// SetOverrides replaces the static overrides and recomputes the merge.
func (s *Store) SetOverrides(overrides []ClientRecord) {
	s.mu.Lock()
	s.overrides = overrides
	s.remerge()
	s.mu.Unlock()
}

func (s *Store) remerge() {
	merged := Merge(s.persisted, s.overrides)
	s.merged.Store(&merged)
}

// Lookup returns the merged config for a client id.
func (s *Store) Lookup(clientID string) (*ClientConfig, bool) {
	m := s.merged.Load()
	if m == nil {
		return nil, false
	}
	cfg, ok := (*m)[clientID]
	return cfg, ok
}

// Size returns the number of merged entries.
func (s *Store) Size() int {
	m := s.merged.Load()
	if m == nil {
		return 0
	}
	return len(*m)
}
