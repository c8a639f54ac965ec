// Package keycache maintains the JWT verification keys fetched from the
// configured public-key sources. Each source refreshes independently; a
// failing source never evicts keys it contributed earlier.
package keycache

import (
	"context"
	"crypto"
	"net/http"
	"sync"
	"time"

	"github.com/wudi/fabric/internal/config"
	"github.com/wudi/fabric/internal/logging"
	"github.com/wudi/fabric/internal/metrics"
	"go.uber.org/zap"
)

// DefaultRefreshInterval applies to sources without an explicit interval.
const DefaultRefreshInterval = 10 * time.Minute

// fetchTimeout bounds every network call a source makes.
const fetchTimeout = 30 * time.Second

// Record is one cached verification key.
type Record struct {
	KeyID     string
	Algorithm string
	Key       crypto.PublicKey
	SourceID  string
	FetchedAt time.Time
}

// Cache holds keyId → Record, built from per-source key sets. A successful
// refresh replaces the whole set for that source in one update.
type Cache struct {
	mu       sync.RWMutex
	keys     map[string]Record
	bySource map[string]map[string]Record

	sources []config.KeySourceConfig
	client  *http.Client
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a cache for the given sources. Call Start to load keys and
// begin the refresh loops.
func New(sources []config.KeySourceConfig, m *metrics.Metrics) *Cache {
	c := &Cache{
		keys:     make(map[string]Record),
		bySource: make(map[string]map[string]Record),
		sources:  sources,
		client:   &http.Client{Timeout: fetchTimeout},
		metrics:  m,
		logger:   logging.Named("keycache"),
	}
	if m != nil {
		m.KeySourceCount.Set(float64(len(sources)))
	}
	return c
}

// Start loads all sources concurrently and spawns one refresh goroutine per
// source. Per-source load failures are logged, not fatal.
func (c *Cache) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, src := range c.sources {
		wg.Add(1)
		go func(src config.KeySourceConfig) {
			defer wg.Done()
			if err := c.RefreshSource(ctx, src); err != nil {
				c.logger.Error("initial key load failed",
					zap.String("source", src.ID), zap.Error(err))
			}
		}(src)
	}
	wg.Wait()

	for _, src := range c.sources {
		go c.refreshLoop(ctx, src)
	}
}

func (c *Cache) refreshLoop(ctx context.Context, src config.KeySourceConfig) {
	interval := src.RefreshInterval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RefreshSource(ctx, src); err != nil {
				c.logger.Warn("key refresh failed",
					zap.String("source", src.ID), zap.Error(err))
			}
		}
	}
}

// RefreshSource fetches the source and atomically replaces its key set. On
// error the prior set stays in place.
func (c *Cache) RefreshSource(ctx context.Context, src config.KeySourceConfig) error {
	start := time.Now()
	records, err := c.fetch(ctx, src)
	if err != nil {
		if c.metrics != nil {
			c.metrics.KeyRefreshFailures.WithLabelValues(src.ID).Inc()
		}
		return err
	}

	set := make(map[string]Record, len(records))
	for _, r := range records {
		set[r.KeyID] = r
	}

	c.mu.Lock()
	c.bySource[src.ID] = set
	c.rebuildLocked()
	size := len(c.keys)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.KeyRefreshTotal.Inc()
		c.metrics.KeyRefreshBySource.WithLabelValues(src.ID).Inc()
		c.metrics.KeyRefreshSeconds.WithLabelValues(src.ID).Set(time.Since(start).Seconds())
		c.metrics.KeyLastRefresh.SetToCurrentTime()
		c.metrics.KeyCacheSize.Set(float64(size))
	}
	c.logger.Info("key source refreshed",
		zap.String("source", src.ID),
		zap.Int("keys", len(set)),
		zap.Duration("took", time.Since(start)))
	return nil
}

// rebuildLocked merges the per-source sets into the flat keyId index. When
// two sources publish the same keyId the most recently fetched record wins.
func (c *Cache) rebuildLocked() {
	merged := make(map[string]Record, len(c.keys))
	for _, set := range c.bySource {
		for kid, r := range set {
			if prev, ok := merged[kid]; !ok || r.FetchedAt.After(prev.FetchedAt) {
				merged[kid] = r
			}
		}
	}
	c.keys = merged
}

// RefreshAll re-fetches every source. Used for explicit refresh signals.
func (c *Cache) RefreshAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, src := range c.sources {
		wg.Add(1)
		go func(src config.KeySourceConfig) {
			defer wg.Done()
			if err := c.RefreshSource(ctx, src); err != nil {
				c.logger.Warn("key refresh failed",
					zap.String("source", src.ID), zap.Error(err))
			}
		}(src)
	}
	wg.Wait()
}

// Lookup returns the record for a key id.
func (c *Cache) Lookup(keyID string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.keys[keyID]
	return r, ok
}

// Size returns the number of cached keys.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}
