// Package cache holds per-route response caches for GET requests. Each route
// compile builds a fresh cache, so a snapshot swap also drops stale entries.
package cache

import (
	"bytes"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/wudi/fabric/internal/middleware"
)

const (
	DefaultSize = 1024
	DefaultTTL  = 60 * time.Second
)

// Config sizes one route's cache. KeyHeader, when set, makes the cache key
// vary on that request header.
type Config struct {
	KeyHeader string
	Size      int
	TTL       time.Duration
}

type entry struct {
	status int
	header http.Header
	body   []byte
}

// Cache is an expiring LRU of complete responses keyed by request URI.
type Cache struct {
	keyHeader string
	lru       *expirable.LRU[string, *entry]
}

// New builds a cache, applying defaults for unset size and TTL.
func New(cfg Config) *Cache {
	size := cfg.Size
	if size <= 0 {
		size = DefaultSize
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		keyHeader: cfg.KeyHeader,
		lru:       expirable.NewLRU[string, *entry](size, nil, ttl),
	}
}

func (c *Cache) key(r *http.Request) string {
	k := r.URL.RequestURI()
	if c.keyHeader != "" {
		k += "\x00" + r.Header.Get(c.keyHeader)
	}
	return k
}

// Middleware serves GET requests from the cache and stores 200 responses.
// Non-GET requests and error responses pass through uncached.
func (c *Cache) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			key := c.key(r)
			if e, ok := c.lru.Get(key); ok {
				copyHeader(w.Header(), e.header)
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(e.status)
				w.Write(e.body)
				return
			}

			w.Header().Set("X-Cache", "MISS")
			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status == http.StatusOK {
				header := rec.Header().Clone()
				header.Del("X-Cache")
				c.lru.Add(key, &entry{
					status: rec.status,
					header: header,
					body:   rec.buf.Bytes(),
				})
			}
		})
	}
}

func copyHeader(dst, src http.Header) {
	for name, vals := range src {
		for _, v := range vals {
			dst.Add(name, v)
		}
	}
}

// recorder tees the response body while passing everything through to the
// client.
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *recorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
