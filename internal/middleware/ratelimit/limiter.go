// Package ratelimit implements the distributed token-bucket limiter. Bucket
// state lives in redis and is mutated by a single Lua script, so concurrent
// gateway replicas see a linearized view per bucket key.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/fabric/internal/config"
	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/logging"
	"github.com/wudi/fabric/internal/metrics"
	"github.com/wudi/fabric/internal/middleware"
	"go.uber.org/zap"
)

// tokenBucketScript refills the bucket by elapsed wall time, then tries to
// take the requested tokens. Returns {allowed (0/1), tokensLeft}. Both keys
// get the TTL passed by the caller.
var tokenBucketScript = redis.NewScript(`
local tokens_key = KEYS[1]
local timestamp_key = KEYS[2]

local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local last_tokens = tonumber(redis.call("get", tokens_key))
if last_tokens == nil then
  last_tokens = capacity
end

local last_refreshed = tonumber(redis.call("get", timestamp_key))
if last_refreshed == nil then
  last_refreshed = 0
end

local delta = math.max(0, now - last_refreshed)
local filled = math.min(capacity, last_tokens + (delta * rate / 1000))
local allowed = 0
local new_tokens = filled
if filled >= requested then
  allowed = 1
  new_tokens = filled - requested
end

redis.call("setex", tokens_key, ttl, new_tokens)
redis.call("setex", timestamp_key, ttl, now)

return { allowed, math.floor(new_tokens) }
`)

// storeTimeout bounds the script call; a slow store must not stall requests.
const storeTimeout = 100 * time.Millisecond

// ScriptRunner evaluates the bucket script. The redis implementation runs by
// SHA and re-uploads on NOSCRIPT; tests substitute an in-process fake.
type ScriptRunner interface {
	Run(ctx context.Context, keys []string, args ...interface{}) ([]interface{}, error)
}

type redisRunner struct {
	client redis.Scripter
}

// NewRedisRunner wraps a redis client as a ScriptRunner.
func NewRedisRunner(client redis.Scripter) ScriptRunner {
	return &redisRunner{client: client}
}

func (r *redisRunner) Run(ctx context.Context, keys []string, args ...interface{}) ([]interface{}, error) {
	return tokenBucketScript.Run(ctx, r.client, keys, args...).Slice()
}

// Result is one bucket evaluation.
type Result struct {
	Allowed   bool
	Remaining int64
}

// Limiter evaluates per-route token buckets against the shared store.
type Limiter struct {
	runner    ScriptRunner
	resolvers *Resolvers
	defaults  config.RateLimitConfig
	overrides map[string]config.RateLimitConfig
	namespace string
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewLimiter builds the limiter from the rate-limit settings. Overrides are
// indexed by route id; a missing per-route config falls back to the limiter
// defaults.
func NewLimiter(runner ScriptRunner, resolvers *Resolvers, settings config.RateLimitSettings, m *metrics.Metrics) *Limiter {
	overrides := make(map[string]config.RateLimitConfig, len(settings.Overrides))
	for _, o := range settings.Overrides {
		merged := o.RateLimitConfig
		if merged.ReplenishRate == 0 {
			merged.ReplenishRate = settings.Defaults.ReplenishRate
		}
		if merged.BurstCapacity == 0 {
			merged.BurstCapacity = settings.Defaults.BurstCapacity
		}
		if merged.RequestedTokens == 0 {
			merged.RequestedTokens = settings.Defaults.RequestedTokens
		}
		if merged.KeyResolver == "" {
			merged.KeyResolver = settings.Defaults.KeyResolver
		}
		overrides[o.RouteID] = merged
	}

	namespace := settings.Namespace
	if namespace == "" {
		namespace = "default"
	}

	return &Limiter{
		runner:    runner,
		resolvers: resolvers,
		defaults:  settings.Defaults,
		overrides: overrides,
		namespace: namespace,
		metrics:   m,
		logger:    logging.Named("ratelimit"),
	}
}

// ConfigFor returns the effective config for a route.
func (l *Limiter) ConfigFor(routeID string) config.RateLimitConfig {
	if cfg, ok := l.overrides[routeID]; ok {
		return cfg
	}
	return l.defaults
}

// HasResolver reports whether the route's effective key resolver is
// registered. Routes naming an unknown resolver are rejected at compile time.
func (l *Limiter) HasResolver(routeID string) bool {
	_, ok := l.resolvers.Get(l.ConfigFor(routeID).KeyResolver)
	return ok
}

// bucketKeys derives the two script keys. The hash-tag braces keep both keys
// in the same cluster slot.
func (l *Limiter) bucketKeys(cfg config.RateLimitConfig, resolved string) (string, string) {
	ns := cfg.Namespace
	if ns == "" {
		ns = l.namespace
	}
	prefix := fmt.Sprintf("request_rate_limiter.{%s:%s}", ns, resolved)
	return prefix + ".tokens", prefix + ".timestamp"
}

// Allow runs one bucket evaluation.
func (l *Limiter) Allow(ctx context.Context, cfg config.RateLimitConfig, resolvedKey string) (Result, error) {
	requested := cfg.RequestedTokens
	if requested <= 0 {
		requested = 1
	}

	ttl := (cfg.BurstCapacity + cfg.ReplenishRate - 1) / cfg.ReplenishRate * 2
	if ttl < 1 {
		ttl = 1
	}

	tokensKey, timestampKey := l.bucketKeys(cfg, resolvedKey)
	raw, err := l.runner.Run(ctx,
		[]string{tokensKey, timestampKey},
		cfg.ReplenishRate, cfg.BurstCapacity,
		time.Now().UnixMilli(), requested, ttl,
	)
	if err != nil {
		return Result{}, err
	}
	if len(raw) != 2 {
		return Result{}, fmt.Errorf("unexpected script reply of %d values", len(raw))
	}

	allowed, _ := raw[0].(int64)
	remaining, _ := raw[1].(int64)
	return Result{Allowed: allowed == 1, Remaining: remaining}, nil
}

// Middleware builds the rate-limit filter for a route. The resolver name
// must have been checked at route compile time.
func (l *Limiter) Middleware(routeID string) middleware.Middleware {
	cfg := l.ConfigFor(routeID)
	resolver, _ := l.resolvers.Get(cfg.KeyResolver)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if resolver == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := resolver.Resolve(r, routeID)
			if key == "" {
				// No bucket key, nothing to count against.
				next.ServeHTTP(w, r)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
			res, err := l.Allow(ctx, cfg, key)
			cancel()
			if err != nil {
				// Fail open: an unreachable store must not take the
				// dataplane down with it.
				l.logger.Warn("rate limit store unavailable, failing open",
					zap.String("route", routeID), zap.Error(err))
				if l.metrics != nil {
					l.metrics.RateLimitErrors.Inc()
				}
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
			w.Header().Set("X-RateLimit-Burst-Capacity", strconv.FormatInt(cfg.BurstCapacity, 10))

			if !res.Allowed {
				if l.metrics != nil {
					l.metrics.RateLimitDenied.Inc()
				}
				errors.ErrTooManyRequests.WriteJSON(w)
				return
			}

			if l.metrics != nil {
				l.metrics.RateLimitAllowed.Inc()
			}
			next.ServeHTTP(w, r)
		})
	}
}
