// Package gateway is the composition root of the dataplane: it builds every
// subsystem from config, wires the filter chain, and runs the HTTP server
// plus the refresh machinery.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/fabric/internal/accesscontrol"
	"github.com/wudi/fabric/internal/config"
	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/keycache"
	"github.com/wudi/fabric/internal/logging"
	"github.com/wudi/fabric/internal/metrics"
	"github.com/wudi/fabric/internal/middleware"
	"github.com/wudi/fabric/internal/middleware/accesslog"
	"github.com/wudi/fabric/internal/middleware/auth"
	"github.com/wudi/fabric/internal/middleware/ratelimit"
	"github.com/wudi/fabric/internal/proxy"
	"github.com/wudi/fabric/internal/refresh"
	"github.com/wudi/fabric/internal/route"
	"go.uber.org/zap"
)

// Server owns the gateway's runtime: the route table, the refresh machinery
// and the inbound HTTP listener.
type Server struct {
	cfg        *config.Config
	metrics    *metrics.Metrics
	redis      *redis.Client
	keys       *keycache.Cache
	table      *route.Table
	refresher  *refresh.Refresher
	subscriber *refresh.Subscriber
	scheduler  *refresh.Scheduler
	accessLog  *accesslog.Logger
	httpServer *http.Server
	logger     *zap.Logger
}

// NewServer builds and wires the whole dataplane. It does not start anything;
// Run does.
func NewServer(cfg *config.Config) (*Server, error) {
	m := metrics.New()
	logger := logging.Named("gateway")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	keys := keycache.New(cfg.Gateway.JWT.KeySources, m)
	validator, err := auth.NewValidator(cfg.Gateway.JWT, keys)
	if err != nil {
		return nil, fmt.Errorf("jwt validator: %w", err)
	}

	var accessStore *accesscontrol.Store
	var accessFilter middleware.Middleware
	if cfg.Gateway.ClientAccessControl.Enabled {
		accessStore = accesscontrol.NewStore(clientOverrides(cfg))
		accessFilter = accesscontrol.NewFilter(accessStore, cfg.Gateway.ClientAccessControl.ClientClaims).Middleware()
	}

	var limiter *ratelimit.Limiter
	if cfg.Gateway.RateLimit.Enabled {
		resolvers, err := ratelimit.NewResolvers(resolverSpecs(cfg))
		if err != nil {
			return nil, fmt.Errorf("rate limit resolvers: %w", err)
		}
		limiter = ratelimit.NewLimiter(
			ratelimit.NewRedisRunner(rdb), resolvers, cfg.Gateway.RateLimit, m)
	}

	var accessLogger *accesslog.Logger
	if cfg.Gateway.AccessLog.Enabled {
		accessLogger = accesslog.New(cfg.Gateway.AccessLog)
	}

	dispatcher := proxy.NewDispatcher()
	ambient := route.AmbientFilters{
		Auth: validator.Middleware,
	}
	if accessLogger != nil {
		ambient.AccessLog = accessLogger.Middleware()
	}
	if accessFilter != nil {
		ambient.ClientAccess = accessFilter
	}
	if limiter != nil {
		ambient.RateLimit = limiter.Middleware
		ambient.RateLimitResolverKnown = limiter.HasResolver
	}

	compiler := route.NewCompiler(ambient, dispatcher.Handler)
	table := route.NewTable()
	refresher := refresh.NewRefresher(
		refresh.NewRegistryClient(cfg.Registry), compiler, table, accessStore,
		cfg.Registry.Retry, m)

	s := &Server{
		cfg:        cfg,
		metrics:    m,
		redis:      rdb,
		keys:       keys,
		table:      table,
		refresher:  refresher,
		subscriber: refresh.NewSubscriber(rdb, cfg.Events.Channel, refresher, m),
		scheduler:  refresh.NewScheduler(refresh.NewRedisProber(rdb), refresher, cfg.Registry.Fallback),
		accessLog:  accessLogger,
		logger:     logger,
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           s.buildMux(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	return s, nil
}

func clientOverrides(cfg *config.Config) []accesscontrol.ClientRecord {
	overrides := make([]accesscontrol.ClientRecord, 0, len(cfg.Gateway.ClientAccessControl.Overrides))
	for _, o := range cfg.Gateway.ClientAccessControl.Overrides {
		overrides = append(overrides, accesscontrol.ClientRecord{
			ClientID:    o.ClientID,
			Tenant:      o.Tenant,
			Description: o.Description,
			Active:      o.Active,
			Allow:       o.Allow,
		})
	}
	return overrides
}

func resolverSpecs(cfg *config.Config) []ratelimit.ResolverSpec {
	specs := make([]ratelimit.ResolverSpec, 0, len(cfg.Gateway.RateLimit.KeyResolvers))
	for _, kr := range cfg.Gateway.RateLimit.KeyResolvers {
		specs = append(specs, ratelimit.ResolverSpec{
			Name:   kr.Name,
			Type:   kr.Type,
			Header: kr.Header,
		})
	}
	return specs
}

func (s *Server) buildMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/fallback/", proxy.FallbackHandler())
	mux.Handle("/fallback", proxy.FallbackHandler())

	if s.cfg.Gateway.Metrics.Enabled {
		mux.Handle("/actuator/prometheus", s.metrics.Handler())
		mux.HandleFunc("/actuator/health", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"status": "UP"})
		})
	}

	mux.Handle("/", s.instrument(http.HandlerFunc(s.dispatch)))
	return mux
}

// dispatch matches the request against the current snapshot and runs the
// route's chain. The snapshot is loaded once and used for the whole request.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	rt := s.table.Current().Match(r)
	if rt == nil {
		s.notFound(w, r)
		return
	}
	// Set the route id before the chain runs so short-circuited responses
	// still log and count against the matched route.
	middleware.SetRouteID(r.Context(), rt.ID)
	rt.Handler.ServeHTTP(w, r)
}

// notFound answers unrouted requests, still producing an access-log line.
func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	h := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		errors.ErrRouteNotFound.WriteJSON(w)
	}))
	if s.accessLog != nil {
		h = s.accessLog.Middleware()(h)
	}
	h.ServeHTTP(w, r)
}

// instrument records per-request counters and latency.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := accesslog.NewStatusRecorder(w)
		ctx := middleware.WithRouteIDHolder(r.Context())
		next.ServeHTTP(rec, r.WithContext(ctx))

		routeID := middleware.RouteID(ctx)
		if routeID == "" {
			routeID = "UNKNOWN"
		}
		s.metrics.RequestsTotal.WithLabelValues(
			routeID, r.Method, strconv.Itoa(rec.Status())).Inc()
		s.metrics.RequestDuration.WithLabelValues(routeID).
			Observe(time.Since(start).Seconds())
	})
}

// Bootstrap loads the key cache and installs the initial route snapshot. A
// failed initial refresh is non-fatal; the subscriber and fallback scheduler
// converge once the registry is reachable.
func (s *Server) Bootstrap(ctx context.Context) {
	s.keys.Start(ctx)
	if err := s.refresher.Refresh(ctx); err != nil {
		s.logger.Warn("initial route refresh failed", zap.Error(err))
	}
}

// Run bootstraps, launches the subscriber and fallback scheduler, and serves
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.Bootstrap(runCtx)

	go s.subscriber.Run(runCtx)
	go s.scheduler.Run(runCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	grace := s.cfg.Server.ShutdownGrace
	if grace <= 0 {
		grace = 15 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
	defer shutdownCancel()
	s.logger.Info("shutting down", zap.Duration("grace", grace))
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return s.redis.Close()
}

// Refresher exposes the refresh trigger for operator tooling.
func (s *Server) Refresher() refresh.Trigger {
	return s.refresher
}

// ForceFallback flips the scheduler into polling mode.
func (s *Server) ForceFallback() {
	s.scheduler.ForceFallback()
}

// Handler returns the root handler, used by tests to drive the gateway
// without a listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
