package refresh

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/wudi/fabric/internal/accesscontrol"
	"github.com/wudi/fabric/internal/config"
	"github.com/wudi/fabric/internal/logging"
	"github.com/wudi/fabric/internal/metrics"
	"github.com/wudi/fabric/internal/route"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Trigger is anything that can drive a refresh: the subscriber, the fallback
// scheduler, and startup all share it.
type Trigger interface {
	Refresh(ctx context.Context) error
}

// Refresher pulls the registry state, compiles it and installs the snapshot.
// Concurrent callers coalesce into one in-flight refresh.
type Refresher struct {
	source   Source
	compiler *route.Compiler
	table    *route.Table
	access   *accesscontrol.Store
	retry    config.RetryConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
	group    singleflight.Group
}

// NewRefresher wires a refresher. access may be nil when client access
// control is disabled.
func NewRefresher(source Source, compiler *route.Compiler, table *route.Table,
	access *accesscontrol.Store, retry config.RetryConfig, m *metrics.Metrics) *Refresher {
	return &Refresher{
		source:   source,
		compiler: compiler,
		table:    table,
		access:   access,
		retry:    retry,
		metrics:  m,
		logger:   logging.Named("refresh"),
	}
}

// Refresh fetches, compiles and installs the current registry state. It is
// idempotent: unchanged registry content leaves the installed snapshot alone.
func (r *Refresher) Refresh(ctx context.Context) error {
	_, err, _ := r.group.Do("refresh", func() (interface{}, error) {
		return nil, r.refresh(ctx)
	})
	return err
}

func (r *Refresher) refresh(ctx context.Context) error {
	defs, err := r.fetchRoutes(ctx)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RefreshFailure.Inc()
		}
		r.logger.Error("route refresh failed, keeping current snapshot", zap.Error(err))
		return err
	}

	current := r.table.Current()
	hash := route.HashDefinitions(defs)
	if current.Generation > 0 && current.Hash == hash {
		r.logger.Debug("registry content unchanged, skipping install",
			zap.Uint64("generation", current.Generation))
	} else {
		snapshot := r.compiler.Compile(defs)
		r.table.Install(snapshot)
		r.logger.Info("route snapshot installed",
			zap.Uint64("generation", snapshot.Generation),
			zap.Int("routes", snapshot.Len()),
			zap.Int("definitions", len(defs)))
	}

	r.refreshClientAccess(ctx)

	if r.metrics != nil {
		r.metrics.RefreshSuccess.Inc()
	}
	return nil
}

// fetchRoutes retries the registry fetch with bounded exponential backoff.
func (r *Refresher) fetchRoutes(ctx context.Context) ([]route.RouteDefinition, error) {
	bo := backoff.NewExponentialBackOff()
	if r.retry.InitialInterval > 0 {
		bo.InitialInterval = r.retry.InitialInterval
	}
	if r.retry.MaxInterval > 0 {
		bo.MaxInterval = r.retry.MaxInterval
	}
	bo.MaxElapsedTime = 0

	attempts := r.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var defs []route.RouteDefinition
	err := backoff.Retry(func() error {
		var err error
		defs, err = r.source.FetchRoutes(ctx)
		if err != nil {
			r.logger.Warn("registry fetch attempt failed", zap.Error(err))
		}
		return err
	}, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(attempts-1)))
	return defs, err
}

// refreshClientAccess updates the persisted client set. Failures keep the
// previous set; the next refresh retries.
func (r *Refresher) refreshClientAccess(ctx context.Context) {
	if r.access == nil {
		return
	}
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	recs, err := r.source.FetchClientAccess(fetchCtx)
	if err != nil {
		r.logger.Warn("client access refresh failed, keeping current set", zap.Error(err))
		return
	}
	r.access.SetPersisted(recs)
	r.logger.Debug("client access set refreshed", zap.Int("clients", len(recs)))
}
