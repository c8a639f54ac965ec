package refresh

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/fabric/internal/config"
	"github.com/wudi/fabric/internal/logging"
	"go.uber.org/zap"
)

// Prober checks the pub/sub substrate's liveness.
type Prober interface {
	Probe(ctx context.Context) error
}

// redisProber pings the store the channel runs on.
type redisProber struct {
	client *redis.Client
}

// NewRedisProber wraps a redis client as a Prober.
func NewRedisProber(client *redis.Client) Prober {
	return &redisProber{client: client}
}

func (p *redisProber) Probe(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Scheduler is the polling fallback: while the channel is degraded it drives
// the refresher on a fixed interval, so registry changes still land within
// one tick.
type Scheduler struct {
	prober         Prober
	trigger        Trigger
	interval       time.Duration
	probeTimeout   time.Duration
	fallbackActive atomic.Bool
	logger         *zap.Logger
}

// NewScheduler creates the fallback scheduler.
func NewScheduler(prober Prober, trigger Trigger, cfg config.FallbackConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Scheduler{
		prober:       prober,
		trigger:      trigger,
		interval:     interval,
		probeTimeout: probeTimeout,
		logger:       logging.Named("fallback"),
	}
}

// Run ticks until ctx is cancelled. Errors are logged, never fatal.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick probes the channel substrate. Probe failure activates fallback and
// refreshes; the first success after activation clears the flag without an
// extra refresh.
func (s *Scheduler) tick(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	err := s.prober.Probe(probeCtx)
	cancel()

	if err != nil {
		if s.fallbackActive.CompareAndSwap(false, true) {
			s.logger.Warn("change channel unreachable, polling fallback active", zap.Error(err))
		}
		if refreshErr := s.trigger.Refresh(ctx); refreshErr != nil {
			s.logger.Error("fallback refresh failed", zap.Error(refreshErr))
		}
		return
	}

	if s.fallbackActive.CompareAndSwap(true, false) {
		s.logger.Info("change channel recovered, polling fallback cleared")
	}
}

// ForceFallback activates the fallback regardless of probe state. The next
// successful probe clears it.
func (s *Scheduler) ForceFallback() {
	if s.fallbackActive.CompareAndSwap(false, true) {
		s.logger.Warn("polling fallback forced on")
	}
}

// FallbackActive reports whether the scheduler is in fallback mode.
func (s *Scheduler) FallbackActive() bool {
	return s.fallbackActive.Load()
}
