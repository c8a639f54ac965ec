package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/fabric/internal/logging"
	"github.com/wudi/fabric/internal/metrics"
	"go.uber.org/zap"
)

// PublishFunc pushes one serialized event onto the channel. The redis
// implementation wraps PUBLISH; tests substitute an in-process fake.
type PublishFunc func(ctx context.Context, payload []byte) error

// NewRedisPublish returns a PublishFunc backed by redis pub/sub.
func NewRedisPublish(client *redis.Client, channel string) PublishFunc {
	return func(ctx context.Context, payload []byte) error {
		return client.Publish(ctx, channel, payload).Err()
	}
}

// Publisher debounces route-change publication: mutations mark services dirty
// and a single timer flushes the accumulated set as one consolidated event.
// A failed flush keeps the set, so the next mutation retries it.
type Publisher struct {
	publish PublishFunc
	delay   time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer
	closed  bool
}

// NewPublisher creates a publisher flushing after delay of quiescence.
func NewPublisher(publish PublishFunc, delay time.Duration, m *metrics.Metrics) *Publisher {
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &Publisher{
		publish: publish,
		delay:   delay,
		metrics: m,
		logger:  logging.Named("events"),
		pending: make(map[string]bool),
	}
}

// ScheduleEvent marks a service dirty and arms (or re-arms) the flush timer.
// Idempotent per service within one debounce window.
func (p *Publisher) ScheduleEvent(service string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.pending[service] = true
	if p.timer == nil {
		p.timer = time.AfterFunc(p.delay, p.flush)
	} else {
		p.timer.Reset(p.delay)
	}
}

// flush drains the pending set into one ROUTE_CHANGE event. On publish
// failure the services are put back for the next cycle.
func (p *Publisher) flush() {
	p.mu.Lock()
	services := make([]string, 0, len(p.pending))
	for s := range p.pending {
		services = append(services, s)
	}
	p.pending = make(map[string]bool)
	p.timer = nil
	p.mu.Unlock()

	if len(services) == 0 {
		return
	}
	sort.Strings(services)

	if err := p.emit(TypeRouteChange, services, nil); err != nil {
		p.logger.Warn("event publish failed, retrying next cycle",
			zap.Strings("services", services), zap.Error(err))
		p.mu.Lock()
		if !p.closed {
			for _, s := range services {
				p.pending[s] = true
			}
			if p.timer == nil {
				p.timer = time.AfterFunc(p.delay, p.flush)
			}
		}
		p.mu.Unlock()
	}
}

// SendEvent publishes immediately, bypassing the debounce. Used for
// non-route-change event types.
func (p *Publisher) SendEvent(eventType string, services, routes []string) error {
	return p.emit(eventType, services, routes)
}

func (p *Publisher) emit(eventType string, services, routes []string) error {
	event := NewEvent(eventType, services, routes)
	payload, err := event.Marshal()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.publish(ctx, payload); err != nil {
		return err
	}

	if p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(eventType).Inc()
	}
	p.logger.Debug("event published",
		zap.String("type", eventType),
		zap.Strings("services", services))
	return nil
}

// Close stops the timer and flushes any pending services synchronously.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	services := make([]string, 0, len(p.pending))
	for s := range p.pending {
		services = append(services, s)
	}
	p.pending = make(map[string]bool)
	p.mu.Unlock()

	if len(services) == 0 {
		return
	}
	sort.Strings(services)
	if err := p.emit(TypeRouteChange, services, nil); err != nil {
		p.logger.Warn("final flush failed on close", zap.Error(err))
	}
}
