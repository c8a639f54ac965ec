package refresh

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/wudi/fabric/internal/events"
	"github.com/wudi/fabric/internal/logging"
	"github.com/wudi/fabric/internal/metrics"
	"go.uber.org/zap"
)

// Subscriber consumes change events off the pub/sub channel and drives the
// refresher. Delivery is at-least-once; the refresher's idempotence absorbs
// duplicates.
type Subscriber struct {
	client  *redis.Client
	channel string
	trigger Trigger
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewSubscriber creates a subscriber for the named channel.
func NewSubscriber(client *redis.Client, channel string, trigger Trigger, m *metrics.Metrics) *Subscriber {
	return &Subscriber{
		client:  client,
		channel: channel,
		trigger: trigger,
		metrics: m,
		logger:  logging.Named("subscriber"),
	}
}

// Run subscribes and consumes until ctx is cancelled, reconnecting with
// backoff when the subscription drops.
func (s *Subscriber) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if err := s.consume(ctx); err != nil {
			s.logger.Warn("subscription dropped, reconnecting", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (s *Subscriber) consume(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	// Fail fast if the subscribe itself did not go through.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	s.logger.Info("subscribed to change channel", zap.String("channel", s.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, msg.Payload)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, payload string) {
	if payload == "" {
		return
	}

	event, err := events.Unmarshal([]byte(payload))
	if err != nil {
		if s.metrics != nil {
			s.metrics.MalformedEvents.Inc()
		}
		s.logger.Warn("dropping malformed event", zap.Error(err))
		return
	}

	if s.metrics != nil {
		s.metrics.EventsReceived.WithLabelValues(event.EventType).Inc()
	}
	s.logger.Debug("change event received",
		zap.String("type", event.EventType),
		zap.Strings("services", event.Services))

	if err := s.trigger.Refresh(ctx); err != nil {
		s.logger.Error("event-driven refresh failed",
			zap.String("event", event.EventID), zap.Error(err))
	}
}
