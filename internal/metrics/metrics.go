package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for both the gateway and the
// registry. Every subsystem gets its handle at construction time; there is no
// package-level default registry.
type Metrics struct {
	registry *prometheus.Registry

	// Request dataplane
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Public-key cache
	KeyCacheSize        prometheus.Gauge
	KeySourceCount      prometheus.Gauge
	KeyRefreshTotal     prometheus.Counter
	KeyLastRefresh      prometheus.Gauge
	KeyRefreshBySource  *prometheus.CounterVec
	KeyRefreshSeconds   *prometheus.GaugeVec
	KeyRefreshFailures  *prometheus.CounterVec

	// Route refresh / events
	EventsReceived  *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
	MalformedEvents prometheus.Counter
	RefreshSuccess  prometheus.Counter
	RefreshFailure  prometheus.Counter

	// Rate limiter
	RateLimitAllowed prometheus.Counter
	RateLimitDenied  prometheus.Counter
	RateLimitErrors  prometheus.Counter
}

// New creates a Metrics instance backed by a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total requests handled, by route, method and status.",
		}, []string{"route", "method", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		KeyCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_jwt_key_cache_size",
			Help: "Number of public keys currently cached.",
		}),
		KeySourceCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_jwt_key_sources",
			Help: "Number of configured public-key sources.",
		}),
		KeyRefreshTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_jwt_key_refresh_total",
			Help: "Total public-key refresh operations.",
		}),
		KeyLastRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_jwt_key_last_refresh_timestamp_seconds",
			Help: "Unix time of the last successful key refresh.",
		}),
		KeyRefreshBySource: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_jwt_key_refresh_by_source_total",
			Help: "Key refresh operations per source.",
		}, []string{"source"}),
		KeyRefreshSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_jwt_key_refresh_duration_seconds",
			Help: "Duration of the last key refresh per source.",
		}, []string{"source"}),
		KeyRefreshFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_jwt_key_refresh_failures_total",
			Help: "Failed key refresh operations per source.",
		}, []string{"source"}),

		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_received_total",
			Help: "Route change events received, by type.",
		}, []string{"type"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_events_published_total",
			Help: "Route change events published, by type.",
		}, []string{"type"}),
		MalformedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_events_malformed_total",
			Help: "Events dropped because they could not be decoded.",
		}),
		RefreshSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_route_refresh_success_total",
			Help: "Successful route refreshes.",
		}),
		RefreshFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_route_refresh_failure_total",
			Help: "Failed route refreshes.",
		}),

		RateLimitAllowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_limit_allowed_total",
			Help: "Requests allowed by the rate limiter.",
		}),
		RateLimitDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_limit_denied_total",
			Help: "Requests denied by the rate limiter.",
		}),
		RateLimitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_limit_errors_total",
			Help: "Rate limiter store errors (failed open).",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration,
		m.KeyCacheSize, m.KeySourceCount, m.KeyRefreshTotal, m.KeyLastRefresh,
		m.KeyRefreshBySource, m.KeyRefreshSeconds, m.KeyRefreshFailures,
		m.EventsReceived, m.EventsPublished, m.MalformedEvents,
		m.RefreshSuccess, m.RefreshFailure,
		m.RateLimitAllowed, m.RateLimitDenied, m.RateLimitErrors,
	)

	return m
}

// Handler returns the Prometheus scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
