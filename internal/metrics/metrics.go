// Package metrics exposes Prometheus collectors for the streaming service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/stagestream/internal/event"
)

// Metrics owns every collector of the service. All methods are safe on a nil
// receiver so components can run without metrics in tests.
type Metrics struct {
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	eventsPublishedTotal *prometheus.CounterVec
	publishFailuresTotal *prometheus.CounterVec
	eventsDroppedTotal   *prometheus.CounterVec

	streamSessionsActive *prometheus.GaugeVec
	streamSessionsTotal  *prometheus.CounterVec
	streamFramesTotal    *prometheus.CounterVec
	decodeErrorsTotal    prometheus.Counter
	subscribeFailures    prometheus.Counter
	admissionRejected    *prometheus.CounterVec

	reg prometheus.Registerer
}

// New registers the collectors on reg. Registering twice on the same registry
// panics, as with promauto.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120, 600},
			},
			[]string{"method", "route"},
		),
		eventsPublishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagestream_events_published_total",
				Help: "Events handed to the broker, labeled by kind.",
			},
			[]string{"kind"},
		),
		publishFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagestream_publish_failures_total",
				Help: "Broker publishes that failed and were swallowed, labeled by kind.",
			},
			[]string{"kind"},
		),
		eventsDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagestream_events_dropped_total",
				Help: "Events discarded by publishers, labeled by reason.",
			},
			[]string{"reason"},
		),
		streamSessionsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stagestream_stream_sessions_active",
				Help: "Client stream sessions currently attached, labeled by transport.",
			},
			[]string{"transport"},
		),
		streamSessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagestream_stream_sessions_total",
				Help: "Finished client stream sessions, labeled by transport and outcome.",
			},
			[]string{"transport", "outcome"},
		),
		streamFramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagestream_stream_frames_total",
				Help: "Frames written to clients, labeled by transport and event kind.",
			},
			[]string{"transport", "kind"},
		),
		decodeErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "stagestream_decode_errors_total",
				Help: "Broker payloads subscribers could not decode.",
			},
		),
		subscribeFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "stagestream_subscribe_failures_total",
				Help: "Client streams refused because the broker subscription failed.",
			},
		),
		admissionRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagestream_admission_rejected_total",
				Help: "Requests answered 429 by the per-client admission limit, labeled by route.",
			},
			[]string{"route"},
		),
	}
}

// Handler returns an http.Handler for exposing the gathered metrics.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// EventPublished counts a successful broker publish.
func (m *Metrics) EventPublished(kind event.Kind) {
	if m == nil {
		return
	}
	m.eventsPublishedTotal.WithLabelValues(string(kind)).Inc()
}

// PublishFailed counts a swallowed broker failure.
func (m *Metrics) PublishFailed(kind event.Kind) {
	if m == nil {
		return
	}
	m.publishFailuresTotal.WithLabelValues(string(kind)).Inc()
}

// EventDropped counts an event a publisher refused to send.
func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDroppedTotal.WithLabelValues(reason).Inc()
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted(transport string) {
	if m == nil {
		return
	}
	m.streamSessionsActive.WithLabelValues(transport).Inc()
}

// SessionEnded decrements the active session gauge and records the outcome.
func (m *Metrics) SessionEnded(transport, outcome string) {
	if m == nil {
		return
	}
	m.streamSessionsActive.WithLabelValues(transport).Dec()
	m.streamSessionsTotal.WithLabelValues(transport, outcome).Inc()
}

// FrameWritten counts one frame delivered to a client.
func (m *Metrics) FrameWritten(transport string, kind event.Kind) {
	if m == nil {
		return
	}
	m.streamFramesTotal.WithLabelValues(transport, string(kind)).Inc()
}

// DecodeError counts an undecodable broker payload.
func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrorsTotal.Inc()
}

// SubscribeFailed counts a refused client stream.
func (m *Metrics) SubscribeFailed() {
	if m == nil {
		return
	}
	m.subscribeFailures.Inc()
}

// AdmissionRejected counts a request refused by the admission limiter.
func (m *Metrics) AdmissionRejected(route string) {
	if m == nil {
		return
	}
	m.admissionRejected.WithLabelValues(route).Inc()
}

// WatchRedisPool exports the go-redis connection pool counters as gauges.
func (m *Metrics) WatchRedisPool(stats func() *redis.PoolStats) {
	if m == nil || stats == nil {
		return
	}
	factory := promauto.With(m.reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "stagestream_redis_pool_total_conns",
		Help: "Connections held by the Redis broker pool.",
	}, func() float64 { return float64(stats().TotalConns) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "stagestream_redis_pool_idle_conns",
		Help: "Idle connections in the Redis broker pool.",
	}, func() float64 { return float64(stats().IdleConns) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "stagestream_redis_pool_timeouts",
		Help: "Times a caller waited too long for a pooled Redis connection.",
	}, func() float64 { return float64(stats().Timeouts) })
}
