package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "staticserver"

// metrics holds the collectors of one server, each server gets its own
// registry so several servers can live in one process
type metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	bytes         prometheus.Counter
	duration      prometheus.Histogram
	connsActive   prometheus.Gauge
	connsAccepted prometheus.Counter
	connsRejected prometheus.Counter
	cacheEvents   *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &metrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Requests served by method and status code",
		}, []string{"method", "code"}),
		bytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "response_bytes_total",
			Help:      "Body bytes written",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent serving a request",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 9),
		}),
		connsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Connections currently holding a slot",
		}),
		connsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_accepted_total",
			Help:      "Connections admitted below the ceiling",
		}),
		connsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_rejected_total",
			Help:      "Connections answered with 503 over the ceiling",
		}),
		cacheEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_events_total",
			Help:      "Metadata cache hits, misses, revalidations and evictions",
		}, []string{"event"}),
	}
}

func (m *metrics) observeRequest(method string, status int, bytes int64, d time.Duration) {
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.bytes.Add(float64(bytes))
	m.duration.Observe(d.Seconds())
}

func (m *metrics) connOpened() {
	m.connsAccepted.Inc()
	m.connsActive.Inc()
}

func (m *metrics) connClosed() {
	m.connsActive.Dec()
}

func (m *metrics) connRejected() {
	m.connsRejected.Inc()
}

// handler exposes the registry in the Prometheus text format
func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// cacheMetrics reports cache events, it satisfies cache.Metrics
type cacheMetrics struct {
	events *prometheus.CounterVec
}

func (m *metrics) cache() cacheMetrics {
	return cacheMetrics{events: m.cacheEvents}
}

func (c cacheMetrics) Hit()     { c.events.WithLabelValues("hit").Inc() }
func (c cacheMetrics) Miss()    { c.events.WithLabelValues("miss").Inc() }
func (c cacheMetrics) Evicted() { c.events.WithLabelValues("evict").Inc() }

func (c cacheMetrics) Revalidated(changed bool) {
	if changed {
		c.events.WithLabelValues("changed").Inc()
		return
	}
	c.events.WithLabelValues("unchanged").Inc()
}
