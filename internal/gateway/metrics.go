// ABOUTME: Prometheus metrics for connections, requests, notifications and backends
// ABOUTME: Registered on an injected registerer so tests can use a private registry

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "evdash"

// Metrics holds the gateway's collectors.
type Metrics struct {
	connections      prometheus.Gauge
	requests         *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	pending          prometheus.Gauge
	timeouts         prometheus.Counter
	droppedReplies   prometheus.Counter
	backendAvailable *prometheus.GaugeVec
	backendEvents    *prometheus.CounterVec
	registered       []prometheus.Collector
	registerer       prometheus.Registerer
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Number of open dashboard connections.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Requests handled, by action and result code.",
		}, []string{"action", "result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_total",
			Help:      "Notifications delivered to connections, by event.",
		}, []string{"event"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_requests",
			Help:      "Requests waiting for an asynchronous backend reply.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "request_timeouts_total",
			Help:      "Pending requests that expired without a backend reply.",
		}),
		droppedReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_replies_total",
			Help:      "Backend replies discarded because the requester had gone.",
		}),
		backendAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "backend",
			Name:      "available",
			Help:      "1 while the backend is registered and mirrored.",
		}, []string{"backend"}),
		backendEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "backend",
			Name:      "events_total",
			Help:      "Mirror changes received from backends.",
		}, []string{"backend", "kind"}),
		registerer: reg,
	}

	m.registered = []prometheus.Collector{
		m.connections, m.requests, m.notifications, m.pending,
		m.timeouts, m.droppedReplies, m.backendAvailable, m.backendEvents,
	}
	if reg != nil {
		reg.MustRegister(m.registered...)
	}
	return m
}

// watchTokens exports count as the active_tokens gauge, sampled on scrape.
func (m *Metrics) watchTokens(count func() int) {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "active_tokens",
		Help:      "Unexpired session tokens.",
	}, func() float64 { return float64(count()) })
	m.registered = append(m.registered, gauge)
	if m.registerer != nil {
		m.registerer.MustRegister(gauge)
	}
}

// Unregister removes the collectors from the registerer.
func (m *Metrics) Unregister() {
	if m.registerer == nil {
		return
	}
	for _, c := range m.registered {
		m.registerer.Unregister(c)
	}
}

func (m *Metrics) request(action string, code ErrorCode) {
	result := "ok"
	if code != "" {
		result = string(code)
	}
	m.requests.WithLabelValues(action, result).Inc()
}
