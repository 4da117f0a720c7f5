package driver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "scalpel_driver"

// Metrics holds the driver's Prometheus collectors on a private registry so
// several browsers in one process (tests) never collide. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessionsOpened prometheus.Counter
	sessionsClosed prometheus.Counter
	sessionsActive prometheus.Gauge
	navigations    *prometheus.CounterVec
	navLatency     prometheus.Histogram
	nodeActions    *prometheus.CounterVec
	errors         *prometheus.CounterVec
	dialogs        *prometheus.CounterVec
	blocked        prometheus.Counter
}

// NewMetrics creates the collectors and registers them, together with the
// Go runtime collectors, on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_opened_total",
			Help:      "Browser sessions opened.",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_closed_total",
			Help:      "Browser sessions closed.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Browser sessions currently open.",
		}),
		navigations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "navigations_total",
			Help:      "Top-level navigations by outcome.",
		}, []string{"outcome"}),
		navLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "navigation_duration_seconds",
			Help:      "Time from navigation start to the load event.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		nodeActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "node_actions_total",
			Help:      "Element actions performed, by kind.",
		}, []string{"action"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "Errors returned to callers, by kind.",
		}, []string{"kind"}),
		dialogs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dialogs_total",
			Help:      "JavaScript dialogs answered, by type and whether an expectation claimed them.",
		}, []string{"type", "expected"}),
		blocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_blocked_total",
			Help:      "Requests failed by the URL blacklist or whitelist.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsOpened, m.sessionsClosed, m.sessionsActive,
		m.navigations, m.navLatency,
		m.nodeActions, m.errors, m.dialogs, m.blocked,
	)
	return m
}

// Registry exposes the private registry for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.sessionsClosed.Inc()
	m.sessionsActive.Dec()
}

func (m *Metrics) navigation(latency time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.navigations.WithLabelValues("error").Inc()
		return
	}
	m.navigations.WithLabelValues("ok").Inc()
	m.navLatency.Observe(latency.Seconds())
}

func (m *Metrics) nodeAction(action string) {
	if m == nil {
		return
	}
	m.nodeActions.WithLabelValues(action).Inc()
}

// observe counts err by kind and hands it back, so call sites can
// `return m.observe(err)`.
func (m *Metrics) observe(err error) error {
	if m == nil || err == nil {
		return err
	}
	m.errors.WithLabelValues(errorKind(err)).Inc()
	return err
}

func (m *Metrics) dialog(kind ModalKind, expected bool) {
	if m == nil {
		return
	}
	exp := "false"
	if expected {
		exp = "true"
	}
	m.dialogs.WithLabelValues(string(kind), exp).Inc()
}

func (m *Metrics) requestBlocked() {
	if m == nil {
		return
	}
	m.blocked.Inc()
}
