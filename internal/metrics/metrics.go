package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamer_status"

// Metrics groups the collectors of both processes. A nil *Metrics is
// valid and records nothing, which keeps tests free of registries.
type Metrics struct {
	registry *prometheus.Registry

	checks         *prometheus.CounterVec
	checkDuration  prometheus.Histogram
	platformErrors *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	publishes      *prometheus.CounterVec
	tasks          *prometheus.CounterVec
	deadLetters    *prometheus.CounterVec
	enqueued       *prometheus.CounterVec
	connections    prometheus.Gauge
	broadcasts     prometheus.Counter
	evictions      *prometheus.CounterVec
	busMessages    *prometheus.CounterVec
}

// New creates and registers every collector on a fresh registry that
// also carries the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{registry: reg}
	m.checks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checks_total",
		Help:      "Status checks by outcome (unchanged, changed, failed, missing).",
	}, []string{"outcome"})
	m.checkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "check_duration_seconds",
		Help:      "Time spent reconciling one streamer.",
		Buckets:   prometheus.DefBuckets,
	})
	m.platformErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "platform_errors_total",
		Help:      "Failed platform queries by platform and whether a cached observation was used.",
	}, []string{"platform", "fallback"})
	m.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transitions_total",
		Help:      "Persisted status changes by kind.",
	}, []string{"kind"})
	m.publishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publishes_total",
		Help:      "Event bus publishes by outcome.",
	}, []string{"outcome"})
	m.tasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_tasks_total",
		Help:      "Processed queue tasks by queue and outcome.",
	}, []string{"queue", "outcome"})
	m.deadLetters = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_dead_letters_total",
		Help:      "Tasks moved to the dead-letter list.",
	}, []string{"queue"})
	m.enqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_enqueued_total",
		Help:      "Tasks enqueued by queue.",
	}, []string{"queue"})
	m.connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_connections",
		Help:      "Open websocket connections.",
	})
	m.broadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_broadcasts_total",
		Help:      "Messages broadcast to all connections.",
	})
	m.evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_evictions_total",
		Help:      "Connections removed by reason.",
	}, []string{"reason"})
	m.busMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_messages_total",
		Help:      "Event bus messages received by outcome.",
	}, []string{"outcome"})

	reg.MustRegister(
		m.checks, m.checkDuration, m.platformErrors, m.transitions, m.publishes,
		m.tasks, m.deadLetters, m.enqueued, m.connections, m.broadcasts,
		m.evictions, m.busMessages,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) CheckDone(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(outcome).Inc()
	m.checkDuration.Observe(seconds)
}

func (m *Metrics) PlatformError(platform string, fallback bool) {
	if m == nil {
		return
	}
	fb := "none"
	if fallback {
		fb = "cached"
	}
	m.platformErrors.WithLabelValues(platform, fb).Inc()
}

func (m *Metrics) Transition(kind string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind).Inc()
}

func (m *Metrics) Published(ok bool) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(outcome(ok)).Inc()
}

func (m *Metrics) TaskDone(queue, outcome string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(queue, outcome).Inc()
}

func (m *Metrics) DeadLettered(queue string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(queue).Inc()
}

func (m *Metrics) Enqueued(queue string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(queue).Inc()
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) Broadcast() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}

func (m *Metrics) Evicted(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

func (m *Metrics) BusMessage(outcome string) {
	if m == nil {
		return
	}
	m.busMessages.WithLabelValues(outcome).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
