// Package metrics holds the Prometheus collectors of the session core.
//
// Collectors are registered against the Registerer passed to New, so tests
// and embedders can keep independent registries. Every method is safe to
// call on a nil *Metrics, which turns instrumentation off.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "thoughtcore"

type Metrics struct {
	sessionsCreated  *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
	sessionsEvicted  prometheus.Counter
	sessionsActive   prometheus.Gauge

	clientsConnected prometheus.Gauge
	clientsDropped   prometheus.Counter
	eventsBroadcast  *prometheus.CounterVec

	checkpointWait     *prometheus.HistogramVec
	checkpointTimeouts *prometheus.CounterVec

	errorsHandled *prometheus.CounterVec
	circuitOpen   prometheus.Gauge
	basicMode     prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Sessions created, by kind.",
		}, []string{"kind"}),
		sessionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "finished_total",
			Help:      "Sessions that reached a terminal status, by status.",
		}, []string{"status"}),
		sessionsEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "evicted_total",
			Help:      "Sessions removed by the age sweep.",
		}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions currently processing.",
		}),
		clientsConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "clients",
			Help:      "Registered observer connections.",
		}),
		clientsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "clients_dropped_total",
			Help:      "Observers disconnected because they could not keep up.",
		}),
		eventsBroadcast: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "deliveries_total",
			Help:      "Event deliveries queued to observers, by event type.",
		}, []string{"type"}),
		checkpointWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "checkpoint_wait_seconds",
			Help:      "Time from first arrival to release of a checkpoint barrier.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"checkpoint"}),
		checkpointTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "checkpoint_timeouts_total",
			Help:      "Barriers released by timeout with partial admission.",
		}, []string{"checkpoint"}),
		errorsHandled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "errors_handled_total",
			Help:      "Errors passed through the error handler, by kind and strategy.",
		}, []string{"kind", "strategy"}),
		circuitOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "circuit_open",
			Help:      "1 while the circuit breaker is open.",
		}),
		basicMode: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "basic_mode",
			Help:      "1 while the system runs in basic (degraded) mode.",
		}),
	}
}

func (m *Metrics) SessionCreated(kind string) {
	if m == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(kind).Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionFinished(status string) {
	if m == nil {
		return
	}
	m.sessionsFinished.WithLabelValues(status).Inc()
	m.sessionsActive.Dec()
}

func (m *Metrics) SessionsEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsEvicted.Add(float64(n))
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.clientsConnected.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.clientsConnected.Dec()
}

func (m *Metrics) ClientDropped() {
	if m == nil {
		return
	}
	m.clientsDropped.Inc()
}

func (m *Metrics) EventBroadcast(eventType string, deliveries int) {
	if m == nil || deliveries <= 0 {
		return
	}
	m.eventsBroadcast.WithLabelValues(eventType).Add(float64(deliveries))
}

func (m *Metrics) CheckpointReleased(checkpoint string, wait time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.checkpointWait.WithLabelValues(checkpoint).Observe(wait.Seconds())
	if timedOut {
		m.checkpointTimeouts.WithLabelValues(checkpoint).Inc()
	}
}

func (m *Metrics) ErrorHandled(kind, strategy string) {
	if m == nil {
		return
	}
	m.errorsHandled.WithLabelValues(kind, strategy).Inc()
}

func (m *Metrics) SetCircuitOpen(open bool) {
	if m == nil {
		return
	}
	m.circuitOpen.Set(boolGauge(open))
}

func (m *Metrics) SetBasicMode(on bool) {
	if m == nil {
		return
	}
	m.basicMode.Set(boolGauge(on))
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
