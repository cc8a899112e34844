// Package metrics exposes Prometheus counters and gauges for the pilot.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatpilot"

// Metrics owns a private registry so tests can build as many as they like.
// A nil *Metrics is a valid no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth       *prometheus.GaugeVec
	detections       *prometheus.CounterVec
	decisions        *prometheus.CounterVec
	dispatched       prometheus.Counter
	dispatchFailures prometheus.Counter
	finishes         *prometheus.CounterVec
	remoteFailures   *prometheus.CounterVec
	remoteLatency    *prometheus.HistogramVec
	roundsInFlight   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_entries",
			Help: "Queue entries by status.",
		}, []string{"status"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "detections_total",
			Help: "List changes seen by the detector, by outcome.",
		}, []string{"outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "decisions_total",
			Help: "Oracle decisions by tag.",
		}, []string{"tag"}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_dispatched_total",
			Help: "Reply messages sent.",
		}),
		dispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "message_dispatch_failures_total",
			Help: "Reply messages that failed to send.",
		}),
		finishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "finishes_total",
			Help: "Sessions finished, by reason.",
		}, []string{"reason"}),
		remoteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "remote_failures_total",
			Help: "Failed remote service calls.",
		}, []string{"service"}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "remote_call_seconds",
			Help:    "Remote service call latency.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"service"}),
		roundsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rounds_in_flight",
			Help: "Decision rounds currently running.",
		}),
	}
	m.registry.MustRegister(
		m.queueDepth, m.detections, m.decisions, m.dispatched, m.dispatchFailures,
		m.finishes, m.remoteFailures, m.remoteLatency, m.roundsInFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) QueueDepth(status string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(status).Set(float64(n))
}

// Detection outcomes.
const (
	DetectEnqueued   = "enqueued"
	DetectDuplicate  = "duplicate"
	DetectSuppressed = "suppressed"
	DetectBusy       = "busy"
)

func (m *Metrics) Detection(outcome string) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Decision(tag string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(tag).Inc()
}

func (m *Metrics) Dispatched(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.dispatched.Inc()
	} else {
		m.dispatchFailures.Inc()
	}
}

// Finish reasons.
const (
	FinishTag     = "tag"
	FinishGrace   = "grace"
	FinishSettled = "settled"
	FinishAbandon = "abandoned"
)

func (m *Metrics) Finished(reason string) {
	if m == nil {
		return
	}
	m.finishes.WithLabelValues(reason).Inc()
}

// RemoteCall records one call to "oracle" or "generator".
func (m *Metrics) RemoteCall(service string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.remoteLatency.WithLabelValues(service).Observe(seconds)
	if err != nil {
		m.remoteFailures.WithLabelValues(service).Inc()
	}
}

func (m *Metrics) RoundStarted() {
	if m == nil {
		return
	}
	m.roundsInFlight.Inc()
}

func (m *Metrics) RoundEnded() {
	if m == nil {
		return
	}
	m.roundsInFlight.Dec()
}
