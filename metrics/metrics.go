// Package metrics exposes service dispatch metrics to prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"gen-rpc/message"
)

const metricsNamespace = "genrpc"

// Call outcomes.
const (
	OutcomeResult = "result"
	OutcomeError  = "error"
	OutcomeStream = "stream"
)

// Session end reasons.
const (
	ReasonEnded    = "ended"
	ReasonClosed   = "closed"
	ReasonExpired  = "expired"
	ReasonPeerLost = "peer_lost"
	ReasonShutdown = "shutdown"
)

// Collector is a prometheus.Collector for one service. A nil *Collector
// is valid and records nothing.
type Collector struct {
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	inflight     prometheus.Gauge
	envelopes    *prometheus.CounterVec
	sessionsOpen prometheus.Gauge
	sessionsDone *prometheus.CounterVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "calls_total",
				Help:      "The number of procedure invocations by outcome.",
			}, []string{"procedure", "outcome"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "call_duration_seconds",
				Help:      "The time taken by a procedure invocation.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			}, []string{"procedure"},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "calls_inflight",
				Help:      "The number of invocations currently running.",
			},
		),
		envelopes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "envelopes_received_total",
				Help:      "The number of envelopes received by kind.",
			}, []string{"kind"},
		),
		sessionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_open",
				Help:      "The number of open generator sessions.",
			},
		),
		sessionsDone: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_finished_total",
				Help:      "The number of generator sessions finished by reason.",
			}, []string{"reason"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.calls.Describe(ch)
	c.callDuration.Describe(ch)
	c.inflight.Describe(ch)
	c.envelopes.Describe(ch)
	c.sessionsOpen.Describe(ch)
	c.sessionsDone.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.calls.Collect(ch)
	c.callDuration.Collect(ch)
	c.inflight.Collect(ch)
	c.envelopes.Collect(ch)
	c.sessionsOpen.Collect(ch)
	c.sessionsDone.Collect(ch)
}

// CallStarted records an invocation starting.
func (c *Collector) CallStarted() {
	if c == nil {
		return
	}
	c.inflight.Inc()
}

// CallFinished records an invocation of procedure finishing.
func (c *Collector) CallFinished(procedure, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.inflight.Dec()
	c.calls.WithLabelValues(procedure, outcome).Inc()
	c.callDuration.WithLabelValues(procedure).Observe(d.Seconds())
}

// EnvelopeReceived counts an inbound envelope.
func (c *Collector) EnvelopeReceived(kind message.Kind) {
	if c == nil {
		return
	}
	c.envelopes.WithLabelValues(kind.String()).Inc()
}

// SessionOpened records a generator session being opened.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsOpen.Inc()
}

// SessionFinished records a generator session leaving the table.
func (c *Collector) SessionFinished(reason string) {
	if c == nil {
		return
	}
	c.sessionsOpen.Dec()
	c.sessionsDone.WithLabelValues(reason).Inc()
}
