package protocol

import (
	"time"

	"github.com/defistate/flashliquidity-go/engine"
	"github.com/defistate/flashliquidity-go/flashloan"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the Prometheus metrics for the protocol.
type Metrics struct {
	callsTotal        *prometheus.CounterVec
	callDuration      *prometheus.HistogramVec
	flashTransitions  *prometheus.CounterVec
	invariantFailures prometheus.Counter
	sequence          prometheus.Gauge
}

// NewMetrics creates and registers the metrics for the protocol.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flashliquidity_calls_total",
			Help: "Total number of calls executed, labeled by operation and error kind.",
		}, []string{"op", "result"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flashliquidity_call_duration_seconds",
			Help:    "Time taken to execute a call, including lock waits and commit.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		flashTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flashliquidity_flashloan_transitions_total",
			Help: "Flash-loan state transitions, labeled by state.",
		}, []string{"state"}),
		invariantFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flashliquidity_invariant_violations_total",
			Help: "Calls aborted because internal accounting was found broken.",
		}),
		sequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flashliquidity_sequence",
			Help: "Number of committed calls.",
		}),
	}
	reg.MustRegister(m.callsTotal, m.callDuration, m.flashTransitions, m.invariantFailures, m.sequence)
	return m
}

func (m *Metrics) observeCall(op engine.Op, err error, elapsed time.Duration) {
	m.callsTotal.WithLabelValues(string(op), engine.Classify(err).String()).Inc()
	m.callDuration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
}

func (m *Metrics) observeTransition(_ engine.Asset, state flashloan.State) {
	m.flashTransitions.WithLabelValues(state.String()).Inc()
}
