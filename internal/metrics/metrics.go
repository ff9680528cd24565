// Package metrics exposes Prometheus collectors for a ring node.
//
// All methods are safe to call on a nil *Metrics, so components can take an
// optional metrics sink without branching at every call site.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chordring"

// Metrics holds the collectors of one node.
type Metrics struct {
	requests        *prometheus.CounterVec
	lookups         *prometheus.CounterVec
	healthChecks    *prometheus.CounterVec
	fingerChanges   *prometheus.CounterVec
	fingers         prometheus.Gauge
	state           *prometheus.GaugeVec
	rebuildDuration prometheus.Histogram
	rebuildFailures prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what simulations and tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Protocol requests handled, by type and outcome.",
		}, []string{"type", "outcome"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Key lookups started on this node, by how they were resolved.",
		}, []string{"result"}),
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Finger health checks, by round and result.",
		}, []string{"round", "result"}),
		fingerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finger_state_changes_total",
			Help:      "Finger health transitions, by new state.",
		}, []string{"state"}),
		fingers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "finger_table_size",
			Help:      "Distinct peers in the finger table.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_state",
			Help:      "1 for the current lifecycle state of the node, 0 otherwise.",
		}, []string{"state"}),
		rebuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "table_rebuild_seconds",
			Help:      "Finger table rebuild latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		rebuildFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "table_rebuild_failures_total",
			Help:      "Finger table rebuilds that kept the previous table.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.requests,
			m.lookups,
			m.healthChecks,
			m.fingerChanges,
			m.fingers,
			m.state,
			m.rebuildDuration,
			m.rebuildFailures,
		)
	}
	return m
}

// ObserveRequest counts one dispatched request.
func (m *Metrics) ObserveRequest(reqType string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(reqType, outcome).Inc()
}

// ObserveLookup counts a lookup result: local, successor, forwarded, fallback or error.
func (m *Metrics) ObserveLookup(result string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(result).Inc()
}

// ObserveHealthCheck counts one probe of the first or second round.
func (m *Metrics) ObserveHealthCheck(round string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.healthChecks.WithLabelValues(round, result).Inc()
}

// ObserveFingerState counts a finger moving to state.
func (m *Metrics) ObserveFingerState(state string) {
	if m == nil {
		return
	}
	m.fingerChanges.WithLabelValues(state).Inc()
}

// SetFingerCount records the current table size.
func (m *Metrics) SetFingerCount(n int) {
	if m == nil {
		return
	}
	m.fingers.Set(float64(n))
}

// SetState marks state as current and clears previous.
func (m *Metrics) SetState(previous, state string) {
	if m == nil {
		return
	}
	if previous != "" && previous != state {
		m.state.WithLabelValues(previous).Set(0)
	}
	m.state.WithLabelValues(state).Set(1)
}

// ObserveRebuild records one table rebuild.
func (m *Metrics) ObserveRebuild(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.rebuildDuration.Observe(d.Seconds())
	if err != nil {
		m.rebuildFailures.Inc()
	}
}
